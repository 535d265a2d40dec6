package cache

import (
	"context"
	"time"

	"comandero/backend/internal/domain"
)

// FloorCache holds the per-store floor snapshot (tables + open-order
// summaries) so the POS floor view does not hit the database on every poll.
type FloorCache interface {
	Get(ctx context.Context, storeID string) (*domain.FloorSnapshot, bool, error)
	Set(ctx context.Context, storeID string, snapshot *domain.FloorSnapshot, ttl time.Duration) error
	Invalidate(ctx context.Context, storeID string) error
}

type NoopFloorCache struct{}

func (NoopFloorCache) Get(context.Context, string) (*domain.FloorSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopFloorCache) Set(context.Context, string, *domain.FloorSnapshot, time.Duration) error {
	return nil
}

func (NoopFloorCache) Invalidate(context.Context, string) error {
	return nil
}
