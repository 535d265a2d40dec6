package memory

import (
	"context"
	"errors"
	"testing"

	"comandero/backend/internal/domain"
	"comandero/backend/internal/store"
)

func TestListBatchesSortsUndatedLast(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.ReceiveBatch(ctx, domain.ProductBatch{
		StoreID:   "main-store",
		ProductID: "prod-juice",
		Quantity:  12,
	}, "admin"); err != nil {
		t.Fatalf("receive batch: %v", err)
	}

	batches, err := s.ListBatches(ctx, "main-store", "prod-juice")
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if batches[0].ID != "batch-juice-1" || batches[1].ID != "batch-juice-2" {
		t.Fatalf("expected dated batches first, got %s then %s", batches[0].ID, batches[1].ID)
	}
	if batches[2].ExpirationDate != nil {
		t.Fatalf("expected undated batch sorted last")
	}
}

func TestReceiveBatchRejectsUnknownStore(t *testing.T) {
	s := NewSeeded()

	_, err := s.ReceiveBatch(context.Background(), domain.ProductBatch{
		StoreID:   "other-store",
		ProductID: "prod-juice",
		Quantity:  5,
	}, "admin")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for foreign store id, got %v", err)
	}
}

func TestSaleRejectsBatchShortfall(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.OpenCashSession(ctx, "main-store", "admin", 0); err != nil {
		t.Fatalf("open cash session: %v", err)
	}

	// Drop a batch row while the counter still reports the full quantity,
	// the shape externally provisioned data can arrive in.
	s.mu.Lock()
	s.batchesByProduct["prod-juice"] = s.batchesByProduct["prod-juice"][:1]
	s.mu.Unlock()

	_, err := s.CreateSale(ctx, "main-store", domain.SaleCreateRequest{
		Items:    []domain.SaleLineInput{{ProductID: "prod-juice", Quantity: 30}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 135000}},
	}, domain.Actor{Username: "admin", Role: "admin", StoreID: "main-store"}, false)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock when batches cannot cover the sale, got %v", err)
	}

	batches, err := s.ListBatches(ctx, "main-store", "prod-juice")
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 1 || batches[0].Quantity != 24 {
		t.Fatalf("expected the remaining batch untouched at 24, got %+v", batches)
	}
}

func TestCreateUserConflicts(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.CreateUser(ctx, domain.UserAccount{Username: "admin", Password: "x"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for seeded username, got %v", err)
	}

	if err := s.CreateUser(ctx, domain.UserAccount{Username: "Nova", Password: "hash"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	for _, u := range users {
		if u.Username == "nova" {
			return
		}
	}
	t.Fatalf("expected lowercased username nova in user list")
}
