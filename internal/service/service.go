package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"comandero/backend/internal/cache"
	"comandero/backend/internal/domain"
	"comandero/backend/internal/store"
	"comandero/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo           store.Repository
	floorCache     cache.FloorCache
	defaultStoreID string
	floorTTL       time.Duration
	strictCustomer bool
}

func New(repo store.Repository, floorCache cache.FloorCache, defaultStoreID string, floorTTL time.Duration, strictCustomer bool) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	if floorCache == nil {
		floorCache = cache.NoopFloorCache{}
	}
	if floorTTL < time.Second {
		floorTTL = 5 * time.Second
	}

	return &Service{
		repo:           repo,
		floorCache:     floorCache,
		defaultStoreID: defaultStoreID,
		floorTTL:       floorTTL,
		strictCustomer: strictCustomer,
	}
}

func (s *Service) storeIDFor(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.StoreID != "" {
		return actor.StoreID
	}
	return s.defaultStoreID
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, s.storeIDFor(ctx))
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, store.ErrInvalidRequest
	}
	product, err := s.repo.GetProduct(ctx, s.storeIDFor(ctx), productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	return s.repo.ListIngredients(ctx, s.storeIDFor(ctx))
}

func (s *Service) ListBatches(ctx context.Context, productID string) ([]domain.ProductBatch, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, store.ErrInvalidRequest
	}
	return s.repo.ListBatches(ctx, s.storeIDFor(ctx), productID)
}

func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.ProductBatch, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.ProductBatch{}, fmt.Errorf("admin role required")
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" || req.Quantity < 1 {
		return domain.ProductBatch{}, store.ErrInvalidRequest
	}

	var expirationDate *time.Time
	if strings.TrimSpace(req.ExpirationDate) != "" {
		parsed, err := time.Parse("2006-01-02", req.ExpirationDate)
		if err != nil {
			return domain.ProductBatch{}, store.ErrInvalidRequest
		}
		exp := parsed.UTC()
		expirationDate = &exp
	}

	storeID := s.storeIDFor(ctx)
	batch, err := s.repo.ReceiveBatch(ctx, domain.ProductBatch{
		ID:             xid.New("batch"),
		StoreID:        storeID,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		ExpirationDate: expirationDate,
		ReceivedAt:     time.Now().UTC(),
	}, actor.Username)
	if err != nil {
		return domain.ProductBatch{}, err
	}

	s.logAudit(ctx, storeID, "batch_receive", "product_batch", batch.ID, fmt.Sprintf("product=%s,qty=%d,expiry=%s", batch.ProductID, batch.Quantity, req.ExpirationDate))
	return *batch, nil
}

func (s *Service) ListTables(ctx context.Context) ([]domain.Table, error) {
	return s.repo.ListTables(ctx, s.storeIDFor(ctx))
}

// FloorView serves the floor snapshot through the cache. A stale snapshot of
// up to floorTTL is acceptable for the polling floor plan; any mutation that
// changes occupancy invalidates the key early.
func (s *Service) FloorView(ctx context.Context) (domain.FloorSnapshot, error) {
	storeID := s.storeIDFor(ctx)

	cached, hit, err := s.floorCache.Get(ctx, storeID)
	if err != nil {
		log.Printf("[service] WARN: floor cache read failed store=%s: %v", storeID, err)
	}
	if hit {
		return *cached, nil
	}

	tables, err := s.repo.FloorTables(ctx, storeID)
	if err != nil {
		return domain.FloorSnapshot{}, err
	}

	snapshot := domain.FloorSnapshot{
		StoreID:     storeID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Tables:      tables,
	}
	if err := s.floorCache.Set(ctx, storeID, &snapshot, s.floorTTL); err != nil {
		log.Printf("[service] WARN: floor cache write failed store=%s: %v", storeID, err)
	}
	return snapshot, nil
}

func (s *Service) invalidateFloor(ctx context.Context, storeID string) {
	if err := s.floorCache.Invalidate(ctx, storeID); err != nil {
		log.Printf("[service] WARN: floor cache invalidate failed store=%s: %v", storeID, err)
	}
}

func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Order{}, fmt.Errorf("authenticated actor required")
	}

	req.TableID = strings.TrimSpace(req.TableID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.DeliveryAddress = strings.TrimSpace(req.DeliveryAddress)

	switch req.Type {
	case domain.OrderTypeDineIn:
		if req.TableID == "" {
			return domain.Order{}, store.ErrInvalidRequest
		}
	case domain.OrderTypeDelivery:
		if req.CustomerID == "" || req.DeliveryAddress == "" {
			return domain.Order{}, store.ErrInvalidRequest
		}
	case domain.OrderTypeTakeout:
	default:
		return domain.Order{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	order, err := s.repo.CreateOrder(ctx, domain.Order{
		ID:              xid.New("ord"),
		StoreID:         storeID,
		OpenedBy:        actor.Username,
		Type:            req.Type,
		TableID:         req.TableID,
		CustomerID:      req.CustomerID,
		DeliveryAddress: req.DeliveryAddress,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, storeID, "order_open", "order", order.ID, fmt.Sprintf("type=%s,table=%s", order.Type, order.TableID))
	s.invalidateFloor(ctx, storeID)
	return *order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, store.ErrInvalidRequest
	}
	order, err := s.repo.GetOrder(ctx, s.storeIDFor(ctx), orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.repo.ListOpenOrders(ctx, s.storeIDFor(ctx))
}

func (s *Service) GetOpenOrderByTable(ctx context.Context, tableID string) (domain.Order, error) {
	tableID = strings.TrimSpace(tableID)
	if tableID == "" {
		return domain.Order{}, store.ErrInvalidRequest
	}
	order, err := s.repo.GetOpenOrderByTable(ctx, s.storeIDFor(ctx), tableID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) AddOrderItem(ctx context.Context, orderID string, req domain.OrderItemAddRequest) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Notes = strings.TrimSpace(req.Notes)
	if orderID == "" || req.ProductID == "" || req.Quantity < 1 {
		return domain.Order{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	order, err := s.repo.AddOrderItem(ctx, storeID, orderID, req)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, storeID, "order_item_add", "order", order.ID, fmt.Sprintf("product=%s,qty=%d", req.ProductID, req.Quantity))
	s.invalidateFloor(ctx, storeID)
	return *order, nil
}

func (s *Service) UpdateOrderItemStatus(ctx context.Context, orderID string, itemID string, req domain.ItemStatusUpdateRequest) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	itemID = strings.TrimSpace(itemID)
	if orderID == "" || itemID == "" {
		return domain.Order{}, store.ErrInvalidRequest
	}
	switch req.Status {
	case domain.ItemStatusPending, domain.ItemStatusPreparing, domain.ItemStatusReady, domain.ItemStatusDelivered:
	default:
		return domain.Order{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	order, err := s.repo.UpdateOrderItemStatus(ctx, storeID, orderID, itemID, req.Status)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// PayOrder settles part or all of an open order. The store layer does the
// heavy lifting in one transaction; change is whatever the customer handed
// over beyond the settled lines.
func (s *Service) PayOrder(ctx context.Context, orderID string, req domain.OrderPaymentRequest) (domain.OrderPaymentResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.OrderPaymentResponse{}, fmt.Errorf("authenticated actor required")
	}

	orderID = strings.TrimSpace(orderID)
	if orderID == "" || len(req.Items) == 0 || len(req.Payments) == 0 {
		return domain.OrderPaymentResponse{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	sale, order, err := s.repo.SettleOrderPayment(ctx, storeID, orderID, req, actor, s.strictCustomer)
	if err != nil {
		return domain.OrderPaymentResponse{}, err
	}

	paid := int64(0)
	for _, p := range req.Payments {
		paid += p.AmountCents
	}

	s.logAudit(ctx, storeID, "order_pay", "order", order.ID, fmt.Sprintf("sale=%s,total=%d,payments=%d,status=%s", sale.ID, sale.TotalCents, len(req.Payments), order.Status))
	if order.Status == domain.OrderStatusPaid {
		s.invalidateFloor(ctx, storeID)
	}

	return domain.OrderPaymentResponse{
		Sale:        *sale,
		Order:       *order,
		ChangeCents: paid - sale.TotalCents,
	}, nil
}

func (s *Service) MergeOrders(ctx context.Context, targetOrderID string, req domain.OrderMergeRequest) (domain.Order, error) {
	targetOrderID = strings.TrimSpace(targetOrderID)
	req.SourceOrderID = strings.TrimSpace(req.SourceOrderID)
	if targetOrderID == "" || req.SourceOrderID == "" {
		return domain.Order{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	order, err := s.repo.MergeOrders(ctx, storeID, targetOrderID, req.SourceOrderID)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, storeID, "order_merge", "order", order.ID, fmt.Sprintf("source=%s", req.SourceOrderID))
	s.invalidateFloor(ctx, storeID)
	return *order, nil
}

func (s *Service) TransferOrder(ctx context.Context, orderID string, req domain.OrderTransferRequest) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	req.TargetTableID = strings.TrimSpace(req.TargetTableID)
	if orderID == "" || req.TargetTableID == "" {
		return domain.Order{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	order, err := s.repo.TransferOrder(ctx, storeID, orderID, req.TargetTableID)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, storeID, "order_transfer", "order", order.ID, fmt.Sprintf("table=%s", req.TargetTableID))
	s.invalidateFloor(ctx, storeID)
	return *order, nil
}

func (s *Service) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	order, err := s.repo.CancelOrder(ctx, storeID, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, storeID, "order_cancel", "order", order.ID, string(order.Type))
	s.invalidateFloor(ctx, storeID)
	return *order, nil
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleCreateResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SaleCreateResponse{}, fmt.Errorf("authenticated actor required")
	}
	if len(req.Items) == 0 || len(req.Payments) == 0 {
		return domain.SaleCreateResponse{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	sale, err := s.repo.CreateSale(ctx, storeID, req, actor, s.strictCustomer)
	if err != nil {
		return domain.SaleCreateResponse{}, err
	}

	paid := int64(0)
	for _, p := range req.Payments {
		paid += p.AmountCents
	}

	s.logAudit(ctx, storeID, "sale_create", "sale", sale.ID, fmt.Sprintf("total=%d,items=%d,payments=%d", sale.TotalCents, len(sale.Items), len(sale.Payments)))
	return domain.SaleCreateResponse{
		Sale:        *sale,
		ChangeCents: paid - sale.TotalCents,
	}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, store.ErrInvalidRequest
	}
	sale, err := s.repo.GetSale(ctx, s.storeIDFor(ctx), saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, date string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, s.storeIDFor(ctx), from, to, limit)
}

func (s *Service) OpenCashSession(ctx context.Context, req domain.CashSessionOpenRequest) (domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CashSession{}, fmt.Errorf("authenticated actor required")
	}

	storeID := s.storeIDFor(ctx)
	session, err := s.repo.OpenCashSession(ctx, storeID, actor.Username, req.OpeningCents)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.CashSession{}, fmt.Errorf("%w: cash session already open", store.ErrConflict)
		}
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, storeID, "cash_session_open", "cash_session", session.ID, fmt.Sprintf("opening=%d", req.OpeningCents))
	return *session, nil
}

func (s *Service) CurrentCashSession(ctx context.Context) (domain.CashSession, error) {
	session, err := s.repo.GetOpenCashSession(ctx, s.storeIDFor(ctx))
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

func (s *Service) RecordWithdrawal(ctx context.Context, req domain.CashWithdrawalRequest) (domain.CashTransaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.CashTransaction{}, fmt.Errorf("admin role required")
	}

	req.Reason = strings.TrimSpace(req.Reason)
	if req.AmountCents < 1 || req.Reason == "" {
		return domain.CashTransaction{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	cashTx, err := s.repo.RecordWithdrawal(ctx, storeID, req.AmountCents, req.Reason, actor.Username)
	if err != nil {
		return domain.CashTransaction{}, err
	}

	s.logAudit(ctx, storeID, "cash_withdrawal", "cash_session", cashTx.SessionID, fmt.Sprintf("amount=%d,reason=%s", req.AmountCents, req.Reason))
	return *cashTx, nil
}

func (s *Service) CloseCashSession(ctx context.Context, req domain.CashSessionCloseRequest) (domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.CashSession{}, fmt.Errorf("admin role required")
	}
	if req.CountedCents < 0 {
		return domain.CashSession{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	session, err := s.repo.CloseCashSession(ctx, storeID, req.CountedCents)
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, storeID, "cash_session_close", "cash_session", session.ID, fmt.Sprintf("counted=%d,expected=%d,difference=%d", session.ClosingCents, session.ExpectedCents, session.DifferenceCents))
	return *session, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (domain.StockMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockMovement{}, fmt.Errorf("admin role required")
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ProductID == "" || req.NewStock < 0 || req.Reason == "" {
		return domain.StockMovement{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	movement, err := s.repo.AdjustStock(ctx, storeID, req.ProductID, req.NewStock, actor.Username, req.Reason)
	if err != nil {
		return domain.StockMovement{}, err
	}

	s.logAudit(ctx, storeID, "stock_adjust", "product", req.ProductID, fmt.Sprintf("new_stock=%d,reason=%s", req.NewStock, req.Reason))
	return *movement, nil
}

func (s *Service) ListStockMovements(ctx context.Context, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, s.storeIDFor(ctx), limit)
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Customer{}, store.ErrInvalidRequest
	}
	customer, err := s.repo.GetCustomer(ctx, s.storeIDFor(ctx), customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) CreateCampaign(ctx context.Context, req domain.CampaignCreateRequest) (domain.Campaign, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Campaign{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if req.Name == "" {
		return domain.Campaign{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	campaign, err := s.repo.CreateCampaign(ctx, domain.Campaign{
		ID:          xid.New("camp"),
		StoreID:     storeID,
		Name:        req.Name,
		Description: req.Description,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.Campaign{}, err
	}

	s.logAudit(ctx, storeID, "campaign_create", "campaign", campaign.ID, fmt.Sprintf("name=%s", campaign.Name))
	return *campaign, nil
}

func (s *Service) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	return s.repo.ListCampaigns(ctx, s.storeIDFor(ctx))
}

func (s *Service) SetCampaignActive(ctx context.Context, campaignID string, active bool) (domain.Campaign, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Campaign{}, fmt.Errorf("admin role required")
	}
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return domain.Campaign{}, store.ErrInvalidRequest
	}

	storeID := s.storeIDFor(ctx)
	campaign, err := s.repo.SetCampaignActive(ctx, storeID, campaignID, active)
	if err != nil {
		return domain.Campaign{}, err
	}

	s.logAudit(ctx, storeID, "campaign_toggle", "campaign", campaignID, fmt.Sprintf("active=%t", active))
	return *campaign, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 100
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, s.storeIDFor(ctx), from, to, limit)
}

func dayRange(date string) (time.Time, time.Time, error) {
	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrInvalidRequest
		}
		from = parsed.UTC()
	}
	return from, from.Add(24 * time.Hour), nil
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
