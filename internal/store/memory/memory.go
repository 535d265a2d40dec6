package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"comandero/backend/internal/domain"
	"comandero/backend/internal/store"
	"comandero/backend/internal/xid"
)

type Store struct {
	mu                 sync.RWMutex
	productsByID       map[string]domain.Product
	ingredientsByID    map[string]domain.Ingredient
	additionalsByID    map[string]domain.Additional
	batchesByProduct   map[string][]domain.ProductBatch
	tablesByID         map[string]domain.Table
	ordersByID         map[string]*domain.Order
	openOrderByTable   map[string]string
	salesByID          map[string]domain.Sale
	sessionsByID       map[string]domain.CashSession
	openSessionByStore map[string]string
	customersByID      map[string]domain.Customer
	movements          []domain.StockMovement
	campaignsByID      map[string]domain.Campaign
	auditLogs          []domain.AuditLog
	usersByUsername    map[string]domain.UserAccount
}

const seedStoreID = "main-store"

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_WAITER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	waiterPwd := envOr("SEED_WAITER_PASSWORD", "waiter123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_WAITER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_WAITER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"waiter", waiterPwd, "waiter"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			StoreID:   seedStoreID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	ingredients := []domain.Ingredient{
		{ID: "ing-patty", StoreID: seedStoreID, Name: "Beef Patty", Unit: "pc", Stock: 40, LowStockThreshold: 10},
		{ID: "ing-bun", StoreID: seedStoreID, Name: "Burger Bun", Unit: "pc", Stock: 40, LowStockThreshold: 10},
		{ID: "ing-dough", StoreID: seedStoreID, Name: "Pizza Dough", Unit: "pc", Stock: 30, LowStockThreshold: 8},
		{ID: "ing-mozzarella", StoreID: seedStoreID, Name: "Mozzarella", Unit: "kg", Stock: 6, LowStockThreshold: 1.5},
		{ID: "ing-tomato", StoreID: seedStoreID, Name: "Tomato Sauce", Unit: "l", Stock: 4, LowStockThreshold: 1},
		{ID: "ing-coffee", StoreID: seedStoreID, Name: "Coffee Beans", Unit: "kg", Stock: 2, LowStockThreshold: 0.5},
	}

	products := []domain.Product{
		{ID: "prod-burger", StoreID: seedStoreID, Name: "Classic Burger", PriceCents: 8900, Active: true, CreatedAt: now,
			RecipeItems: []domain.RecipeItem{
				{IngredientID: "ing-patty", IngredientName: "Beef Patty", QuantityNeeded: 1},
				{IngredientID: "ing-bun", IngredientName: "Burger Bun", QuantityNeeded: 1},
			}},
		{ID: "prod-pizza", StoreID: seedStoreID, Name: "Margherita Pizza", PriceCents: 10900, Active: true, CreatedAt: now,
			RecipeItems: []domain.RecipeItem{
				{IngredientID: "ing-dough", IngredientName: "Pizza Dough", QuantityNeeded: 1},
				{IngredientID: "ing-mozzarella", IngredientName: "Mozzarella", QuantityNeeded: 0.15},
				{IngredientID: "ing-tomato", IngredientName: "Tomato Sauce", QuantityNeeded: 0.1},
			}},
		{ID: "prod-espresso", StoreID: seedStoreID, Name: "Espresso", PriceCents: 2500, Active: true, CreatedAt: now,
			RecipeItems: []domain.RecipeItem{
				{IngredientID: "ing-coffee", IngredientName: "Coffee Beans", QuantityNeeded: 0.018},
			}},
		{ID: "prod-juice", StoreID: seedStoreID, Name: "Fresh Orange Juice", PriceCents: 4500, Stock: 60, LowStockThreshold: 12, Active: true, CreatedAt: now},
		{ID: "prod-beer", StoreID: seedStoreID, Name: "Craft Beer", PriceCents: 6500, Stock: 48, LowStockThreshold: 12, Active: true, CreatedAt: now},
		{ID: "prod-water", StoreID: seedStoreID, Name: "Mineral Water", PriceCents: 2000, Stock: 120, LowStockThreshold: 24, Active: true, CreatedAt: now},
	}

	juiceExpiryNear := now.AddDate(0, 0, 3)
	juiceExpiryFar := now.AddDate(0, 0, 10)
	batches := map[string][]domain.ProductBatch{
		"prod-juice": {
			{ID: "batch-juice-1", StoreID: seedStoreID, ProductID: "prod-juice", Quantity: 24, ExpirationDate: &juiceExpiryNear, ReceivedAt: now.AddDate(0, 0, -2)},
			{ID: "batch-juice-2", StoreID: seedStoreID, ProductID: "prod-juice", Quantity: 36, ExpirationDate: &juiceExpiryFar, ReceivedAt: now.AddDate(0, 0, -1)},
		},
	}

	additionals := []domain.Additional{
		{ID: "add-cheese", StoreID: seedStoreID, Name: "Extra Cheese", PriceCents: 800},
		{ID: "add-bacon", StoreID: seedStoreID, Name: "Bacon", PriceCents: 1200},
		{ID: "add-shot", StoreID: seedStoreID, Name: "Extra Shot", PriceCents: 700},
	}

	tables := []domain.Table{
		{ID: "tbl-1", StoreID: seedStoreID, Number: "1", Status: domain.TableStatusAvailable, Seats: 2, PosX: 0, PosY: 0, CreatedAt: now},
		{ID: "tbl-2", StoreID: seedStoreID, Number: "2", Status: domain.TableStatusAvailable, Seats: 2, PosX: 1, PosY: 0, CreatedAt: now},
		{ID: "tbl-3", StoreID: seedStoreID, Number: "3", Status: domain.TableStatusAvailable, Seats: 4, PosX: 0, PosY: 1, CreatedAt: now},
		{ID: "tbl-4", StoreID: seedStoreID, Number: "4", Status: domain.TableStatusAvailable, Seats: 4, PosX: 1, PosY: 1, CreatedAt: now},
		{ID: "tbl-5", StoreID: seedStoreID, Number: "5", Status: domain.TableStatusAvailable, Seats: 6, PosX: 0, PosY: 2, CreatedAt: now},
		{ID: "tbl-6", StoreID: seedStoreID, Number: "6", Status: domain.TableStatusAvailable, Seats: 6, PosX: 1, PosY: 2, CreatedAt: now},
	}

	customers := []domain.Customer{
		{ID: "cust-1", StoreID: seedStoreID, FullName: "Ana Pereira", Phone: "+55 11 98888-0001", CreatedAt: now},
		{ID: "cust-2", StoreID: seedStoreID, FullName: "Bruno Costa", Phone: "+55 11 98888-0002", CreatedAt: now},
	}

	ingredientMap := make(map[string]domain.Ingredient, len(ingredients))
	for _, ing := range ingredients {
		ingredientMap[ing.ID] = ing
	}
	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	additionalMap := make(map[string]domain.Additional, len(additionals))
	for _, a := range additionals {
		additionalMap[a.ID] = a
	}
	tableMap := make(map[string]domain.Table, len(tables))
	for _, t := range tables {
		tableMap[t.ID] = t
	}
	customerMap := make(map[string]domain.Customer, len(customers))
	for _, c := range customers {
		customerMap[c.ID] = c
	}

	return &Store{
		productsByID:       productMap,
		ingredientsByID:    ingredientMap,
		additionalsByID:    additionalMap,
		batchesByProduct:   batches,
		tablesByID:         tableMap,
		ordersByID:         make(map[string]*domain.Order),
		openOrderByTable:   make(map[string]string),
		salesByID:          make(map[string]domain.Sale),
		sessionsByID:       make(map[string]domain.CashSession),
		openSessionByStore: make(map[string]string),
		customersByID:      customerMap,
		movements:          make([]domain.StockMovement, 0, 128),
		campaignsByID:      make(map[string]domain.Campaign),
		auditLogs:          make([]domain.AuditLog, 0, 128),
		usersByUsername:    seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context, storeID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		if p.StoreID != storeID || !p.Active {
			continue
		}
		products = append(products, cloneProduct(p))
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})

	return products, nil
}

func (s *Store) GetProduct(_ context.Context, storeID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.productsByID[productID]
	if !exists || product.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	copyProduct := cloneProduct(product)
	return &copyProduct, nil
}

func (s *Store) ListBatches(_ context.Context, storeID string, productID string) ([]domain.ProductBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.productsByID[productID]
	if !exists || product.StoreID != storeID {
		return nil, store.ErrNotFound
	}

	batches := s.batchesByProduct[productID]
	result := make([]domain.ProductBatch, 0, len(batches))
	for _, b := range batches {
		result = append(result, cloneBatch(b))
	}
	slices.SortFunc(result, compareBatchForFEFO)
	return result, nil
}

func (s *Store) ReceiveBatch(_ context.Context, batch domain.ProductBatch, username string) (*domain.ProductBatch, error) {
	if batch.Quantity < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.productsByID[batch.ProductID]
	if !exists || product.StoreID != batch.StoreID {
		return nil, store.ErrNotFound
	}
	if len(product.RecipeItems) > 0 {
		return nil, store.ErrInvalidRequest
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	s.batchesByProduct[batch.ProductID] = append(s.batchesByProduct[batch.ProductID], batch)
	product.Stock += batch.Quantity
	s.productsByID[product.ID] = product

	s.recordMovementLocked(domain.StockMovement{
		StoreID:    batch.StoreID,
		ProductID:  product.ID,
		Username:   username,
		Type:       domain.MovementPurchase,
		Quantity:   float64(batch.Quantity),
		StockAfter: float64(product.Stock),
		Reason:     "batch received",
	})

	created := cloneBatch(batch)
	return &created, nil
}

func (s *Store) ListIngredients(_ context.Context, storeID string) ([]domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Ingredient, 0, len(s.ingredientsByID))
	for _, ing := range s.ingredientsByID {
		if ing.StoreID != storeID {
			continue
		}
		result = append(result, ing)
	}
	slices.SortFunc(result, func(a, b domain.Ingredient) int {
		return cmpString(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) ListTables(_ context.Context, storeID string) ([]domain.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Table, 0, len(s.tablesByID))
	for _, t := range s.tablesByID {
		if t.StoreID != storeID {
			continue
		}
		result = append(result, t)
	}
	slices.SortFunc(result, func(a, b domain.Table) int {
		return cmpString(a.Number, b.Number)
	})
	return result, nil
}

func (s *Store) GetTable(_ context.Context, storeID string, tableID string) (*domain.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, exists := s.tablesByID[tableID]
	if !exists || table.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	copyTable := table
	return &copyTable, nil
}

func (s *Store) FloorTables(_ context.Context, storeID string) ([]domain.FloorTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.FloorTable, 0, len(s.tablesByID))
	for _, t := range s.tablesByID {
		if t.StoreID != storeID {
			continue
		}
		entry := domain.FloorTable{Table: t}
		if orderID, ok := s.openOrderByTable[t.ID]; ok {
			if order := s.ordersByID[orderID]; order != nil && order.Status == domain.OrderStatusOpen {
				entry.OpenOrderID = order.ID
				for _, item := range order.Items {
					entry.OpenOrderItems += item.Quantity
					entry.OpenOrderCents += int64(item.Quantity-item.PaidQuantity) * lineUnitCents(item)
				}
			}
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.FloorTable) int {
		return cmpString(a.Table.Number, b.Table.Number)
	})
	return result, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.StoreID == "" || order.OpenedBy == "" {
		return nil, store.ErrInvalidRequest
	}

	if order.Type == domain.OrderTypeDineIn {
		table, exists := s.tablesByID[order.TableID]
		if !exists || table.StoreID != order.StoreID {
			return nil, store.ErrNotFound
		}
		if table.Status != domain.TableStatusAvailable {
			return nil, store.ErrConflict
		}
		if _, busy := s.openOrderByTable[table.ID]; busy {
			return nil, store.ErrConflict
		}
		table.Status = domain.TableStatusOccupied
		s.tablesByID[table.ID] = table
	} else {
		order.TableID = ""
	}

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Status = domain.OrderStatusOpen
	order.Items = []domain.OrderItem{}
	order.ClosedAt = nil

	saved := cloneOrder(order)
	s.ordersByID[order.ID] = &saved
	if order.TableID != "" {
		s.openOrderByTable[order.TableID] = order.ID
	}

	created := cloneOrder(saved)
	return &created, nil
}

func (s *Store) GetOrder(_ context.Context, storeID string, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := s.ordersByID[orderID]
	if order == nil || order.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	copyOrder := cloneOrder(*order)
	return &copyOrder, nil
}

func (s *Store) ListOpenOrders(_ context.Context, storeID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, 16)
	for _, order := range s.ordersByID {
		if order.StoreID != storeID || order.Status != domain.OrderStatusOpen {
			continue
		}
		result = append(result, cloneOrder(*order))
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) GetOpenOrderByTable(_ context.Context, storeID string, tableID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, exists := s.tablesByID[tableID]
	if !exists || table.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	orderID, ok := s.openOrderByTable[tableID]
	if !ok {
		return nil, store.ErrNotFound
	}
	order := s.ordersByID[orderID]
	if order == nil || order.Status != domain.OrderStatusOpen {
		return nil, store.ErrNotFound
	}
	copyOrder := cloneOrder(*order)
	return &copyOrder, nil
}

func (s *Store) AddOrderItem(_ context.Context, storeID string, orderID string, req domain.OrderItemAddRequest) (*domain.Order, error) {
	if req.Quantity < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.ordersByID[orderID]
	if order == nil || order.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrConflict
	}

	product, exists := s.productsByID[req.ProductID]
	if !exists || product.StoreID != storeID || !product.Active {
		return nil, store.ErrNotFound
	}

	additionals := make([]domain.OrderItemAdditional, 0, len(req.AdditionalIDs))
	for _, addID := range req.AdditionalIDs {
		add, ok := s.additionalsByID[addID]
		if !ok || add.StoreID != storeID {
			return nil, store.ErrNotFound
		}
		additionals = append(additionals, domain.OrderItemAdditional{
			AdditionalID: add.ID,
			Name:         add.Name,
			PriceCents:   add.PriceCents,
		})
	}

	// Same product, same notes, same additional set: grow the line instead of
	// opening a duplicate one. Fully paid lines are settled and stay untouched.
	merged := false
	for i := range order.Items {
		item := &order.Items[i]
		if item.ProductID != req.ProductID || item.Notes != req.Notes {
			continue
		}
		if item.Quantity <= item.PaidQuantity {
			continue
		}
		if !sameAdditionals(item.Additionals, additionals) {
			continue
		}
		item.Quantity += req.Quantity
		merged = true
		break
	}

	if !merged {
		order.Items = append(order.Items, domain.OrderItem{
			ID:                xid.New("line"),
			ProductID:         product.ID,
			ProductName:       product.Name,
			Quantity:          req.Quantity,
			PriceAtOrderCents: product.PriceCents,
			Notes:             req.Notes,
			Status:            domain.ItemStatusPending,
			Additionals:       additionals,
		})
	}

	copyOrder := cloneOrder(*order)
	return &copyOrder, nil
}

func (s *Store) UpdateOrderItemStatus(_ context.Context, storeID string, orderID string, itemID string, status domain.ItemStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.ordersByID[orderID]
	if order == nil || order.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrConflict
	}

	for i := range order.Items {
		if order.Items[i].ID != itemID {
			continue
		}
		order.Items[i].Status = status
		copyOrder := cloneOrder(*order)
		return &copyOrder, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) SettleOrderPayment(_ context.Context, storeID string, orderID string, req domain.OrderPaymentRequest, actor domain.Actor, strictCustomer bool) (*domain.Sale, *domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.ordersByID[orderID]
	if order == nil || order.StoreID != storeID {
		return nil, nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, nil, store.ErrConflict
	}
	if len(req.Items) == 0 || len(req.Payments) == 0 {
		return nil, nil, store.ErrInvalidRequest
	}

	sessionID, sessionOpen := s.openSessionByStore[storeID]
	if !sessionOpen {
		return nil, nil, store.ErrConflict
	}

	payQty := make(map[string]int, len(req.Items))
	for _, line := range req.Items {
		if line.Quantity < 1 {
			return nil, nil, store.ErrInvalidRequest
		}
		payQty[line.OrderItemID] += line.Quantity
	}

	itemByID := make(map[string]*domain.OrderItem, len(order.Items))
	for i := range order.Items {
		itemByID[order.Items[i].ID] = &order.Items[i]
	}

	total := int64(0)
	deductions := make(map[string]int, len(payQty))
	for itemID, qty := range payQty {
		item, exists := itemByID[itemID]
		if !exists {
			return nil, nil, store.ErrNotFound
		}
		if qty > item.Quantity-item.PaidQuantity {
			return nil, nil, store.ErrInvalidRequest
		}
		total += int64(qty) * lineUnitCents(*item)
		deductions[item.ProductID] += qty
	}

	paid := int64(0)
	for _, p := range req.Payments {
		if p.AmountCents < 1 || strings.TrimSpace(p.Method) == "" {
			return nil, nil, store.ErrInvalidRequest
		}
		paid += p.AmountCents
	}
	if paid < total {
		return nil, nil, store.ErrInsufficientPayment
	}

	customerID := req.CustomerID
	if customerID == "" {
		customerID = order.CustomerID
	}
	if customerID != "" {
		if _, ok := s.customersByID[customerID]; !ok || s.customersByID[customerID].StoreID != storeID {
			if strictCustomer {
				return nil, nil, store.ErrNotFound
			}
			log.Printf("[memory-store] WARN: sale references unknown customer %s, skipping ledger update", customerID)
			customerID = ""
		}
	}

	if err := s.planDeductionLocked(storeID, deductions); err != nil {
		return nil, nil, err
	}

	// Everything is validated. Apply the whole settlement.
	now := time.Now().UTC()
	sale := domain.Sale{
		ID:            xid.New("sale"),
		StoreID:       storeID,
		OrderID:       order.ID,
		SoldBy:        actor.Username,
		CustomerID:    customerID,
		CashSessionID: sessionID,
		TotalCents:    total,
		Items:         make([]domain.SaleItem, 0, len(payQty)),
		Payments:      make([]domain.Payment, 0, len(req.Payments)),
		CreatedAt:     now,
	}

	for i := range order.Items {
		item := &order.Items[i]
		qty, ok := payQty[item.ID]
		if !ok {
			continue
		}
		item.PaidQuantity += qty
		sale.Items = append(sale.Items, domain.SaleItem{
			ProductID:        item.ProductID,
			ProductName:      item.ProductName,
			Quantity:         qty,
			PriceAtSaleCents: lineUnitCents(*item),
		})
	}

	for _, p := range req.Payments {
		sale.Payments = append(sale.Payments, domain.Payment{
			ID:          xid.New("pay"),
			Method:      p.Method,
			AmountCents: p.AmountCents,
		})
	}

	s.applyDeductionLocked(storeID, deductions, actor.Username, "sale "+sale.ID)
	s.salesByID[sale.ID] = cloneSale(sale)

	session := s.sessionsByID[sessionID]
	for _, p := range sale.Payments {
		session.Transactions = append(session.Transactions, domain.CashTransaction{
			ID:          xid.New("cash"),
			SessionID:   sessionID,
			SaleID:      sale.ID,
			Type:        domain.CashTxSalePayment,
			AmountCents: p.AmountCents,
			Description: p.Method + " payment for order " + order.ID,
			CreatedAt:   now,
		})
	}
	s.sessionsByID[sessionID] = session

	if customerID != "" {
		s.applyCustomerSpendLocked(customerID, total, now)
	}

	if orderFullyPaid(order) {
		order.Status = domain.OrderStatusPaid
		closedAt := now
		order.ClosedAt = &closedAt
		s.releaseTableLocked(order)
	}

	saleCopy := cloneSale(sale)
	orderCopy := cloneOrder(*order)
	return &saleCopy, &orderCopy, nil
}

func (s *Store) MergeOrders(_ context.Context, storeID string, targetID string, sourceID string) (*domain.Order, error) {
	if targetID == sourceID {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.ordersByID[targetID]
	if target == nil || target.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	source := s.ordersByID[sourceID]
	if source == nil || source.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	if target.Status != domain.OrderStatusOpen || source.Status != domain.OrderStatusOpen {
		return nil, store.ErrConflict
	}

	target.Items = append(target.Items, source.Items...)

	s.releaseTableLocked(source)
	delete(s.ordersByID, sourceID)

	copyOrder := cloneOrder(*target)
	return &copyOrder, nil
}

func (s *Store) TransferOrder(_ context.Context, storeID string, orderID string, targetTableID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.ordersByID[orderID]
	if order == nil || order.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrConflict
	}

	target, exists := s.tablesByID[targetTableID]
	if !exists || target.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	if target.Status != domain.TableStatusAvailable {
		return nil, store.ErrConflict
	}
	if _, busy := s.openOrderByTable[targetTableID]; busy {
		return nil, store.ErrConflict
	}

	s.releaseTableLocked(order)
	target.Status = domain.TableStatusOccupied
	s.tablesByID[targetTableID] = target
	order.TableID = targetTableID
	s.openOrderByTable[targetTableID] = order.ID

	copyOrder := cloneOrder(*order)
	return &copyOrder, nil
}

func (s *Store) CancelOrder(_ context.Context, storeID string, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.ordersByID[orderID]
	if order == nil || order.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrConflict
	}
	for _, item := range order.Items {
		if item.PaidQuantity > 0 {
			return nil, store.ErrConflict
		}
	}

	now := time.Now().UTC()
	order.Status = domain.OrderStatusCancelled
	order.ClosedAt = &now
	s.releaseTableLocked(order)

	copyOrder := cloneOrder(*order)
	return &copyOrder, nil
}

func (s *Store) CreateSale(_ context.Context, storeID string, req domain.SaleCreateRequest, actor domain.Actor, strictCustomer bool) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(req.Items) == 0 || len(req.Payments) == 0 {
		return nil, store.ErrInvalidRequest
	}

	sessionID, sessionOpen := s.openSessionByStore[storeID]
	if !sessionOpen {
		return nil, store.ErrConflict
	}

	total := int64(0)
	deductions := make(map[string]int, len(req.Items))
	saleItems := make([]domain.SaleItem, 0, len(req.Items))
	for _, line := range req.Items {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidRequest
		}
		product, exists := s.productsByID[line.ProductID]
		if !exists || product.StoreID != storeID || !product.Active {
			return nil, store.ErrNotFound
		}
		total += int64(line.Quantity) * product.PriceCents
		deductions[product.ID] += line.Quantity
		saleItems = append(saleItems, domain.SaleItem{
			ProductID:        product.ID,
			ProductName:      product.Name,
			Quantity:         line.Quantity,
			PriceAtSaleCents: product.PriceCents,
		})
	}

	paid := int64(0)
	for _, p := range req.Payments {
		if p.AmountCents < 1 || strings.TrimSpace(p.Method) == "" {
			return nil, store.ErrInvalidRequest
		}
		paid += p.AmountCents
	}
	if paid < total {
		return nil, store.ErrInsufficientPayment
	}

	customerID := req.CustomerID
	if customerID != "" {
		if c, ok := s.customersByID[customerID]; !ok || c.StoreID != storeID {
			if strictCustomer {
				return nil, store.ErrNotFound
			}
			log.Printf("[memory-store] WARN: sale references unknown customer %s, skipping ledger update", customerID)
			customerID = ""
		}
	}

	if err := s.planDeductionLocked(storeID, deductions); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sale := domain.Sale{
		ID:            xid.New("sale"),
		StoreID:       storeID,
		SoldBy:        actor.Username,
		CustomerID:    customerID,
		CashSessionID: sessionID,
		TotalCents:    total,
		Items:         saleItems,
		Payments:      make([]domain.Payment, 0, len(req.Payments)),
		CreatedAt:     now,
	}
	for _, p := range req.Payments {
		sale.Payments = append(sale.Payments, domain.Payment{
			ID:          xid.New("pay"),
			Method:      p.Method,
			AmountCents: p.AmountCents,
		})
	}

	s.applyDeductionLocked(storeID, deductions, actor.Username, "sale "+sale.ID)
	s.salesByID[sale.ID] = cloneSale(sale)

	session := s.sessionsByID[sessionID]
	for _, p := range sale.Payments {
		session.Transactions = append(session.Transactions, domain.CashTransaction{
			ID:          xid.New("cash"),
			SessionID:   sessionID,
			SaleID:      sale.ID,
			Type:        domain.CashTxSalePayment,
			AmountCents: p.AmountCents,
			Description: p.Method + " payment for sale " + sale.ID,
			CreatedAt:   now,
		})
	}
	s.sessionsByID[sessionID] = session

	if customerID != "" {
		s.applyCustomerSpendLocked(customerID, total, now)
	}

	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, storeID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[saleID]
	if !exists || sale.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	copySale := cloneSale(sale)
	return &copySale, nil
}

func (s *Store) ListSales(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 32)
	for _, sale := range s.salesByID {
		if sale.StoreID != storeID {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) OpenCashSession(_ context.Context, storeID string, username string, openingCents int64) (*domain.CashSession, error) {
	if openingCents < 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openSessionByStore[storeID]; exists {
		return nil, store.ErrConflict
	}

	now := time.Now().UTC()
	session := domain.CashSession{
		ID:           xid.New("sess"),
		StoreID:      storeID,
		OpenedBy:     username,
		OpeningCents: openingCents,
		IsOpen:       true,
		OpenedAt:     now,
		Transactions: []domain.CashTransaction{{
			ID:          xid.New("cash"),
			Type:        domain.CashTxSupply,
			AmountCents: openingCents,
			Description: "opening float",
			CreatedAt:   now,
		}},
	}
	session.Transactions[0].SessionID = session.ID

	s.sessionsByID[session.ID] = cloneSession(session)
	s.openSessionByStore[storeID] = session.ID

	created := cloneSession(session)
	return &created, nil
}

func (s *Store) GetOpenCashSession(_ context.Context, storeID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.openSessionByStore[storeID]
	if !exists {
		return nil, store.ErrNotFound
	}
	session := s.sessionsByID[sessionID]
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) RecordWithdrawal(_ context.Context, storeID string, amountCents int64, reason string, username string) (*domain.CashTransaction, error) {
	if amountCents < 1 || strings.TrimSpace(reason) == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, exists := s.openSessionByStore[storeID]
	if !exists {
		return nil, store.ErrConflict
	}
	session := s.sessionsByID[sessionID]

	expected := int64(0)
	for _, tx := range session.Transactions {
		expected += tx.AmountCents
	}
	if amountCents > expected {
		return nil, store.ErrConflict
	}

	tx := domain.CashTransaction{
		ID:          xid.New("cash"),
		SessionID:   sessionID,
		Type:        domain.CashTxWithdrawal,
		AmountCents: -amountCents,
		Description: strings.TrimSpace(reason) + " (by " + username + ")",
		CreatedAt:   time.Now().UTC(),
	}
	session.Transactions = append(session.Transactions, tx)
	s.sessionsByID[sessionID] = session

	copyTx := tx
	return &copyTx, nil
}

func (s *Store) CloseCashSession(_ context.Context, storeID string, countedCents int64) (*domain.CashSession, error) {
	if countedCents < 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, exists := s.openSessionByStore[storeID]
	if !exists {
		return nil, store.ErrNotFound
	}
	session := s.sessionsByID[sessionID]

	expected := int64(0)
	for _, tx := range session.Transactions {
		expected += tx.AmountCents
	}

	now := time.Now().UTC()
	session.Transactions = append(session.Transactions, domain.CashTransaction{
		ID:          xid.New("cash"),
		SessionID:   sessionID,
		Type:        domain.CashTxClosingBalance,
		AmountCents: countedCents,
		Description: "closing count",
		CreatedAt:   now,
	})
	session.IsOpen = false
	session.ClosingCents = countedCents
	session.ExpectedCents = expected
	session.DifferenceCents = countedCents - expected
	session.ClosedAt = &now

	s.sessionsByID[sessionID] = session
	delete(s.openSessionByStore, storeID)

	closed := cloneSession(session)
	return &closed, nil
}

func (s *Store) AdjustStock(_ context.Context, storeID string, productID string, newStock int, username string, reason string) (*domain.StockMovement, error) {
	if newStock < 0 || strings.TrimSpace(reason) == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.productsByID[productID]
	if !exists || product.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	if len(product.RecipeItems) > 0 {
		return nil, store.ErrInvalidRequest
	}

	delta := newStock - product.Stock
	if delta == 0 {
		return nil, store.ErrInvalidRequest
	}

	// Batch-tracked products keep stock equal to the sum of batch
	// quantities: shrink consumes batches first-expiring-first, growth
	// lands in a fresh undated batch.
	if batches := s.batchesByProduct[productID]; len(batches) > 0 {
		if delta < 0 {
			if sumBatchQuantities(batches) < -delta {
				return nil, store.ErrInsufficientStock
			}
			s.consumeBatchesLocked(productID, -delta)
		} else {
			s.batchesByProduct[productID] = append(batches, domain.ProductBatch{
				ID:         xid.New("batch"),
				StoreID:    storeID,
				ProductID:  productID,
				Quantity:   delta,
				ReceivedAt: time.Now().UTC(),
			})
		}
	}

	product.Stock = newStock
	s.productsByID[productID] = product

	movement := domain.StockMovement{
		ID:         xid.New("mov"),
		StoreID:    storeID,
		ProductID:  productID,
		Username:   username,
		Type:       domain.MovementAdjustment,
		Quantity:   float64(delta),
		StockAfter: float64(newStock),
		Reason:     strings.TrimSpace(reason),
		CreatedAt:  time.Now().UTC(),
	}
	s.movements = append(s.movements, movement)

	if product.LowStockThreshold > 0 && product.Stock <= product.LowStockThreshold {
		log.Printf("[memory-store] WARN: low stock for product %s: %d left", product.ID, product.Stock)
	}

	copyMovement := movement
	return &copyMovement, nil
}

func (s *Store) ListStockMovements(_ context.Context, storeID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 64)
	for _, m := range s.movements {
		if m.StoreID != storeID {
			continue
		}
		result = append(result, m)
	}
	slices.SortFunc(result, func(a, b domain.StockMovement) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, storeID string, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[customerID]
	if !exists || customer.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) CreateCampaign(_ context.Context, campaign domain.Campaign) (*domain.Campaign, error) {
	if strings.TrimSpace(campaign.Name) == "" || campaign.StoreID == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if campaign.ID == "" {
		campaign.ID = xid.New("camp")
	}
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = time.Now().UTC()
	}
	campaign.Active = true
	s.campaignsByID[campaign.ID] = campaign
	copyCampaign := campaign
	return &copyCampaign, nil
}

func (s *Store) ListCampaigns(_ context.Context, storeID string) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Campaign, 0, len(s.campaignsByID))
	for _, c := range s.campaignsByID {
		if c.StoreID != storeID {
			continue
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b domain.Campaign) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) SetCampaignActive(_ context.Context, storeID string, campaignID string, active bool) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	campaign, exists := s.campaignsByID[campaignID]
	if !exists || campaign.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	campaign.Active = active
	s.campaignsByID[campaignID] = campaign
	copyCampaign := campaign
	return &copyCampaign, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "waiter"
	}
	if user.StoreID == "" {
		user.StoreID = seedStoreID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// planDeductionLocked verifies that every product in the deduction map can be
// fulfilled before anything is mutated. Ingredient needs are aggregated
// across products so two recipe lines sharing an ingredient are checked
// against the combined demand.
func (s *Store) planDeductionLocked(storeID string, deductions map[string]int) error {
	ingredientNeeds := map[string]float64{}
	for productID, qty := range deductions {
		product, exists := s.productsByID[productID]
		if !exists || product.StoreID != storeID {
			return store.ErrNotFound
		}
		if len(product.RecipeItems) > 0 {
			for _, ri := range product.RecipeItems {
				ingredientNeeds[ri.IngredientID] += ri.QuantityNeeded * float64(qty)
			}
			continue
		}
		if product.Stock < qty {
			return store.ErrInsufficientStock
		}
		if batches := s.batchesByProduct[productID]; len(batches) > 0 && sumBatchQuantities(batches) < qty {
			return store.ErrInsufficientStock
		}
	}
	for ingredientID, need := range ingredientNeeds {
		ing, exists := s.ingredientsByID[ingredientID]
		if !exists || ing.StoreID != storeID {
			return store.ErrNotFound
		}
		if ing.Stock < need {
			return store.ErrInsufficientStock
		}
	}
	return nil
}

func (s *Store) applyDeductionLocked(storeID string, deductions map[string]int, username string, reason string) {
	productIDs := make([]string, 0, len(deductions))
	for productID := range deductions {
		productIDs = append(productIDs, productID)
	}
	slices.Sort(productIDs)

	for _, productID := range productIDs {
		qty := deductions[productID]
		product := s.productsByID[productID]

		if len(product.RecipeItems) > 0 {
			for _, ri := range product.RecipeItems {
				need := ri.QuantityNeeded * float64(qty)
				ing := s.ingredientsByID[ri.IngredientID]
				ing.Stock -= need
				s.ingredientsByID[ri.IngredientID] = ing
				s.recordMovementLocked(domain.StockMovement{
					StoreID:      storeID,
					IngredientID: ing.ID,
					Username:     username,
					Type:         domain.MovementSale,
					Quantity:     -need,
					StockAfter:   ing.Stock,
					Reason:       reason,
				})
				if ing.Stock <= ing.LowStockThreshold {
					log.Printf("[memory-store] WARN: low stock for ingredient %s: %.3f %s left", ing.ID, ing.Stock, ing.Unit)
				}
			}
			continue
		}

		s.consumeBatchesLocked(productID, qty)
		product.Stock -= qty
		s.productsByID[productID] = product
		s.recordMovementLocked(domain.StockMovement{
			StoreID:    storeID,
			ProductID:  productID,
			Username:   username,
			Type:       domain.MovementSale,
			Quantity:   -float64(qty),
			StockAfter: float64(product.Stock),
			Reason:     reason,
		})
		if product.LowStockThreshold > 0 && product.Stock <= product.LowStockThreshold {
			log.Printf("[memory-store] WARN: low stock for product %s: %d left", product.ID, product.Stock)
		}
	}
}

func sumBatchQuantities(batches []domain.ProductBatch) int {
	total := 0
	for _, b := range batches {
		total += b.Quantity
	}
	return total
}

// consumeBatchesLocked drains qty units from the product's batches in FEFO
// order. Callers verify the batches hold qty units first and keep
// product.Stock in sync.
func (s *Store) consumeBatchesLocked(productID string, qty int) {
	batches := s.batchesByProduct[productID]
	if len(batches) == 0 {
		return
	}
	slices.SortFunc(batches, compareBatchForFEFO)

	remaining := qty
	kept := batches[:0]
	for _, batch := range batches {
		if remaining > 0 {
			used := remaining
			if used > batch.Quantity {
				used = batch.Quantity
			}
			batch.Quantity -= used
			remaining -= used
		}
		if batch.Quantity > 0 {
			kept = append(kept, batch)
		}
	}
	s.batchesByProduct[productID] = kept
}

func (s *Store) applyCustomerSpendLocked(customerID string, totalCents int64, at time.Time) {
	customer := s.customersByID[customerID]
	customer.TotalSpentCents += totalCents
	customer.LoyaltyPoints += int(totalCents / 1000)
	seen := at
	customer.LastSeen = &seen
	s.customersByID[customerID] = customer
}

func (s *Store) releaseTableLocked(order *domain.Order) {
	if order.TableID == "" {
		return
	}
	if table, exists := s.tablesByID[order.TableID]; exists {
		table.Status = domain.TableStatusAvailable
		s.tablesByID[order.TableID] = table
	}
	delete(s.openOrderByTable, order.TableID)
}

func (s *Store) recordMovementLocked(m domain.StockMovement) {
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.movements = append(s.movements, m)
}

func orderFullyPaid(order *domain.Order) bool {
	for _, item := range order.Items {
		if item.PaidQuantity < item.Quantity {
			return false
		}
	}
	return len(order.Items) > 0
}

func lineUnitCents(item domain.OrderItem) int64 {
	unit := item.PriceAtOrderCents
	for _, add := range item.Additionals {
		unit += add.PriceCents
	}
	return unit
}

func sameAdditionals(a []domain.OrderItemAdditional, b []domain.OrderItemAdditional) bool {
	if len(a) != len(b) {
		return false
	}
	idsA := make([]string, 0, len(a))
	idsB := make([]string, 0, len(b))
	for _, add := range a {
		idsA = append(idsA, add.AdditionalID)
	}
	for _, add := range b {
		idsB = append(idsB, add.AdditionalID)
	}
	slices.Sort(idsA)
	slices.Sort(idsB)
	return slices.Equal(idsA, idsB)
}

func compareBatchForFEFO(a domain.ProductBatch, b domain.ProductBatch) int {
	if a.ExpirationDate == nil && b.ExpirationDate != nil {
		return 1
	}
	if a.ExpirationDate != nil && b.ExpirationDate == nil {
		return -1
	}
	if a.ExpirationDate != nil && b.ExpirationDate != nil {
		if a.ExpirationDate.Before(*b.ExpirationDate) {
			return -1
		}
		if a.ExpirationDate.After(*b.ExpirationDate) {
			return 1
		}
	}
	if a.ReceivedAt.Before(b.ReceivedAt) {
		return -1
	}
	if a.ReceivedAt.After(b.ReceivedAt) {
		return 1
	}
	return cmpString(a.ID, b.ID)
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneOrder(src domain.Order) domain.Order {
	dup := src
	items := make([]domain.OrderItem, len(src.Items))
	copy(items, src.Items)
	for i := range items {
		adds := make([]domain.OrderItemAdditional, len(items[i].Additionals))
		copy(adds, items[i].Additionals)
		items[i].Additionals = adds
	}
	dup.Items = items
	if src.ClosedAt != nil {
		closed := *src.ClosedAt
		dup.ClosedAt = &closed
	}
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	payments := make([]domain.Payment, len(src.Payments))
	copy(payments, src.Payments)
	dup.Payments = payments
	return dup
}

func cloneSession(src domain.CashSession) domain.CashSession {
	dup := src
	txs := make([]domain.CashTransaction, len(src.Transactions))
	copy(txs, src.Transactions)
	dup.Transactions = txs
	if src.ClosedAt != nil {
		closed := *src.ClosedAt
		dup.ClosedAt = &closed
	}
	return dup
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	recipe := make([]domain.RecipeItem, len(src.RecipeItems))
	copy(recipe, src.RecipeItems)
	dup.RecipeItems = recipe
	return dup
}

func cloneBatch(src domain.ProductBatch) domain.ProductBatch {
	dup := src
	if src.ExpirationDate != nil {
		expiry := src.ExpirationDate.UTC()
		dup.ExpirationDate = &expiry
	}
	return dup
}
