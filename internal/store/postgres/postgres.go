package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"comandero/backend/internal/domain"
	"comandero/backend/internal/store"
	"comandero/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx so order loading can run
// inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, name, COALESCE(description,''), price_cents, stock, low_stock_threshold, active, created_at
		FROM products
		WHERE store_id = $1 AND active = true
		ORDER BY name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.StoreID, &p.Name, &p.Description, &p.PriceCents, &p.Stock, &p.LowStockThreshold, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return products, nil
	}

	recipeMap, err := s.loadRecipes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].RecipeItems = recipeMap[products[i].ID]
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, storeID string, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, COALESCE(description,''), price_cents, stock, low_stock_threshold, active, created_at
		FROM products
		WHERE store_id = $1 AND id = $2
	`, storeID, productID).Scan(&p.ID, &p.StoreID, &p.Name, &p.Description, &p.PriceCents, &p.Stock, &p.LowStockThreshold, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()

	recipeMap, err := s.loadRecipes(ctx, []string{p.ID})
	if err != nil {
		return nil, err
	}
	p.RecipeItems = recipeMap[p.ID]
	return &p, nil
}

func (s *Store) loadRecipes(ctx context.Context, productIDs []string) (map[string][]domain.RecipeItem, error) {
	result := make(map[string][]domain.RecipeItem, len(productIDs))
	rows, err := s.db.QueryContext(ctx, `
		SELECT ri.product_id, ri.ingredient_id, i.name, ri.quantity_needed
		FROM product_recipe_items ri
		JOIN ingredients i ON i.id = ri.ingredient_id
		WHERE ri.product_id = ANY($1)
		ORDER BY i.name
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var item domain.RecipeItem
		if err := rows.Scan(&productID, &item.IngredientID, &item.IngredientName, &item.QuantityNeeded); err != nil {
			return nil, err
		}
		result[productID] = append(result[productID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListBatches(ctx context.Context, storeID string, productID string) ([]domain.ProductBatch, error) {
	if _, err := s.GetProduct(ctx, storeID, productID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, product_id, quantity, expiration_date, received_at
		FROM product_batches
		WHERE store_id = $1 AND product_id = $2 AND quantity > 0
		ORDER BY expiration_date ASC NULLS LAST, received_at ASC
	`, storeID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.ProductBatch, 0, 8)
	for rows.Next() {
		var b domain.ProductBatch
		var expiry sql.NullTime
		if err := rows.Scan(&b.ID, &b.StoreID, &b.ProductID, &b.Quantity, &expiry, &b.ReceivedAt); err != nil {
			return nil, err
		}
		b.ReceivedAt = b.ReceivedAt.UTC()
		if expiry.Valid {
			e := expiry.Time.UTC()
			b.ExpirationDate = &e
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) ReceiveBatch(ctx context.Context, batch domain.ProductBatch, username string) (*domain.ProductBatch, error) {
	if batch.Quantity < 1 {
		return nil, store.ErrInvalidRequest
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var stock int
	var hasRecipe bool
	err = tx.QueryRowContext(ctx, `
		SELECT p.stock, EXISTS (SELECT 1 FROM product_recipe_items ri WHERE ri.product_id = p.id)
		FROM products p
		WHERE p.store_id = $1 AND p.id = $2
		FOR UPDATE OF p
	`, batch.StoreID, batch.ProductID).Scan(&stock, &hasRecipe)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if hasRecipe {
		return nil, store.ErrInvalidRequest
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO product_batches (id, store_id, product_id, quantity, expiration_date, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, batch.ID, batch.StoreID, batch.ProductID, batch.Quantity, nullTime(batch.ExpirationDate), batch.ReceivedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $1, updated_at = now()
		WHERE id = $2
	`, batch.Quantity, batch.ProductID)
	if err != nil {
		return nil, err
	}

	if err := insertMovement(ctx, tx, domain.StockMovement{
		StoreID:    batch.StoreID,
		ProductID:  batch.ProductID,
		Username:   username,
		Type:       domain.MovementPurchase,
		Quantity:   float64(batch.Quantity),
		StockAfter: float64(stock + batch.Quantity),
		Reason:     "batch received",
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := batch
	return &created, nil
}

func (s *Store) ListIngredients(ctx context.Context, storeID string) ([]domain.Ingredient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, name, unit, stock, low_stock_threshold
		FROM ingredients
		WHERE store_id = $1
		ORDER BY name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ingredients := make([]domain.Ingredient, 0, 32)
	for rows.Next() {
		var ing domain.Ingredient
		if err := rows.Scan(&ing.ID, &ing.StoreID, &ing.Name, &ing.Unit, &ing.Stock, &ing.LowStockThreshold); err != nil {
			return nil, err
		}
		ingredients = append(ingredients, ing)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ingredients, nil
}

func (s *Store) ListTables(ctx context.Context, storeID string) ([]domain.Table, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, number, status, seats, pos_x, pos_y, created_at
		FROM restaurant_tables
		WHERE store_id = $1
		ORDER BY number
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make([]domain.Table, 0, 32)
	for rows.Next() {
		var t domain.Table
		if err := rows.Scan(&t.ID, &t.StoreID, &t.Number, &t.Status, &t.Seats, &t.PosX, &t.PosY, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.CreatedAt = t.CreatedAt.UTC()
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (s *Store) GetTable(ctx context.Context, storeID string, tableID string) (*domain.Table, error) {
	var t domain.Table
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, number, status, seats, pos_x, pos_y, created_at
		FROM restaurant_tables
		WHERE store_id = $1 AND id = $2
	`, storeID, tableID).Scan(&t.ID, &t.StoreID, &t.Number, &t.Status, &t.Seats, &t.PosX, &t.PosY, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (s *Store) FloorTables(ctx context.Context, storeID string) ([]domain.FloorTable, error) {
	tables, err := s.ListTables(ctx, storeID)
	if err != nil {
		return nil, err
	}

	orders, err := s.ListOpenOrders(ctx, storeID)
	if err != nil {
		return nil, err
	}
	byTable := make(map[string]domain.Order, len(orders))
	for _, o := range orders {
		if o.TableID != "" {
			byTable[o.TableID] = o
		}
	}

	result := make([]domain.FloorTable, 0, len(tables))
	for _, t := range tables {
		entry := domain.FloorTable{Table: t}
		if o, ok := byTable[t.ID]; ok {
			entry.OpenOrderID = o.ID
			for _, item := range o.Items {
				entry.OpenOrderItems += item.Quantity
				entry.OpenOrderCents += int64(item.Quantity-item.PaidQuantity) * lineUnitCents(item)
			}
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.StoreID == "" || order.OpenedBy == "" {
		return nil, store.ErrInvalidRequest
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if order.Type == domain.OrderTypeDineIn {
		var status domain.TableStatus
		err = tx.QueryRowContext(ctx, `
			SELECT status
			FROM restaurant_tables
			WHERE store_id = $1 AND id = $2
			FOR UPDATE
		`, order.StoreID, order.TableID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if status != domain.TableStatusAvailable {
			return nil, store.ErrConflict
		}
		var openOrders int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*)::int
			FROM orders
			WHERE table_id = $1 AND status = $2
		`, order.TableID, domain.OrderStatusOpen).Scan(&openOrders)
		if err != nil {
			return nil, err
		}
		if openOrders > 0 {
			return nil, store.ErrConflict
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE restaurant_tables
			SET status = $2, updated_at = now()
			WHERE id = $1
		`, order.TableID, domain.TableStatusOccupied)
		if err != nil {
			return nil, err
		}
	} else {
		order.TableID = ""
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, store_id, opened_by, status, order_type, table_id, customer_id, delivery_address, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, order.ID, order.StoreID, order.OpenedBy, order.Status, order.Type, nullIfEmpty(order.TableID), nullIfEmpty(order.CustomerID), nullIfEmpty(order.DeliveryAddress), order.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := order
	return &created, nil
}

func (s *Store) GetOrder(ctx context.Context, storeID string, orderID string) (*domain.Order, error) {
	return loadOrder(ctx, s.db, storeID, orderID, false)
}

func loadOrder(ctx context.Context, q querier, storeID string, orderID string, forUpdate bool) (*domain.Order, error) {
	query := `
		SELECT id, store_id, opened_by, status, order_type, COALESCE(table_id,''),
			COALESCE(customer_id,''), COALESCE(delivery_address,''), created_at, closed_at
		FROM orders
		WHERE store_id = $1 AND id = $2
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var o domain.Order
	var closedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, storeID, orderID).Scan(
		&o.ID, &o.StoreID, &o.OpenedBy, &o.Status, &o.Type, &o.TableID,
		&o.CustomerID, &o.DeliveryAddress, &o.CreatedAt, &closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		o.ClosedAt = &at
	}

	items, err := loadOrderItems(ctx, q, []string{o.ID}, forUpdate)
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]
	if o.Items == nil {
		o.Items = []domain.OrderItem{}
	}
	return &o, nil
}

func loadOrderItems(ctx context.Context, q querier, orderIDs []string, forUpdate bool) (map[string][]domain.OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, product_name, quantity, paid_quantity,
			price_at_order_cents, COALESCE(notes,''), status, COALESCE(additionals,'[]'::jsonb)
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		var addsRaw []byte
		if err := rows.Scan(&item.ID, &orderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.PaidQuantity, &item.PriceAtOrderCents, &item.Notes, &item.Status, &addsRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(addsRaw, &item.Additionals); err != nil {
			return nil, err
		}
		result[orderID] = append(result[orderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListOpenOrders(ctx context.Context, storeID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, opened_by, status, order_type, COALESCE(table_id,''),
			COALESCE(customer_id,''), COALESCE(delivery_address,''), created_at, closed_at
		FROM orders
		WHERE store_id = $1 AND status = $2
		ORDER BY created_at ASC, id ASC
	`, storeID, domain.OrderStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 16)
	ids := make([]string, 0, 16)
	for rows.Next() {
		var o domain.Order
		var closedAt sql.NullTime
		if err := rows.Scan(&o.ID, &o.StoreID, &o.OpenedBy, &o.Status, &o.Type, &o.TableID, &o.CustomerID, &o.DeliveryAddress, &o.CreatedAt, &closedAt); err != nil {
			return nil, err
		}
		o.CreatedAt = o.CreatedAt.UTC()
		o.Items = []domain.OrderItem{}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return orders, nil
	}

	itemMap, err := loadOrderItems(ctx, s.db, ids, false)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if items := itemMap[orders[i].ID]; items != nil {
			orders[i].Items = items
		}
	}
	return orders, nil
}

func (s *Store) GetOpenOrderByTable(ctx context.Context, storeID string, tableID string) (*domain.Order, error) {
	if _, err := s.GetTable(ctx, storeID, tableID); err != nil {
		return nil, err
	}

	var orderID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id
		FROM orders
		WHERE store_id = $1 AND table_id = $2 AND status = $3
	`, storeID, tableID, domain.OrderStatusOpen).Scan(&orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return loadOrder(ctx, s.db, storeID, orderID, false)
}

func (s *Store) AddOrderItem(ctx context.Context, storeID string, orderID string, req domain.OrderItemAddRequest) (*domain.Order, error) {
	if req.Quantity < 1 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, storeID, orderID, true)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrConflict
	}

	var productName string
	var priceCents int64
	err = tx.QueryRowContext(ctx, `
		SELECT name, price_cents
		FROM products
		WHERE store_id = $1 AND id = $2 AND active = true
	`, storeID, req.ProductID).Scan(&productName, &priceCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	additionals := make([]domain.OrderItemAdditional, 0, len(req.AdditionalIDs))
	if len(req.AdditionalIDs) > 0 {
		addRows, err := tx.QueryContext(ctx, `
			SELECT id, name, price_cents
			FROM additionals
			WHERE store_id = $1 AND id = ANY($2)
		`, storeID, req.AdditionalIDs)
		if err != nil {
			return nil, err
		}
		found := make(map[string]domain.OrderItemAdditional, len(req.AdditionalIDs))
		for addRows.Next() {
			var add domain.OrderItemAdditional
			if err := addRows.Scan(&add.AdditionalID, &add.Name, &add.PriceCents); err != nil {
				_ = addRows.Close()
				return nil, err
			}
			found[add.AdditionalID] = add
		}
		if err := addRows.Err(); err != nil {
			_ = addRows.Close()
			return nil, err
		}
		_ = addRows.Close()
		for _, addID := range req.AdditionalIDs {
			add, ok := found[addID]
			if !ok {
				return nil, store.ErrNotFound
			}
			additionals = append(additionals, add)
		}
	}

	// Same product, same notes, same additional set: grow the line instead of
	// opening a duplicate one. Fully paid lines are settled and stay untouched.
	var mergeTarget string
	for _, item := range order.Items {
		if item.ProductID != req.ProductID || item.Notes != req.Notes {
			continue
		}
		if item.Quantity <= item.PaidQuantity {
			continue
		}
		if !sameAdditionals(item.Additionals, additionals) {
			continue
		}
		mergeTarget = item.ID
		break
	}

	if mergeTarget != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE order_items
			SET quantity = quantity + $2
			WHERE id = $1
		`, mergeTarget, req.Quantity)
		if err != nil {
			return nil, err
		}
	} else {
		addsJSON, err := json.Marshal(additionals)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, quantity, paid_quantity,
				price_at_order_cents, notes, status, additionals, created_at)
			VALUES ($1,$2,$3,$4,$5,0,$6,$7,$8,$9,now())
		`, xid.New("line"), orderID, req.ProductID, productName, req.Quantity, priceCents, req.Notes, domain.ItemStatusPending, addsJSON)
		if err != nil {
			return nil, err
		}
	}

	updated, err := loadOrder(ctx, tx, storeID, orderID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) UpdateOrderItemStatus(ctx context.Context, storeID string, orderID string, itemID string, status domain.ItemStatus) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, storeID, orderID, true)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrConflict
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE order_items
		SET status = $3
		WHERE id = $2 AND order_id = $1
	`, orderID, itemID, status)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated, err := loadOrder(ctx, tx, storeID, orderID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) SettleOrderPayment(ctx context.Context, storeID string, orderID string, req domain.OrderPaymentRequest, actor domain.Actor, strictCustomer bool) (*domain.Sale, *domain.Order, error) {
	if len(req.Items) == 0 || len(req.Payments) == 0 {
		return nil, nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, storeID, orderID, true)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, nil, store.ErrConflict
	}

	sessionID, err := lockOpenSession(ctx, tx, storeID)
	if err != nil {
		return nil, nil, err
	}

	payQty := make(map[string]int, len(req.Items))
	for _, line := range req.Items {
		if line.Quantity < 1 {
			return nil, nil, store.ErrInvalidRequest
		}
		payQty[line.OrderItemID] += line.Quantity
	}

	itemByID := make(map[string]domain.OrderItem, len(order.Items))
	for _, item := range order.Items {
		itemByID[item.ID] = item
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
		total += int64(qty) * lineUnitCents(item)
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
	customerID, err = resolveCustomer(ctx, tx, storeID, customerID, strictCustomer)
	if err != nil {
		return nil, nil, err
	}

	if err := applyDeductions(ctx, tx, storeID, deductions, actor.Username, "order "+orderID); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	sale := domain.Sale{
		ID:            xid.New("sale"),
		StoreID:       storeID,
		OrderID:       orderID,
		SoldBy:        actor.Username,
		CustomerID:    customerID,
		CashSessionID: sessionID,
		TotalCents:    total,
		Items:         make([]domain.SaleItem, 0, len(payQty)),
		Payments:      make([]domain.Payment, 0, len(req.Payments)),
		CreatedAt:     now,
	}

	fullyPaid := true
	for i := range order.Items {
		item := &order.Items[i]
		if qty, ok := payQty[item.ID]; ok {
			item.PaidQuantity += qty
			sale.Items = append(sale.Items, domain.SaleItem{
				ProductID:        item.ProductID,
				ProductName:      item.ProductName,
				Quantity:         qty,
				PriceAtSaleCents: lineUnitCents(*item),
			})
			_, err = tx.ExecContext(ctx, `
				UPDATE order_items
				SET paid_quantity = paid_quantity + $2
				WHERE id = $1
			`, item.ID, qty)
			if err != nil {
				return nil, nil, err
			}
		}
		if item.PaidQuantity < item.Quantity {
			fullyPaid = false
		}
	}
	if len(order.Items) == 0 {
		fullyPaid = false
	}

	if err := insertSale(ctx, tx, &sale, req.Payments, "order "+orderID); err != nil {
		return nil, nil, err
	}

	if customerID != "" {
		if err := applyCustomerSpend(ctx, tx, customerID, total, now); err != nil {
			return nil, nil, err
		}
	}

	if fullyPaid {
		order.Status = domain.OrderStatusPaid
		closedAt := now
		order.ClosedAt = &closedAt
		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $2, closed_at = $3
			WHERE id = $1
		`, orderID, domain.OrderStatusPaid, now)
		if err != nil {
			return nil, nil, err
		}
		if err := releaseTable(ctx, tx, order.TableID); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	saleCopy := sale
	orderCopy := *order
	return &saleCopy, &orderCopy, nil
}

func (s *Store) MergeOrders(ctx context.Context, storeID string, targetID string, sourceID string) (*domain.Order, error) {
	if targetID == sourceID {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock in a stable order so concurrent merges cannot deadlock.
	first, second := targetID, sourceID
	if second < first {
		first, second = second, first
	}
	firstOrder, err := loadOrder(ctx, tx, storeID, first, true)
	if err != nil {
		return nil, err
	}
	secondOrder, err := loadOrder(ctx, tx, storeID, second, true)
	if err != nil {
		return nil, err
	}
	target, source := firstOrder, secondOrder
	if target.ID != targetID {
		target, source = secondOrder, firstOrder
	}

	if target.Status != domain.OrderStatusOpen || source.Status != domain.OrderStatusOpen {
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE order_items
		SET order_id = $2
		WHERE order_id = $1
	`, sourceID, targetID)
	if err != nil {
		return nil, err
	}

	if err := releaseTable(ctx, tx, source.TableID); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM orders
		WHERE id = $1
	`, sourceID)
	if err != nil {
		return nil, err
	}

	merged, err := loadOrder(ctx, tx, storeID, targetID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Store) TransferOrder(ctx context.Context, storeID string, orderID string, targetTableID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, storeID, orderID, true)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusOpen {
		return nil, store.ErrConflict
	}

	var status domain.TableStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM restaurant_tables
		WHERE store_id = $1 AND id = $2
		FOR UPDATE
	`, storeID, targetTableID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.TableStatusAvailable {
		return nil, store.ErrConflict
	}
	var openOrders int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM orders
		WHERE table_id = $1 AND status = $2
	`, targetTableID, domain.OrderStatusOpen).Scan(&openOrders)
	if err != nil {
		return nil, err
	}
	if openOrders > 0 {
		return nil, store.ErrConflict
	}

	if err := releaseTable(ctx, tx, order.TableID); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE restaurant_tables
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, targetTableID, domain.TableStatusOccupied)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET table_id = $2
		WHERE id = $1
	`, orderID, targetTableID)
	if err != nil {
		return nil, err
	}

	order.TableID = targetTableID
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) CancelOrder(ctx context.Context, storeID string, orderID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, storeID, orderID, true)
	if err != nil {
		return nil, err
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
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, closed_at = $3
		WHERE id = $1
	`, orderID, domain.OrderStatusCancelled, now)
	if err != nil {
		return nil, err
	}
	if err := releaseTable(ctx, tx, order.TableID); err != nil {
		return nil, err
	}

	order.Status = domain.OrderStatusCancelled
	order.ClosedAt = &now
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) CreateSale(ctx context.Context, storeID string, req domain.SaleCreateRequest, actor domain.Actor, strictCustomer bool) (*domain.Sale, error) {
	if len(req.Items) == 0 || len(req.Payments) == 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sessionID, err := lockOpenSession(ctx, tx, storeID)
	if err != nil {
		return nil, err
	}

	productIDs := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidRequest
		}
		productIDs = append(productIDs, line.ProductID)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, price_cents
		FROM products
		WHERE store_id = $1 AND id = ANY($2) AND active = true
	`, storeID, productIDs)
	if err != nil {
		return nil, err
	}
	type productInfo struct {
		name       string
		priceCents int64
	}
	products := make(map[string]productInfo, len(productIDs))
	for rows.Next() {
		var id string
		var info productInfo
		if err := rows.Scan(&id, &info.name, &info.priceCents); err != nil {
			_ = rows.Close()
			return nil, err
		}
		products[id] = info
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	total := int64(0)
	deductions := make(map[string]int, len(req.Items))
	saleItems := make([]domain.SaleItem, 0, len(req.Items))
	for _, line := range req.Items {
		info, exists := products[line.ProductID]
		if !exists {
			return nil, store.ErrNotFound
		}
		total += int64(line.Quantity) * info.priceCents
		deductions[line.ProductID] += line.Quantity
		saleItems = append(saleItems, domain.SaleItem{
			ProductID:        line.ProductID,
			ProductName:      info.name,
			Quantity:         line.Quantity,
			PriceAtSaleCents: info.priceCents,
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

	customerID, err := resolveCustomer(ctx, tx, storeID, req.CustomerID, strictCustomer)
	if err != nil {
		return nil, err
	}

	if err := applyDeductions(ctx, tx, storeID, deductions, actor.Username, "direct sale"); err != nil {
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
	if err := insertSale(ctx, tx, &sale, req.Payments, "sale "+sale.ID); err != nil {
		return nil, err
	}

	if customerID != "" {
		if err := applyCustomerSpend(ctx, tx, customerID, total, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

// insertSale writes the sale header, its items, its payments, and one cash
// transaction per payment against the sale's session. sale.Payments is
// populated with generated ids.
func insertSale(ctx context.Context, tx *sql.Tx, sale *domain.Sale, payments []domain.PaymentInput, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sales (id, store_id, order_id, sold_by, customer_id, cash_session_id, total_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sale.ID, sale.StoreID, nullIfEmpty(sale.OrderID), sale.SoldBy, nullIfEmpty(sale.CustomerID), sale.CashSessionID, sale.TotalCents, sale.CreatedAt)
	if err != nil {
		return err
	}

	for _, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, product_name, quantity, price_at_sale_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, item.ProductID, item.ProductName, item.Quantity, item.PriceAtSaleCents)
		if err != nil {
			return err
		}
	}

	for _, p := range payments {
		payment := domain.Payment{
			ID:          xid.New("pay"),
			Method:      p.Method,
			AmountCents: p.AmountCents,
		}
		sale.Payments = append(sale.Payments, payment)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_payments (id, sale_id, method, amount_cents)
			VALUES ($1,$2,$3,$4)
		`, payment.ID, sale.ID, payment.Method, payment.AmountCents)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cash_transactions (id, session_id, sale_id, type, amount_cents, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, xid.New("cash"), sale.CashSessionID, sale.ID, domain.CashTxSalePayment, payment.AmountCents, p.Method+" payment for "+description, sale.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func lockOpenSession(ctx context.Context, tx *sql.Tx, storeID string) (string, error) {
	var sessionID string
	err := tx.QueryRowContext(ctx, `
		SELECT id
		FROM cash_sessions
		WHERE store_id = $1 AND is_open = true
		FOR UPDATE
	`, storeID).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrConflict
		}
		return "", err
	}
	return sessionID, nil
}

func resolveCustomer(ctx context.Context, tx *sql.Tx, storeID string, customerID string, strict bool) (string, error) {
	if customerID == "" {
		return "", nil
	}
	var found string
	err := tx.QueryRowContext(ctx, `
		SELECT id
		FROM customers
		WHERE store_id = $1 AND id = $2
	`, storeID, customerID).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if strict {
				return "", store.ErrNotFound
			}
			log.Printf("[postgres] WARN: sale references unknown customer %s, skipping ledger update", customerID)
			return "", nil
		}
		return "", err
	}
	return found, nil
}

func applyCustomerSpend(ctx context.Context, tx *sql.Tx, customerID string, totalCents int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE customers
		SET total_spent_cents = total_spent_cents + $2,
			loyalty_points = loyalty_points + $3,
			last_seen = $4
		WHERE id = $1
	`, customerID, totalCents, totalCents/1000, at)
	return err
}

func releaseTable(ctx context.Context, tx *sql.Tx, tableID string) error {
	if tableID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE restaurant_tables
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, tableID, domain.TableStatusAvailable)
	return err
}

// applyDeductions validates and applies the stock outflow for one settlement.
// Recipe products consume ingredients, batch-tracked products drain batches
// first-expiring-first, plain products decrement their counter. All affected
// rows are locked before any write.
func applyDeductions(ctx context.Context, tx *sql.Tx, storeID string, deductions map[string]int, username string, reason string) error {
	if len(deductions) == 0 {
		return nil
	}
	productIDs := sortedKeys(deductions)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, stock, low_stock_threshold
		FROM products
		WHERE store_id = $1 AND id = ANY($2)
		FOR UPDATE
	`, storeID, productIDs)
	if err != nil {
		return err
	}
	type productState struct {
		stock     int
		threshold int
	}
	productMap := make(map[string]productState, len(productIDs))
	for rows.Next() {
		var id string
		var state productState
		if err := rows.Scan(&id, &state.stock, &state.threshold); err != nil {
			_ = rows.Close()
			return err
		}
		productMap[id] = state
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()
	for _, id := range productIDs {
		if _, exists := productMap[id]; !exists {
			return store.ErrNotFound
		}
	}

	recipeRows, err := tx.QueryContext(ctx, `
		SELECT product_id, ingredient_id, quantity_needed
		FROM product_recipe_items
		WHERE product_id = ANY($1)
		ORDER BY ingredient_id
	`, productIDs)
	if err != nil {
		return err
	}
	type recipeLine struct {
		ingredientID string
		needed       float64
	}
	recipes := make(map[string][]recipeLine, len(productIDs))
	for recipeRows.Next() {
		var productID string
		var line recipeLine
		if err := recipeRows.Scan(&productID, &line.ingredientID, &line.needed); err != nil {
			_ = recipeRows.Close()
			return err
		}
		recipes[productID] = append(recipes[productID], line)
	}
	if err := recipeRows.Err(); err != nil {
		_ = recipeRows.Close()
		return err
	}
	_ = recipeRows.Close()

	ingredientNeeds := map[string]float64{}
	for _, productID := range productIDs {
		for _, line := range recipes[productID] {
			ingredientNeeds[line.ingredientID] += line.needed * float64(deductions[productID])
		}
	}

	ingredientStock := map[string]domain.Ingredient{}
	if len(ingredientNeeds) > 0 {
		ingredientIDs := make([]string, 0, len(ingredientNeeds))
		for id := range ingredientNeeds {
			ingredientIDs = append(ingredientIDs, id)
		}
		sort.Strings(ingredientIDs)

		ingRows, err := tx.QueryContext(ctx, `
			SELECT id, name, unit, stock, low_stock_threshold
			FROM ingredients
			WHERE store_id = $1 AND id = ANY($2)
			FOR UPDATE
		`, storeID, ingredientIDs)
		if err != nil {
			return err
		}
		for ingRows.Next() {
			var ing domain.Ingredient
			if err := ingRows.Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.Stock, &ing.LowStockThreshold); err != nil {
				_ = ingRows.Close()
				return err
			}
			ingredientStock[ing.ID] = ing
		}
		if err := ingRows.Err(); err != nil {
			_ = ingRows.Close()
			return err
		}
		_ = ingRows.Close()

		for _, id := range ingredientIDs {
			ing, exists := ingredientStock[id]
			if !exists {
				return store.ErrNotFound
			}
			if ing.Stock < ingredientNeeds[id] {
				return store.ErrInsufficientStock
			}
		}
	}

	for _, productID := range productIDs {
		if len(recipes[productID]) > 0 {
			continue
		}
		if productMap[productID].stock < deductions[productID] {
			return store.ErrInsufficientStock
		}
	}

	// Validation passed. Apply.
	for _, productID := range productIDs {
		qty := deductions[productID]

		if lines := recipes[productID]; len(lines) > 0 {
			for _, line := range lines {
				need := line.needed * float64(qty)
				ing := ingredientStock[line.ingredientID]
				ing.Stock -= need
				ingredientStock[line.ingredientID] = ing
				_, err = tx.ExecContext(ctx, `
					UPDATE ingredients
					SET stock = stock - $2, updated_at = now()
					WHERE id = $1
				`, line.ingredientID, need)
				if err != nil {
					return err
				}
				if err := insertMovement(ctx, tx, domain.StockMovement{
					StoreID:      storeID,
					IngredientID: line.ingredientID,
					Username:     username,
					Type:         domain.MovementSale,
					Quantity:     -need,
					StockAfter:   ing.Stock,
					Reason:       reason,
				}); err != nil {
					return err
				}
				if ing.Stock <= ing.LowStockThreshold {
					log.Printf("[postgres] WARN: low stock for ingredient %s: %.3f %s left", ing.ID, ing.Stock, ing.Unit)
				}
			}
			continue
		}

		if err := consumeBatches(ctx, tx, storeID, productID, qty); err != nil {
			return err
		}
		state := productMap[productID]
		state.stock -= qty
		productMap[productID] = state
		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $2, updated_at = now()
			WHERE id = $1
		`, productID, qty)
		if err != nil {
			return err
		}
		if err := insertMovement(ctx, tx, domain.StockMovement{
			StoreID:    storeID,
			ProductID:  productID,
			Username:   username,
			Type:       domain.MovementSale,
			Quantity:   -float64(qty),
			StockAfter: float64(state.stock),
			Reason:     reason,
		}); err != nil {
			return err
		}
		if state.threshold > 0 && state.stock <= state.threshold {
			log.Printf("[postgres] WARN: low stock for product %s: %d left", productID, state.stock)
		}
	}

	return nil
}

func consumeBatches(ctx context.Context, tx *sql.Tx, storeID string, productID string, qty int) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, quantity
		FROM product_batches
		WHERE store_id = $1 AND product_id = $2 AND quantity > 0
		ORDER BY expiration_date ASC NULLS LAST, received_at ASC
		FOR UPDATE
	`, storeID, productID)
	if err != nil {
		return err
	}
	type batchState struct {
		id       string
		quantity int
	}
	batches := make([]batchState, 0, 8)
	for rows.Next() {
		var b batchState
		if err := rows.Scan(&b.id, &b.quantity); err != nil {
			_ = rows.Close()
			return err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	remaining := qty
	for _, batch := range batches {
		if remaining == 0 {
			break
		}
		used := remaining
		if used > batch.quantity {
			used = batch.quantity
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE product_batches
			SET quantity = quantity - $1
			WHERE id = $2
		`, used, batch.id)
		if err != nil {
			return err
		}
		remaining -= used
	}
	// Tracked batches must cover the whole outflow; a shortfall here means
	// the batch rows diverged from the product counter.
	if len(batches) > 0 && remaining > 0 {
		return store.ErrInsufficientStock
	}
	return nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, m domain.StockMovement) error {
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, store_id, product_id, ingredient_id, username, movement_type, quantity, stock_after, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, m.ID, m.StoreID, nullIfEmpty(m.ProductID), nullIfEmpty(m.IngredientID), nullIfEmpty(m.Username), m.Type, m.Quantity, m.StockAfter, nullIfEmpty(m.Reason), m.CreatedAt)
	return err
}

func (s *Store) GetSale(ctx context.Context, storeID string, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, COALESCE(order_id,''), sold_by, COALESCE(customer_id,''), cash_session_id, total_cents, created_at
		FROM sales
		WHERE store_id = $1 AND id = $2
	`, storeID, saleID).Scan(&sale.ID, &sale.StoreID, &sale.OrderID, &sale.SoldBy, &sale.CustomerID, &sale.CashSessionID, &sale.TotalCents, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	if err := s.loadSaleLines(ctx, []*domain.Sale{&sale}); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, COALESCE(order_id,''), sold_by, COALESCE(customer_id,''), cash_session_id, total_cents, created_at
		FROM sales
		WHERE store_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.StoreID, &sale.OrderID, &sale.SoldBy, &sale.CustomerID, &sale.CashSessionID, &sale.TotalCents, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs := make([]*domain.Sale, 0, len(sales))
	for i := range sales {
		refs = append(refs, &sales[i])
	}
	if err := s.loadSaleLines(ctx, refs); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) loadSaleLines(ctx context.Context, sales []*domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	ids := make([]string, 0, len(sales))
	byID := make(map[string]*domain.Sale, len(sales))
	for _, sale := range sales {
		ids = append(ids, sale.ID)
		byID[sale.ID] = sale
		sale.Items = []domain.SaleItem{}
		sale.Payments = []domain.Payment{}
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, product_name, quantity, price_at_sale_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return err
	}
	for itemRows.Next() {
		var saleID string
		var item domain.SaleItem
		if err := itemRows.Scan(&saleID, &item.ProductID, &item.ProductName, &item.Quantity, &item.PriceAtSaleCents); err != nil {
			_ = itemRows.Close()
			return err
		}
		byID[saleID].Items = append(byID[saleID].Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	payRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, id, method, amount_cents
		FROM sale_payments
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return err
	}
	for payRows.Next() {
		var saleID string
		var payment domain.Payment
		if err := payRows.Scan(&saleID, &payment.ID, &payment.Method, &payment.AmountCents); err != nil {
			_ = payRows.Close()
			return err
		}
		byID[saleID].Payments = append(byID[saleID].Payments, payment)
	}
	if err := payRows.Err(); err != nil {
		_ = payRows.Close()
		return err
	}
	_ = payRows.Close()
	return nil
}

func (s *Store) OpenCashSession(ctx context.Context, storeID string, username string, openingCents int64) (*domain.CashSession, error) {
	if openingCents < 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM cash_sessions
		WHERE store_id = $1 AND is_open = true
		FOR UPDATE
	`, storeID).Scan(&existing)
	if err == nil {
		return nil, store.ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	session := domain.CashSession{
		ID:           xid.New("sess"),
		StoreID:      storeID,
		OpenedBy:     username,
		OpeningCents: openingCents,
		IsOpen:       true,
		OpenedAt:     now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, store_id, opened_by, opening_cents, is_open, opened_at)
		VALUES ($1,$2,$3,$4,true,$5)
	`, session.ID, storeID, username, openingCents, now)
	if err != nil {
		return nil, err
	}

	supply := domain.CashTransaction{
		ID:          xid.New("cash"),
		SessionID:   session.ID,
		Type:        domain.CashTxSupply,
		AmountCents: openingCents,
		Description: "opening float",
		CreatedAt:   now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_transactions (id, session_id, sale_id, type, amount_cents, description, created_at)
		VALUES ($1,$2,NULL,$3,$4,$5,$6)
	`, supply.ID, supply.SessionID, supply.Type, supply.AmountCents, supply.Description, supply.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	session.Transactions = []domain.CashTransaction{supply}
	return &session, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, storeID string) (*domain.CashSession, error) {
	var session domain.CashSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, opened_by, opening_cents, is_open, opened_at
		FROM cash_sessions
		WHERE store_id = $1 AND is_open = true
	`, storeID).Scan(&session.ID, &session.StoreID, &session.OpenedBy, &session.OpeningCents, &session.IsOpen, &session.OpenedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()

	txs, err := s.loadSessionTransactions(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	session.Transactions = txs
	return &session, nil
}

func (s *Store) loadSessionTransactions(ctx context.Context, sessionID string) ([]domain.CashTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(sale_id,''), type, amount_cents, description, created_at
		FROM cash_transactions
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.CashTransaction, 0, 32)
	for rows.Next() {
		var cashTx domain.CashTransaction
		if err := rows.Scan(&cashTx.ID, &cashTx.SessionID, &cashTx.SaleID, &cashTx.Type, &cashTx.AmountCents, &cashTx.Description, &cashTx.CreatedAt); err != nil {
			return nil, err
		}
		cashTx.CreatedAt = cashTx.CreatedAt.UTC()
		txs = append(txs, cashTx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *Store) RecordWithdrawal(ctx context.Context, storeID string, amountCents int64, reason string, username string) (*domain.CashTransaction, error) {
	if amountCents < 1 || strings.TrimSpace(reason) == "" {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sessionID, err := lockOpenSession(ctx, tx, storeID)
	if err != nil {
		return nil, err
	}

	var expected int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents),0)::bigint
		FROM cash_transactions
		WHERE session_id = $1
	`, sessionID).Scan(&expected)
	if err != nil {
		return nil, err
	}
	if amountCents > expected {
		return nil, store.ErrConflict
	}

	cashTx := domain.CashTransaction{
		ID:          xid.New("cash"),
		SessionID:   sessionID,
		Type:        domain.CashTxWithdrawal,
		AmountCents: -amountCents,
		Description: strings.TrimSpace(reason) + " (by " + username + ")",
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_transactions (id, session_id, sale_id, type, amount_cents, description, created_at)
		VALUES ($1,$2,NULL,$3,$4,$5,$6)
	`, cashTx.ID, cashTx.SessionID, cashTx.Type, cashTx.AmountCents, cashTx.Description, cashTx.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &cashTx, nil
}

func (s *Store) CloseCashSession(ctx context.Context, storeID string, countedCents int64) (*domain.CashSession, error) {
	if countedCents < 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var session domain.CashSession
	err = tx.QueryRowContext(ctx, `
		SELECT id, store_id, opened_by, opening_cents, is_open, opened_at
		FROM cash_sessions
		WHERE store_id = $1 AND is_open = true
		FOR UPDATE
	`, storeID).Scan(&session.ID, &session.StoreID, &session.OpenedBy, &session.OpeningCents, &session.IsOpen, &session.OpenedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()

	var expected int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents),0)::bigint
		FROM cash_transactions
		WHERE session_id = $1
	`, session.ID).Scan(&expected)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_transactions (id, session_id, sale_id, type, amount_cents, description, created_at)
		VALUES ($1,$2,NULL,$3,$4,'closing count',$5)
	`, xid.New("cash"), session.ID, domain.CashTxClosingBalance, countedCents, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET is_open = false, closing_cents = $2, expected_cents = $3, difference_cents = $4, closed_at = $5
		WHERE id = $1
	`, session.ID, countedCents, expected, countedCents-expected, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	session.IsOpen = false
	session.ClosingCents = countedCents
	session.ExpectedCents = expected
	session.DifferenceCents = countedCents - expected
	session.ClosedAt = &now

	txs, err := s.loadSessionTransactions(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	session.Transactions = txs
	return &session, nil
}

func (s *Store) AdjustStock(ctx context.Context, storeID string, productID string, newStock int, username string, reason string) (*domain.StockMovement, error) {
	if newStock < 0 || strings.TrimSpace(reason) == "" {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var stock int
	var threshold int
	var hasRecipe bool
	err = tx.QueryRowContext(ctx, `
		SELECT p.stock, p.low_stock_threshold, EXISTS (SELECT 1 FROM product_recipe_items ri WHERE ri.product_id = p.id)
		FROM products p
		WHERE p.store_id = $1 AND p.id = $2
		FOR UPDATE OF p
	`, storeID, productID).Scan(&stock, &threshold, &hasRecipe)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if hasRecipe {
		return nil, store.ErrInvalidRequest
	}

	delta := newStock - stock
	if delta == 0 {
		return nil, store.ErrInvalidRequest
	}

	var hasBatches bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM product_batches
			WHERE store_id = $1 AND product_id = $2 AND quantity > 0
		)
	`, storeID, productID).Scan(&hasBatches)
	if err != nil {
		return nil, err
	}
	if hasBatches {
		if delta < 0 {
			if err := consumeBatches(ctx, tx, storeID, productID, -delta); err != nil {
				return nil, err
			}
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO product_batches (id, store_id, product_id, quantity, expiration_date, received_at)
				VALUES ($1,$2,$3,$4,NULL,$5)
			`, xid.New("batch"), storeID, productID, delta, time.Now().UTC())
			if err != nil {
				return nil, err
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET stock = $2, updated_at = now()
		WHERE id = $1
	`, productID, newStock)
	if err != nil {
		return nil, err
	}

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
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if threshold > 0 && newStock <= threshold {
		log.Printf("[postgres] WARN: low stock for product %s: %d left", productID, newStock)
	}
	return &movement, nil
}

func (s *Store) ListStockMovements(ctx context.Context, storeID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, COALESCE(product_id,''), COALESCE(ingredient_id,''), COALESCE(username,''),
			movement_type, quantity, stock_after, COALESCE(reason,''), created_at
		FROM stock_movements
		WHERE store_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.StoreID, &m.ProductID, &m.IngredientID, &m.Username, &m.Type, &m.Quantity, &m.StockAfter, &m.Reason, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) GetCustomer(ctx context.Context, storeID string, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, full_name, COALESCE(phone,''), COALESCE(email,''),
			total_spent_cents, loyalty_points, last_seen, created_at
		FROM customers
		WHERE store_id = $1 AND id = $2
	`, storeID, customerID).Scan(&c.ID, &c.StoreID, &c.FullName, &c.Phone, &c.Email, &c.TotalSpentCents, &c.LoyaltyPoints, &lastSeen, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if lastSeen.Valid {
		at := lastSeen.Time.UTC()
		c.LastSeen = &at
	}
	return &c, nil
}

func (s *Store) CreateCampaign(ctx context.Context, campaign domain.Campaign) (*domain.Campaign, error) {
	if strings.TrimSpace(campaign.Name) == "" || campaign.StoreID == "" {
		return nil, store.ErrInvalidRequest
	}
	if campaign.ID == "" {
		campaign.ID = xid.New("camp")
	}
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = time.Now().UTC()
	}
	campaign.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, store_id, name, description, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, campaign.ID, campaign.StoreID, campaign.Name, campaign.Description, campaign.Active, campaign.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := campaign
	return &created, nil
}

func (s *Store) ListCampaigns(ctx context.Context, storeID string) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, name, COALESCE(description,''), active, created_at
		FROM campaigns
		WHERE store_id = $1
		ORDER BY created_at ASC, id ASC
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := make([]domain.Campaign, 0, 16)
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.StoreID, &c.Name, &c.Description, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (s *Store) SetCampaignActive(ctx context.Context, storeID string, campaignID string, active bool) (*domain.Campaign, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET active = $3
		WHERE store_id = $1 AND id = $2
	`, storeID, campaignID, active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	var c domain.Campaign
	err = s.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, COALESCE(description,''), active, created_at
		FROM campaigns
		WHERE id = $1
	`, campaignID).Scan(&c.ID, &c.StoreID, &c.Name, &c.Description, &c.Active, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR store_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if user.Role == "" {
		user.Role = "waiter"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, store_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.StoreID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, store_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.StoreID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
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
	sort.Strings(idsA)
	sort.Strings(idsB)
	for i := range idsA {
		if idsA[i] != idsB[i] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
