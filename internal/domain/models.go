package domain

import "time"

type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
)

type OrderType string

const (
	OrderTypeDineIn   OrderType = "dine_in"
	OrderTypeDelivery OrderType = "delivery"
	OrderTypeTakeout  OrderType = "takeout"
)

type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusPreparing ItemStatus = "preparing"
	ItemStatusReady     ItemStatus = "ready"
	ItemStatusDelivered ItemStatus = "delivered"
)

type TableStatus string

const (
	TableStatusAvailable TableStatus = "available"
	TableStatusOccupied  TableStatus = "occupied"
	TableStatusReserved  TableStatus = "reserved"
)

type MovementType string

const (
	MovementSale       MovementType = "SALE"
	MovementPurchase   MovementType = "PURCHASE"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementReturn     MovementType = "RETURN"
)

type CashTxType string

const (
	CashTxSupply         CashTxType = "SUPPLY"
	CashTxSalePayment    CashTxType = "SALE_PAYMENT"
	CashTxWithdrawal     CashTxType = "WITHDRAWAL"
	CashTxClosingBalance CashTxType = "CLOSING_BALANCE"
)

// Actor is the authenticated principal resolved from a bearer token.
// StoreID is the tenant boundary: every repository call is scoped by it.
type Actor struct {
	Username string
	Role     string
	StoreID  string
}

type Table struct {
	ID        string      `json:"id"`
	StoreID   string      `json:"store_id"`
	Number    string      `json:"number"`
	Status    TableStatus `json:"status"`
	Seats     int         `json:"seats"`
	PosX      int         `json:"pos_x"`
	PosY      int         `json:"pos_y"`
	CreatedAt time.Time   `json:"created_at"`
}

type Additional struct {
	ID         string `json:"id"`
	StoreID    string `json:"store_id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
}

type Ingredient struct {
	ID                string  `json:"id"`
	StoreID           string  `json:"store_id"`
	Name              string  `json:"name"`
	Unit              string  `json:"unit"`
	Stock             float64 `json:"stock"`
	LowStockThreshold float64 `json:"low_stock_threshold"`
}

// RecipeItem links a sellable product to one consumable ingredient.
// QuantityNeeded is the amount consumed per sold unit of the product.
type RecipeItem struct {
	IngredientID   string  `json:"ingredient_id"`
	IngredientName string  `json:"ingredient_name,omitempty"`
	QuantityNeeded float64 `json:"quantity_needed"`
}

type ProductBatch struct {
	ID             string     `json:"id"`
	StoreID        string     `json:"store_id"`
	ProductID      string     `json:"product_id"`
	Quantity       int        `json:"quantity"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	ReceivedAt     time.Time  `json:"received_at"`
}

type Product struct {
	ID                string       `json:"id"`
	StoreID           string       `json:"store_id"`
	Name              string       `json:"name"`
	Description       string       `json:"description,omitempty"`
	PriceCents        int64        `json:"price_cents"`
	Stock             int          `json:"stock"`
	LowStockThreshold int          `json:"low_stock_threshold"`
	Active            bool         `json:"active"`
	RecipeItems       []RecipeItem `json:"recipe_items,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

type OrderItemAdditional struct {
	AdditionalID string `json:"additional_id"`
	Name         string `json:"name"`
	PriceCents   int64  `json:"price_cents"`
}

type OrderItem struct {
	ID                string                `json:"id"`
	ProductID         string                `json:"product_id"`
	ProductName       string                `json:"product_name"`
	Quantity          int                   `json:"quantity"`
	PaidQuantity      int                   `json:"paid_quantity"`
	PriceAtOrderCents int64                 `json:"price_at_order_cents"`
	Notes             string                `json:"notes,omitempty"`
	Status            ItemStatus            `json:"status"`
	Additionals       []OrderItemAdditional `json:"additionals,omitempty"`
}

// Order is a tab ("comanda"). It aggregates items until every line is fully
// paid, at which point it transitions to paid and releases its table.
type Order struct {
	ID              string      `json:"id"`
	StoreID         string      `json:"store_id"`
	OpenedBy        string      `json:"opened_by"`
	Status          OrderStatus `json:"status"`
	Type            OrderType   `json:"order_type"`
	TableID         string      `json:"table_id,omitempty"`
	CustomerID      string      `json:"customer_id,omitempty"`
	DeliveryAddress string      `json:"delivery_address,omitempty"`
	Items           []OrderItem `json:"items"`
	CreatedAt       time.Time   `json:"created_at"`
	ClosedAt        *time.Time  `json:"closed_at,omitempty"`
}

type SaleItem struct {
	ProductID        string `json:"product_id"`
	ProductName      string `json:"product_name"`
	Quantity         int    `json:"quantity"`
	PriceAtSaleCents int64  `json:"price_at_sale_cents"`
}

type Payment struct {
	ID          string `json:"id"`
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
}

// Sale is the immutable record of one settlement event: a direct POS sale or
// one partial-payment batch against an order.
type Sale struct {
	ID            string     `json:"id"`
	StoreID       string     `json:"store_id"`
	OrderID       string     `json:"order_id,omitempty"`
	SoldBy        string     `json:"sold_by"`
	CustomerID    string     `json:"customer_id,omitempty"`
	CashSessionID string     `json:"cash_session_id"`
	TotalCents    int64      `json:"total_cents"`
	Items         []SaleItem `json:"items"`
	Payments      []Payment  `json:"payments"`
	CreatedAt     time.Time  `json:"created_at"`
}

type CashTransaction struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	SaleID      string     `json:"sale_id,omitempty"`
	Type        CashTxType `json:"type"`
	AmountCents int64      `json:"amount_cents"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

type CashSession struct {
	ID              string            `json:"id"`
	StoreID         string            `json:"store_id"`
	OpenedBy        string            `json:"opened_by"`
	OpeningCents    int64             `json:"opening_cents"`
	ClosingCents    int64             `json:"closing_cents,omitempty"`
	ExpectedCents   int64             `json:"expected_cents,omitempty"`
	DifferenceCents int64             `json:"difference_cents,omitempty"`
	IsOpen          bool              `json:"is_open"`
	OpenedAt        time.Time         `json:"opened_at"`
	ClosedAt        *time.Time        `json:"closed_at,omitempty"`
	Transactions    []CashTransaction `json:"transactions,omitempty"`
}

type Customer struct {
	ID              string     `json:"id"`
	StoreID         string     `json:"store_id"`
	FullName        string     `json:"full_name"`
	Phone           string     `json:"phone,omitempty"`
	Email           string     `json:"email,omitempty"`
	TotalSpentCents int64      `json:"total_spent_cents"`
	LoyaltyPoints   int        `json:"loyalty_points"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// StockMovement is the audit trail for every stock change. Exactly one of
// ProductID / IngredientID is set. Quantity is signed: negative for outflow.
type StockMovement struct {
	ID           string       `json:"id"`
	StoreID      string       `json:"store_id"`
	ProductID    string       `json:"product_id,omitempty"`
	IngredientID string       `json:"ingredient_id,omitempty"`
	Username     string       `json:"username,omitempty"`
	Type         MovementType `json:"movement_type"`
	Quantity     float64      `json:"quantity"`
	StockAfter   float64      `json:"stock_after"`
	Reason       string       `json:"reason,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

type Campaign struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	StoreID     string `json:"store_id"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	StoreID   string
	Active    bool
	CreatedAt time.Time
}

type OrderCreateRequest struct {
	Type            OrderType `json:"order_type"`
	TableID         string    `json:"table_id,omitempty"`
	CustomerID      string    `json:"customer_id,omitempty"`
	DeliveryAddress string    `json:"delivery_address,omitempty"`
}

type OrderItemAddRequest struct {
	ProductID     string   `json:"product_id"`
	Quantity      int      `json:"quantity"`
	Notes         string   `json:"notes,omitempty"`
	AdditionalIDs []string `json:"additional_ids,omitempty"`
}

type ItemStatusUpdateRequest struct {
	Status ItemStatus `json:"status"`
}

type PayItemLine struct {
	OrderItemID string `json:"order_item_id"`
	Quantity    int    `json:"quantity"`
}

type PaymentInput struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
}

type OrderPaymentRequest struct {
	Items      []PayItemLine  `json:"items"`
	Payments   []PaymentInput `json:"payments"`
	CustomerID string         `json:"customer_id,omitempty"`
}

type OrderPaymentResponse struct {
	Sale        Sale  `json:"sale"`
	Order       Order `json:"order"`
	ChangeCents int64 `json:"change_cents"`
}

type OrderMergeRequest struct {
	SourceOrderID string `json:"source_order_id"`
}

type OrderTransferRequest struct {
	TargetTableID string `json:"target_table_id"`
}

type SaleLineInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SaleCreateRequest struct {
	Items      []SaleLineInput `json:"items"`
	Payments   []PaymentInput  `json:"payments"`
	CustomerID string          `json:"customer_id,omitempty"`
}

type SaleCreateResponse struct {
	Sale        Sale  `json:"sale"`
	ChangeCents int64 `json:"change_cents"`
}

type CashSessionOpenRequest struct {
	OpeningCents int64 `json:"opening_cents"`
}

type CashSessionCloseRequest struct {
	CountedCents int64 `json:"counted_cents"`
}

type CashWithdrawalRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

type StockAdjustRequest struct {
	ProductID string `json:"product_id"`
	NewStock  int    `json:"new_stock"`
	Reason    string `json:"reason"`
}

type BatchReceiveRequest struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	ExpirationDate string `json:"expiration_date,omitempty"`
}

type CampaignCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type CampaignToggleRequest struct {
	Active bool `json:"active"`
}

// FloorTable is one entry in the cached floor snapshot: the table plus a
// summary of its open order, if any.
type FloorTable struct {
	Table          Table  `json:"table"`
	OpenOrderID    string `json:"open_order_id,omitempty"`
	OpenOrderItems int    `json:"open_order_items,omitempty"`
	OpenOrderCents int64  `json:"open_order_cents,omitempty"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	StoreID  string `json:"store_id,omitempty"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	StoreID   string    `json:"store_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type FloorSnapshot struct {
	StoreID     string       `json:"store_id"`
	GeneratedAt string       `json:"generated_at"`
	Tables      []FloorTable `json:"tables"`
}
