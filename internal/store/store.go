package store

import (
	"context"
	"errors"
	"time"

	"comandero/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrInvalidRequest      = errors.New("invalid request")
)

// Repository is the persistence boundary for the order/payment core. Every
// method is store-scoped: ids from other stores behave as absent. Mutating
// order methods serialize on the order aggregate (row lock in postgres, a
// single mutex in memory), and SettleOrderPayment / CreateSale apply the
// whole settlement atomically: paid quantities, sale, cash transactions,
// customer stats, and stock deduction commit together or not at all.
type Repository interface {
	// Catalog (read side, plus the stock-affecting batch receive).
	ListProducts(ctx context.Context, storeID string) ([]domain.Product, error)
	GetProduct(ctx context.Context, storeID string, productID string) (*domain.Product, error)
	ListBatches(ctx context.Context, storeID string, productID string) ([]domain.ProductBatch, error)
	ReceiveBatch(ctx context.Context, batch domain.ProductBatch, username string) (*domain.ProductBatch, error)
	ListIngredients(ctx context.Context, storeID string) ([]domain.Ingredient, error)

	// Tables.
	ListTables(ctx context.Context, storeID string) ([]domain.Table, error)
	GetTable(ctx context.Context, storeID string, tableID string) (*domain.Table, error)
	FloorTables(ctx context.Context, storeID string) ([]domain.FloorTable, error)

	// Order lifecycle.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, storeID string, orderID string) (*domain.Order, error)
	ListOpenOrders(ctx context.Context, storeID string) ([]domain.Order, error)
	GetOpenOrderByTable(ctx context.Context, storeID string, tableID string) (*domain.Order, error)
	AddOrderItem(ctx context.Context, storeID string, orderID string, req domain.OrderItemAddRequest) (*domain.Order, error)
	UpdateOrderItemStatus(ctx context.Context, storeID string, orderID string, itemID string, status domain.ItemStatus) (*domain.Order, error)
	SettleOrderPayment(ctx context.Context, storeID string, orderID string, req domain.OrderPaymentRequest, actor domain.Actor, strictCustomer bool) (*domain.Sale, *domain.Order, error)
	MergeOrders(ctx context.Context, storeID string, targetID string, sourceID string) (*domain.Order, error)
	TransferOrder(ctx context.Context, storeID string, orderID string, targetTableID string) (*domain.Order, error)
	CancelOrder(ctx context.Context, storeID string, orderID string) (*domain.Order, error)

	// Direct sales.
	CreateSale(ctx context.Context, storeID string, req domain.SaleCreateRequest, actor domain.Actor, strictCustomer bool) (*domain.Sale, error)
	GetSale(ctx context.Context, storeID string, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error)

	// Cash session register.
	OpenCashSession(ctx context.Context, storeID string, username string, openingCents int64) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, storeID string) (*domain.CashSession, error)
	RecordWithdrawal(ctx context.Context, storeID string, amountCents int64, reason string, username string) (*domain.CashTransaction, error)
	CloseCashSession(ctx context.Context, storeID string, countedCents int64) (*domain.CashSession, error)

	// Stock ledger.
	AdjustStock(ctx context.Context, storeID string, productID string, newStock int, username string, reason string) (*domain.StockMovement, error)
	ListStockMovements(ctx context.Context, storeID string, limit int) ([]domain.StockMovement, error)

	// Customer ledger read side.
	GetCustomer(ctx context.Context, storeID string, customerID string) (*domain.Customer, error)

	// Campaigns.
	CreateCampaign(ctx context.Context, campaign domain.Campaign) (*domain.Campaign, error)
	ListCampaigns(ctx context.Context, storeID string) ([]domain.Campaign, error)
	SetCampaignActive(ctx context.Context, storeID string, campaignID string, active bool) (*domain.Campaign, error)

	// Audit trail.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	// Auth accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
