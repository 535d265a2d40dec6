package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"comandero/backend/internal/cache"
	"comandero/backend/internal/domain"
	"comandero/backend/internal/store"
	"comandero/backend/internal/store/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(memory.NewSeeded(), cache.NoopFloorCache{}, "main-store", 5*time.Second, false)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin", StoreID: "main-store"})
}

func waiterCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "waiter", Role: "waiter", StoreID: "main-store"})
}

func openSession(t *testing.T, svc *Service, openingCents int64) domain.CashSession {
	t.Helper()
	session, err := svc.OpenCashSession(waiterCtx(), domain.CashSessionOpenRequest{OpeningCents: openingCents})
	if err != nil {
		t.Fatalf("open cash session: %v", err)
	}
	return session
}

func openDineIn(t *testing.T, svc *Service, tableID string) domain.Order {
	t.Helper()
	order, err := svc.CreateOrder(waiterCtx(), domain.OrderCreateRequest{Type: domain.OrderTypeDineIn, TableID: tableID})
	if err != nil {
		t.Fatalf("create dine-in order on %s: %v", tableID, err)
	}
	return order
}

func addItem(t *testing.T, svc *Service, orderID string, req domain.OrderItemAddRequest) domain.Order {
	t.Helper()
	order, err := svc.AddOrderItem(waiterCtx(), orderID, req)
	if err != nil {
		t.Fatalf("add item %s x%d: %v", req.ProductID, req.Quantity, err)
	}
	return order
}

func findTable(t *testing.T, tables []domain.Table, tableID string) domain.Table {
	t.Helper()
	for _, table := range tables {
		if table.ID == tableID {
			return table
		}
	}
	t.Fatalf("table %s not found", tableID)
	return domain.Table{}
}

func TestCreateOrderValidation(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.CreateOrder(waiterCtx(), domain.OrderCreateRequest{Type: domain.OrderTypeDineIn}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for dine-in without table, got %v", err)
	}
	if _, err := svc.CreateOrder(waiterCtx(), domain.OrderCreateRequest{Type: domain.OrderTypeDelivery, CustomerID: "cust-1"}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for delivery without address, got %v", err)
	}
	if _, err := svc.CreateOrder(waiterCtx(), domain.OrderCreateRequest{Type: "drive_thru"}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for unknown order type, got %v", err)
	}
	if _, err := svc.CreateOrder(context.Background(), domain.OrderCreateRequest{Type: domain.OrderTypeTakeout}); err == nil {
		t.Fatalf("expected error without authenticated actor")
	}
}

func TestCreateOrderDineInOccupiesTable(t *testing.T) {
	svc := newTestService(t)

	order := openDineIn(t, svc, "tbl-1")
	if order.Status != domain.OrderStatusOpen {
		t.Fatalf("expected open order, got %s", order.Status)
	}

	tables, err := svc.ListTables(waiterCtx())
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if got := findTable(t, tables, "tbl-1").Status; got != domain.TableStatusOccupied {
		t.Fatalf("expected tbl-1 occupied, got %s", got)
	}

	if _, err := svc.CreateOrder(waiterCtx(), domain.OrderCreateRequest{Type: domain.OrderTypeDineIn, TableID: "tbl-1"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second order for same table, got %v", err)
	}

	byTable, err := svc.GetOpenOrderByTable(waiterCtx(), "tbl-1")
	if err != nil {
		t.Fatalf("get open order by table: %v", err)
	}
	if byTable.ID != order.ID {
		t.Fatalf("expected order %s on tbl-1, got %s", order.ID, byTable.ID)
	}
}

func TestCreateOrderTakeoutIgnoresTable(t *testing.T) {
	svc := newTestService(t)

	order, err := svc.CreateOrder(waiterCtx(), domain.OrderCreateRequest{Type: domain.OrderTypeTakeout, TableID: "tbl-1"})
	if err != nil {
		t.Fatalf("create takeout order: %v", err)
	}
	if order.TableID != "" {
		t.Fatalf("expected takeout order without table, got %s", order.TableID)
	}

	tables, err := svc.ListTables(waiterCtx())
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if got := findTable(t, tables, "tbl-1").Status; got != domain.TableStatusAvailable {
		t.Fatalf("expected tbl-1 to stay available, got %s", got)
	}
}

func TestAddOrderItemMergesMatchingLines(t *testing.T) {
	svc := newTestService(t)
	order := openDineIn(t, svc, "tbl-1")

	addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 2})
	updated := addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 1})
	if len(updated.Items) != 1 {
		t.Fatalf("expected matching lines to merge, got %d lines", len(updated.Items))
	}
	if updated.Items[0].Quantity != 3 {
		t.Fatalf("expected merged quantity 3, got %d", updated.Items[0].Quantity)
	}

	// Different additional set opens a new line.
	updated = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 1, AdditionalIDs: []string{"add-cheese"}})
	if len(updated.Items) != 2 {
		t.Fatalf("expected a separate line for different additionals, got %d lines", len(updated.Items))
	}

	// Same additional set merges again.
	updated = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 1, AdditionalIDs: []string{"add-cheese"}})
	if len(updated.Items) != 2 {
		t.Fatalf("expected cheese line to merge, got %d lines", len(updated.Items))
	}
	if updated.Items[1].Quantity != 2 {
		t.Fatalf("expected cheese line quantity 2, got %d", updated.Items[1].Quantity)
	}

	// Different notes never merge.
	updated = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 1, Notes: "no onions"})
	if len(updated.Items) != 3 {
		t.Fatalf("expected notes to split lines, got %d lines", len(updated.Items))
	}
}

func TestAddOrderItemAfterPartialPaymentMergesIntoLine(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 10000)
	order := openDineIn(t, svc, "tbl-1")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 2})

	_, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: order.Items[0].ID, Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 8900}},
	})
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}

	updated := addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 1})
	if len(updated.Items) != 1 {
		t.Fatalf("expected partially paid line to absorb the new units, got %d lines", len(updated.Items))
	}
	if updated.Items[0].Quantity != 3 || updated.Items[0].PaidQuantity != 1 {
		t.Fatalf("expected quantity 3 paid 1, got quantity %d paid %d", updated.Items[0].Quantity, updated.Items[0].PaidQuantity)
	}
}

func TestAddOrderItemAfterFullPaymentOpensNewLine(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 10000)
	order := openDineIn(t, svc, "tbl-1")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 1})
	addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-water", Quantity: 1})

	_, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: order.Items[0].ID, Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 8900}},
	})
	if err != nil {
		t.Fatalf("pay burger line in full: %v", err)
	}

	updated := addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 1})
	if len(updated.Items) != 3 {
		t.Fatalf("expected a fresh line next to the settled one, got %d lines", len(updated.Items))
	}
	if updated.Items[0].Quantity != 1 || updated.Items[0].PaidQuantity != 1 {
		t.Fatalf("expected settled line untouched, got quantity %d paid %d", updated.Items[0].Quantity, updated.Items[0].PaidQuantity)
	}
}

func TestUpdateOrderItemStatus(t *testing.T) {
	svc := newTestService(t)
	order := openDineIn(t, svc, "tbl-1")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-espresso", Quantity: 1})

	if _, err := svc.UpdateOrderItemStatus(waiterCtx(), order.ID, order.Items[0].ID, domain.ItemStatusUpdateRequest{Status: "eaten"}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for unknown status, got %v", err)
	}

	updated, err := svc.UpdateOrderItemStatus(waiterCtx(), order.ID, order.Items[0].ID, domain.ItemStatusUpdateRequest{Status: domain.ItemStatusPreparing})
	if err != nil {
		t.Fatalf("update item status: %v", err)
	}
	if updated.Items[0].Status != domain.ItemStatusPreparing {
		t.Fatalf("expected preparing, got %s", updated.Items[0].Status)
	}

	if _, err := svc.UpdateOrderItemStatus(waiterCtx(), order.ID, "line-missing", domain.ItemStatusUpdateRequest{Status: domain.ItemStatusReady}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown item, got %v", err)
	}
}

func TestPayOrderRequiresOpenCashSession(t *testing.T) {
	svc := newTestService(t)
	order := openDineIn(t, svc, "tbl-1")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-water", Quantity: 1})

	_, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: order.Items[0].ID, Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 2000}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict without open cash session, got %v", err)
	}
}

func TestPayOrderRejectsInsufficientPayment(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 5000)
	order := openDineIn(t, svc, "tbl-1")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 1})

	_, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: order.Items[0].ID, Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 8000}},
	})
	if !errors.Is(err, store.ErrInsufficientPayment) {
		t.Fatalf("expected insufficient payment, got %v", err)
	}

	reloaded, err := svc.GetOrder(waiterCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if reloaded.Items[0].PaidQuantity != 0 {
		t.Fatalf("expected no paid quantity after failed payment, got %d", reloaded.Items[0].PaidQuantity)
	}
}

func TestPayOrderRejectsOverQuantity(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 5000)
	order := openDineIn(t, svc, "tbl-1")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-water", Quantity: 2})

	_, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: order.Items[0].ID, Quantity: 3}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 10000}},
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for paying more than ordered, got %v", err)
	}
}

func TestPayOrderPartialThenFull(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 5000)
	order := openDineIn(t, svc, "tbl-2")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 2})
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-juice", Quantity: 1})
	burgerLine := order.Items[0].ID
	juiceLine := order.Items[1].ID

	first, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: burgerLine, Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 10000}},
	})
	if err != nil {
		t.Fatalf("first partial payment: %v", err)
	}
	if first.Sale.TotalCents != 8900 {
		t.Fatalf("expected first sale total 8900, got %d", first.Sale.TotalCents)
	}
	if first.ChangeCents != 1100 {
		t.Fatalf("expected change 1100, got %d", first.ChangeCents)
	}
	if first.Order.Status != domain.OrderStatusOpen {
		t.Fatalf("expected order still open after partial payment, got %s", first.Order.Status)
	}

	second, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items: []domain.PayItemLine{
			{OrderItemID: burgerLine, Quantity: 1},
			{OrderItemID: juiceLine, Quantity: 1},
		},
		Payments: []domain.PaymentInput{
			{Method: "card", AmountCents: 10000},
			{Method: "cash", AmountCents: 3400},
		},
	})
	if err != nil {
		t.Fatalf("closing payment: %v", err)
	}
	if second.Sale.TotalCents != 13400 {
		t.Fatalf("expected second sale total 13400, got %d", second.Sale.TotalCents)
	}
	if second.ChangeCents != 0 {
		t.Fatalf("expected no change, got %d", second.ChangeCents)
	}
	if second.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order paid, got %s", second.Order.Status)
	}
	if second.Order.ClosedAt == nil {
		t.Fatalf("expected closed_at on paid order")
	}

	tables, err := svc.ListTables(waiterCtx())
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if got := findTable(t, tables, "tbl-2").Status; got != domain.TableStatusAvailable {
		t.Fatalf("expected tbl-2 released after full payment, got %s", got)
	}

	ingredients, err := svc.ListIngredients(waiterCtx())
	if err != nil {
		t.Fatalf("list ingredients: %v", err)
	}
	for _, ing := range ingredients {
		if ing.ID == "ing-patty" && ing.Stock != 38 {
			t.Fatalf("expected 38 patties after selling 2 burgers, got %v", ing.Stock)
		}
	}
}

func TestPayOrderPricesAdditionalsIntoUnit(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 5000)
	order := openDineIn(t, svc, "tbl-1")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{
		ProductID:     "prod-burger",
		Quantity:      1,
		AdditionalIDs: []string{"add-cheese", "add-bacon"},
	})

	resp, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: order.Items[0].ID, Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 10900}},
	})
	if err != nil {
		t.Fatalf("pay order: %v", err)
	}
	if resp.Sale.TotalCents != 10900 {
		t.Fatalf("expected total 10900 (8900 + 800 + 1200), got %d", resp.Sale.TotalCents)
	}
	if resp.ChangeCents != 0 {
		t.Fatalf("expected no change, got %d", resp.ChangeCents)
	}
}

func TestPayOrderStockFailureLeavesOrderUntouched(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 5000)
	order := openDineIn(t, svc, "tbl-1")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 50})

	_, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: order.Items[0].ID, Quantity: 50}},
		Payments: []domain.PaymentInput{{Method: "card", AmountCents: 445000}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	reloaded, err := svc.GetOrder(waiterCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if reloaded.Items[0].PaidQuantity != 0 {
		t.Fatalf("expected paid quantity untouched after failed settlement, got %d", reloaded.Items[0].PaidQuantity)
	}

	ingredients, err := svc.ListIngredients(waiterCtx())
	if err != nil {
		t.Fatalf("list ingredients: %v", err)
	}
	for _, ing := range ingredients {
		if ing.ID == "ing-patty" && ing.Stock != 40 {
			t.Fatalf("expected patty stock untouched at 40, got %v", ing.Stock)
		}
	}

	session, err := svc.CurrentCashSession(waiterCtx())
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if len(session.Transactions) != 1 {
		t.Fatalf("expected only the opening float transaction, got %d", len(session.Transactions))
	}
}

func TestCancelOrderReleasesTable(t *testing.T) {
	svc := newTestService(t)
	order := openDineIn(t, svc, "tbl-3")
	addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-water", Quantity: 1})

	cancelled, err := svc.CancelOrder(waiterCtx(), order.ID)
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	tables, err := svc.ListTables(waiterCtx())
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if got := findTable(t, tables, "tbl-3").Status; got != domain.TableStatusAvailable {
		t.Fatalf("expected tbl-3 released after cancel, got %s", got)
	}
}

func TestCancelOrderAfterPartialPaymentFails(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 5000)
	order := openDineIn(t, svc, "tbl-1")
	order = addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-water", Quantity: 2})

	if _, err := svc.PayOrder(waiterCtx(), order.ID, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: order.Items[0].ID, Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 2000}},
	}); err != nil {
		t.Fatalf("partial payment: %v", err)
	}

	if _, err := svc.CancelOrder(waiterCtx(), order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict cancelling partially paid order, got %v", err)
	}
}

func TestMergeOrdersCombinesTabsAndFreesSourceTable(t *testing.T) {
	svc := newTestService(t)
	target := openDineIn(t, svc, "tbl-3")
	source := openDineIn(t, svc, "tbl-4")
	addItem(t, svc, target.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 1})
	addItem(t, svc, source.ID, domain.OrderItemAddRequest{ProductID: "prod-beer", Quantity: 2})

	merged, err := svc.MergeOrders(waiterCtx(), target.ID, domain.OrderMergeRequest{SourceOrderID: source.ID})
	if err != nil {
		t.Fatalf("merge orders: %v", err)
	}
	if len(merged.Items) != 2 {
		t.Fatalf("expected 2 lines after merge, got %d", len(merged.Items))
	}

	if _, err := svc.GetOrder(waiterCtx(), source.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected source order gone after merge, got %v", err)
	}

	tables, err := svc.ListTables(waiterCtx())
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if got := findTable(t, tables, "tbl-4").Status; got != domain.TableStatusAvailable {
		t.Fatalf("expected source table released, got %s", got)
	}
	if got := findTable(t, tables, "tbl-3").Status; got != domain.TableStatusOccupied {
		t.Fatalf("expected target table still occupied, got %s", got)
	}
}

func TestTransferOrderMovesTable(t *testing.T) {
	svc := newTestService(t)
	order := openDineIn(t, svc, "tbl-5")
	occupied := openDineIn(t, svc, "tbl-1")

	if _, err := svc.TransferOrder(waiterCtx(), order.ID, domain.OrderTransferRequest{TargetTableID: occupied.TableID}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict transferring to occupied table, got %v", err)
	}

	moved, err := svc.TransferOrder(waiterCtx(), order.ID, domain.OrderTransferRequest{TargetTableID: "tbl-6"})
	if err != nil {
		t.Fatalf("transfer order: %v", err)
	}
	if moved.TableID != "tbl-6" {
		t.Fatalf("expected order on tbl-6, got %s", moved.TableID)
	}

	tables, err := svc.ListTables(waiterCtx())
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if got := findTable(t, tables, "tbl-5").Status; got != domain.TableStatusAvailable {
		t.Fatalf("expected tbl-5 released, got %s", got)
	}
	if got := findTable(t, tables, "tbl-6").Status; got != domain.TableStatusOccupied {
		t.Fatalf("expected tbl-6 occupied, got %s", got)
	}
}

func TestTransferOrderSeatsTakeoutOrder(t *testing.T) {
	svc := newTestService(t)

	order, err := svc.CreateOrder(waiterCtx(), domain.OrderCreateRequest{Type: domain.OrderTypeTakeout})
	if err != nil {
		t.Fatalf("create takeout order: %v", err)
	}

	moved, err := svc.TransferOrder(waiterCtx(), order.ID, domain.OrderTransferRequest{TargetTableID: "tbl-3"})
	if err != nil {
		t.Fatalf("transfer takeout order: %v", err)
	}
	if moved.TableID != "tbl-3" {
		t.Fatalf("expected order seated at tbl-3, got %s", moved.TableID)
	}

	tables, err := svc.ListTables(waiterCtx())
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if got := findTable(t, tables, "tbl-3").Status; got != domain.TableStatusOccupied {
		t.Fatalf("expected tbl-3 occupied, got %s", got)
	}
}

func TestCreateSaleConsumesBatchesFEFO(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 10000)

	resp, err := svc.CreateSale(waiterCtx(), domain.SaleCreateRequest{
		Items:    []domain.SaleLineInput{{ProductID: "prod-juice", Quantity: 30}},
		Payments: []domain.PaymentInput{{Method: "card", AmountCents: 135000}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if resp.Sale.TotalCents != 135000 {
		t.Fatalf("expected total 135000, got %d", resp.Sale.TotalCents)
	}

	// The near-expiry batch (24 units) drains first, the rest comes off the
	// later batch.
	batches, err := svc.ListBatches(waiterCtx(), "prod-juice")
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected a single remaining batch, got %d", len(batches))
	}
	if batches[0].ID != "batch-juice-2" || batches[0].Quantity != 30 {
		t.Fatalf("expected batch-juice-2 with 30 left, got %s with %d", batches[0].ID, batches[0].Quantity)
	}

	product, err := svc.GetProduct(waiterCtx(), "prod-juice")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 30 {
		t.Fatalf("expected juice stock 30, got %d", product.Stock)
	}
}

func TestCreateSaleUpdatesCustomerLedger(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 10000)

	resp, err := svc.CreateSale(waiterCtx(), domain.SaleCreateRequest{
		Items:      []domain.SaleLineInput{{ProductID: "prod-beer", Quantity: 2}},
		Payments:   []domain.PaymentInput{{Method: "cash", AmountCents: 15000}},
		CustomerID: "cust-1",
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if resp.ChangeCents != 2000 {
		t.Fatalf("expected change 2000, got %d", resp.ChangeCents)
	}

	customer, err := svc.GetCustomer(waiterCtx(), "cust-1")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if customer.TotalSpentCents != 13000 {
		t.Fatalf("expected total spent 13000, got %d", customer.TotalSpentCents)
	}
	if customer.LoyaltyPoints != 13 {
		t.Fatalf("expected 13 loyalty points, got %d", customer.LoyaltyPoints)
	}
	if customer.LastSeen == nil {
		t.Fatalf("expected last_seen to be set")
	}
}

func TestCreateSaleUnknownCustomerLenientAndStrict(t *testing.T) {
	lenient := newTestService(t)
	openSession(t, lenient, 0)

	resp, err := lenient.CreateSale(waiterCtx(), domain.SaleCreateRequest{
		Items:      []domain.SaleLineInput{{ProductID: "prod-water", Quantity: 1}},
		Payments:   []domain.PaymentInput{{Method: "cash", AmountCents: 2000}},
		CustomerID: "cust-unknown",
	})
	if err != nil {
		t.Fatalf("expected lenient mode to accept the sale, got %v", err)
	}
	if resp.Sale.CustomerID != "" {
		t.Fatalf("expected unknown customer to be dropped, got %s", resp.Sale.CustomerID)
	}

	strict := New(memory.NewSeeded(), cache.NoopFloorCache{}, "main-store", 5*time.Second, true)
	openSession(t, strict, 0)

	_, err = strict.CreateSale(waiterCtx(), domain.SaleCreateRequest{
		Items:      []domain.SaleLineInput{{ProductID: "prod-water", Quantity: 1}},
		Payments:   []domain.PaymentInput{{Method: "cash", AmountCents: 2000}},
		CustomerID: "cust-unknown",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected strict mode to reject unknown customer, got %v", err)
	}
}

func TestListSalesByDate(t *testing.T) {
	svc := newTestService(t)
	openSession(t, svc, 0)

	if _, err := svc.CreateSale(waiterCtx(), domain.SaleCreateRequest{
		Items:    []domain.SaleLineInput{{ProductID: "prod-water", Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 2000}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	recent, err := svc.ListSales(waiterCtx(), "", 10)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent sale, got %d", len(recent))
	}

	old, err := svc.ListSales(waiterCtx(), "2000-01-01", 10)
	if err != nil {
		t.Fatalf("list sales for old date: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected no sales on 2000-01-01, got %d", len(old))
	}

	if _, err := svc.ListSales(waiterCtx(), "not-a-date", 10); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for bad date, got %v", err)
	}
}

func TestCashSessionLifecycle(t *testing.T) {
	svc := newTestService(t)
	session := openSession(t, svc, 10000)
	if !session.IsOpen {
		t.Fatalf("expected session to open")
	}

	if _, err := svc.OpenCashSession(waiterCtx(), domain.CashSessionOpenRequest{OpeningCents: 500}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict opening a second session, got %v", err)
	}

	if _, err := svc.CreateSale(waiterCtx(), domain.SaleCreateRequest{
		Items:    []domain.SaleLineInput{{ProductID: "prod-water", Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 2000}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	// Withdrawals are admin-only and capped at the expected drawer balance.
	if _, err := svc.RecordWithdrawal(waiterCtx(), domain.CashWithdrawalRequest{AmountCents: 1000, Reason: "supplier"}); err == nil {
		t.Fatalf("expected waiter withdrawal to be rejected")
	}
	if _, err := svc.RecordWithdrawal(adminCtx(), domain.CashWithdrawalRequest{AmountCents: 100000, Reason: "supplier"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict withdrawing more than the drawer holds, got %v", err)
	}
	withdrawal, err := svc.RecordWithdrawal(adminCtx(), domain.CashWithdrawalRequest{AmountCents: 5000, Reason: "supplier delivery"})
	if err != nil {
		t.Fatalf("record withdrawal: %v", err)
	}
	if withdrawal.AmountCents != -5000 {
		t.Fatalf("expected withdrawal stored as -5000, got %d", withdrawal.AmountCents)
	}

	// Closing the drawer is admin-only too.
	if _, err := svc.CloseCashSession(waiterCtx(), domain.CashSessionCloseRequest{CountedCents: 6500}); err == nil {
		t.Fatalf("expected waiter close to be rejected")
	}
	closed, err := svc.CloseCashSession(adminCtx(), domain.CashSessionCloseRequest{CountedCents: 6500})
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.ExpectedCents != 7000 {
		t.Fatalf("expected drawer 7000 (10000 + 2000 - 5000), got %d", closed.ExpectedCents)
	}
	if closed.DifferenceCents != -500 {
		t.Fatalf("expected difference -500, got %d", closed.DifferenceCents)
	}
	if closed.IsOpen {
		t.Fatalf("expected session closed")
	}

	if _, err := svc.CurrentCashSession(waiterCtx()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no current session after close, got %v", err)
	}

	// The closed session accepts no further sale payments.
	if _, err := svc.CreateSale(waiterCtx(), domain.SaleCreateRequest{
		Items:    []domain.SaleLineInput{{ProductID: "prod-water", Quantity: 1}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 2000}},
	}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict selling after session close, got %v", err)
	}
}

func TestAdjustStock(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.AdjustStock(waiterCtx(), domain.StockAdjustRequest{ProductID: "prod-water", NewStock: 100, Reason: "recount"}); err == nil {
		t.Fatalf("expected waiter adjustment to be rejected")
	}
	if _, err := svc.AdjustStock(adminCtx(), domain.StockAdjustRequest{ProductID: "prod-burger", NewStock: 10, Reason: "recount"}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for recipe product, got %v", err)
	}

	movement, err := svc.AdjustStock(adminCtx(), domain.StockAdjustRequest{ProductID: "prod-juice", NewStock: 50, Reason: "spoilage recount"})
	if err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if movement.Quantity != -10 || movement.StockAfter != 50 {
		t.Fatalf("expected movement -10 to 50, got %v to %v", movement.Quantity, movement.StockAfter)
	}

	// Shrink comes off the earliest-expiring batch.
	batches, err := svc.ListBatches(adminCtx(), "prod-juice")
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 2 || batches[0].Quantity != 14 || batches[1].Quantity != 36 {
		t.Fatalf("unexpected batches after shrink: %+v", batches)
	}

	movements, err := svc.ListStockMovements(adminCtx(), 10)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 1 || movements[0].Type != domain.MovementAdjustment {
		t.Fatalf("expected one adjustment movement, got %+v", movements)
	}
}

func TestReceiveBatch(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.ReceiveBatch(waiterCtx(), domain.BatchReceiveRequest{ProductID: "prod-beer", Quantity: 12}); err == nil {
		t.Fatalf("expected waiter batch receive to be rejected")
	}
	if _, err := svc.ReceiveBatch(adminCtx(), domain.BatchReceiveRequest{ProductID: "prod-burger", Quantity: 12}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for recipe product, got %v", err)
	}
	if _, err := svc.ReceiveBatch(adminCtx(), domain.BatchReceiveRequest{ProductID: "prod-beer", Quantity: 12, ExpirationDate: "next week"}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for bad expiry, got %v", err)
	}

	batch, err := svc.ReceiveBatch(adminCtx(), domain.BatchReceiveRequest{ProductID: "prod-beer", Quantity: 12, ExpirationDate: "2027-03-01"})
	if err != nil {
		t.Fatalf("receive batch: %v", err)
	}
	if batch.Quantity != 12 || batch.ExpirationDate == nil {
		t.Fatalf("unexpected batch %+v", batch)
	}

	product, err := svc.GetProduct(adminCtx(), "prod-beer")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 60 {
		t.Fatalf("expected beer stock 60 after receiving 12, got %d", product.Stock)
	}
}

func TestFloorViewSummarizesOpenOrders(t *testing.T) {
	svc := newTestService(t)
	order := openDineIn(t, svc, "tbl-1")
	addItem(t, svc, order.ID, domain.OrderItemAddRequest{ProductID: "prod-burger", Quantity: 2})

	snapshot, err := svc.FloorView(waiterCtx())
	if err != nil {
		t.Fatalf("floor view: %v", err)
	}
	if snapshot.StoreID != "main-store" {
		t.Fatalf("expected store main-store, got %s", snapshot.StoreID)
	}
	if len(snapshot.Tables) != 6 {
		t.Fatalf("expected 6 tables, got %d", len(snapshot.Tables))
	}

	for _, entry := range snapshot.Tables {
		if entry.Table.ID != "tbl-1" {
			continue
		}
		if entry.OpenOrderID != order.ID {
			t.Fatalf("expected open order %s on tbl-1, got %s", order.ID, entry.OpenOrderID)
		}
		if entry.OpenOrderItems != 2 {
			t.Fatalf("expected 2 open items, got %d", entry.OpenOrderItems)
		}
		if entry.OpenOrderCents != 17800 {
			t.Fatalf("expected 17800 outstanding, got %d", entry.OpenOrderCents)
		}
		return
	}
	t.Fatalf("tbl-1 missing from floor snapshot")
}

func TestCampaigns(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.CreateCampaign(waiterCtx(), domain.CampaignCreateRequest{Name: "Happy Hour"}); err == nil {
		t.Fatalf("expected waiter campaign create to be rejected")
	}

	campaign, err := svc.CreateCampaign(adminCtx(), domain.CampaignCreateRequest{Name: "Happy Hour", Description: "2x1 beer 5-7pm"})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if !campaign.Active {
		t.Fatalf("expected new campaign to be active")
	}

	toggled, err := svc.SetCampaignActive(adminCtx(), campaign.ID, false)
	if err != nil {
		t.Fatalf("toggle campaign: %v", err)
	}
	if toggled.Active {
		t.Fatalf("expected campaign deactivated")
	}

	campaigns, err := svc.ListCampaigns(waiterCtx())
	if err != nil {
		t.Fatalf("list campaigns: %v", err)
	}
	if len(campaigns) != 1 {
		t.Fatalf("expected 1 campaign, got %d", len(campaigns))
	}
}

func TestAuditTrail(t *testing.T) {
	svc := newTestService(t)
	openDineIn(t, svc, "tbl-1")

	if _, err := svc.ListAuditLogs(waiterCtx(), "", 10); err == nil {
		t.Fatalf("expected waiter audit access to be rejected")
	}

	logs, err := svc.ListAuditLogs(adminCtx(), "", 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected one audit entry for order open, got %d", len(logs))
	}
	if logs[0].Action != "order_open" || logs[0].ActorUsername != "waiter" {
		t.Fatalf("unexpected audit entry %+v", logs[0])
	}
}
