package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"comandero/backend/internal/cache"
	"comandero/backend/internal/domain"
	"comandero/backend/internal/service"
	"comandero/backend/internal/store/memory"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopFloorCache{}, "main-store", 5*time.Second, false)
	auth := NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, "main-store", repo)
	return New(svc, auth, "*")
}

func doRequest(t *testing.T, handler http.Handler, method string, path string, token string, csrf string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(recorder.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func fetchCSRFToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	recorder := doRequest(t, handler, http.MethodGet, "/api/v1/auth/csrf-token", "", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("csrf token fetch returned %d", recorder.Code)
	}
	var resp struct {
		CSRFToken string `json:"csrf_token"`
	}
	decodeBody(t, recorder, &resp)
	if resp.CSRFToken == "" {
		t.Fatalf("empty csrf token")
	}
	return resp.CSRFToken
}

func loginAs(t *testing.T, handler http.Handler, username string, password string) domain.LoginResponse {
	t.Helper()
	recorder := doRequest(t, handler, http.MethodPost, "/api/v1/auth/login", "", "", domain.LoginRequest{
		Username: username,
		Password: password,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("login as %s returned %d: %s", username, recorder.Code, recorder.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, recorder, &resp)
	if resp.AccessToken == "" {
		t.Fatalf("empty access token for %s", username)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestAPI(t).Handler()
	recorder := doRequest(t, handler, http.MethodGet, "/healthz", "", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestLoginSuccess(t *testing.T) {
	handler := newTestAPI(t).Handler()
	resp := loginAs(t, handler, "admin", "admin123")
	if resp.Role != "admin" {
		t.Fatalf("expected admin role, got %s", resp.Role)
	}
	if resp.StoreID != "main-store" {
		t.Fatalf("expected store main-store, got %s", resp.StoreID)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()
	recorder := doRequest(t, handler, http.MethodPost, "/api/v1/auth/login", "", "", domain.LoginRequest{
		Username: "admin",
		Password: "wrong-password",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestProductsRequireAuth(t *testing.T) {
	handler := newTestAPI(t).Handler()
	recorder := doRequest(t, handler, http.MethodGet, "/api/v1/products", "", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
}

func TestListProducts(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "waiter", "waiter123").AccessToken

	recorder := doRequest(t, handler, http.MethodGet, "/api/v1/products", token, "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(t, recorder, &resp)
	if len(resp.Products) != 6 {
		t.Fatalf("expected 6 seeded products, got %d", len(resp.Products))
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "waiter", "waiter123").AccessToken
	csrf := fetchCSRFToken(t, handler)

	recorder := doRequest(t, handler, http.MethodPost, "/api/v1/cash-sessions/open", token, csrf, domain.CashSessionOpenRequest{OpeningCents: 10000})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("open session returned %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/v1/orders", token, csrf, domain.OrderCreateRequest{
		Type:    domain.OrderTypeDineIn,
		TableID: "tbl-1",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create order returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var createResp struct {
		Order domain.Order `json:"order"`
	}
	decodeBody(t, recorder, &createResp)
	orderID := createResp.Order.ID

	recorder = doRequest(t, handler, http.MethodPost, "/api/v1/orders/"+orderID+"/items", token, csrf, domain.OrderItemAddRequest{
		ProductID: "prod-water",
		Quantity:  2,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("add item returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var itemResp struct {
		Order domain.Order `json:"order"`
	}
	decodeBody(t, recorder, &itemResp)
	if len(itemResp.Order.Items) != 1 {
		t.Fatalf("expected 1 line, got %d", len(itemResp.Order.Items))
	}
	lineID := itemResp.Order.Items[0].ID

	recorder = doRequest(t, handler, http.MethodPatch, fmt.Sprintf("/api/v1/orders/%s/items/%s/status", orderID, lineID), token, csrf, domain.ItemStatusUpdateRequest{
		Status: domain.ItemStatusDelivered,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("item status update returned %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/v1/orders/"+orderID+"/pay", token, csrf, domain.OrderPaymentRequest{
		Items:    []domain.PayItemLine{{OrderItemID: lineID, Quantity: 2}},
		Payments: []domain.PaymentInput{{Method: "cash", AmountCents: 5000}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("pay order returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var payResp domain.OrderPaymentResponse
	decodeBody(t, recorder, &payResp)
	if payResp.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid order, got %s", payResp.Order.Status)
	}
	if payResp.ChangeCents != 1000 {
		t.Fatalf("expected change 1000, got %d", payResp.ChangeCents)
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/v1/floor", token, "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("floor returned %d", recorder.Code)
	}
	var floor domain.FloorSnapshot
	decodeBody(t, recorder, &floor)
	for _, entry := range floor.Tables {
		if entry.Table.ID == "tbl-1" && entry.Table.Status != domain.TableStatusAvailable {
			t.Fatalf("expected tbl-1 released after full payment, got %s", entry.Table.Status)
		}
	}
}

func TestAdminOnlyRoutes(t *testing.T) {
	handler := newTestAPI(t).Handler()
	waiterToken := loginAs(t, handler, "waiter", "waiter123").AccessToken
	csrf := fetchCSRFToken(t, handler)

	recorder := doRequest(t, handler, http.MethodGet, "/api/v1/audit-logs", waiterToken, "", nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for waiter on audit logs, got %d", recorder.Code)
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/v1/inventory/adjust", waiterToken, csrf, domain.StockAdjustRequest{
		ProductID: "prod-water",
		NewStock:  100,
		Reason:    "recount",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for waiter on stock adjust, got %d", recorder.Code)
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/v1/cash-sessions/close", waiterToken, csrf, domain.CashSessionCloseRequest{
		CountedCents: 0,
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for waiter on session close, got %d", recorder.Code)
	}

	adminToken := loginAs(t, handler, "admin", "admin123").AccessToken
	recorder = doRequest(t, handler, http.MethodPost, "/api/v1/inventory/adjust", adminToken, csrf, domain.StockAdjustRequest{
		ProductID: "prod-water",
		NewStock:  100,
		Reason:    "recount",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin stock adjust, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestWaiterManagement(t *testing.T) {
	handler := newTestAPI(t).Handler()
	adminToken := loginAs(t, handler, "admin", "admin123").AccessToken
	csrf := fetchCSRFToken(t, handler)

	recorder := doRequest(t, handler, http.MethodPost, "/api/v1/users/waiters", adminToken, csrf, domain.StaffCreateRequest{
		Username: "maria",
		Password: "secret-pass",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create waiter returned %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/v1/users/waiters", adminToken, "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list waiters returned %d", recorder.Code)
	}
	var resp struct {
		Waiters []domain.StaffUser `json:"waiters"`
	}
	decodeBody(t, recorder, &resp)
	if len(resp.Waiters) != 2 {
		t.Fatalf("expected seeded waiter plus the new one, got %d", len(resp.Waiters))
	}

	// The fresh account can log in straight away.
	loginAs(t, handler, "maria", "secret-pass")
}

func TestUnknownOrderReturns404(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "waiter", "waiter123").AccessToken

	recorder := doRequest(t, handler, http.MethodGet, "/api/v1/orders/ord-missing", token, "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d", recorder.Code)
	}
}
