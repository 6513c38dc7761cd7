package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/service"
	"apotekpos/backend/internal/store/memory"
)

type testEnv struct {
	api          *API
	handler      http.Handler
	adminToken   string
	cashierToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := memory.NewSeeded()
	svc := service.New(repo, nil, 0, 0)
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, "731946", repo)
	api := New(svc, auth, "http://localhost:5173")

	admin, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("admin login: %v", err)
	}
	cashier, err := auth.Login(domain.LoginRequest{Username: "kasir1", Password: "kasir123"})
	if err != nil {
		t.Fatalf("cashier login: %v", err)
	}

	return &testEnv{
		api:          api,
		handler:      api.Handler(),
		adminToken:   admin.AccessToken,
		cashierToken: cashier.AccessToken,
	}
}

func (e *testEnv) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("X-CSRF-Token", e.api.generateCSRFToken())
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) stockIn(t *testing.T, productID string, qty int, expiry string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/stock-ins", e.adminToken, domain.StockInCreateRequest{
		Items: []domain.StockInItemInput{
			{ProductID: productID, QtyAdded: qty, UnitCostCents: 100000, ExpiryDate: expiry},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("stock-in returned %d: %s", rec.Code, rec.Body.String())
	}
}

func futureDate(days int) string {
	return time.Now().AddDate(0, 0, days).Format("2006-01-02")
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token returned %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products", "bogus-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token returned %d, want 401", rec.Code)
	}
}

func TestCashierCannotAccessAdminRoutes(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/stock-ins",
		"/api/v1/inventory/lots",
		"/api/v1/alerts/expiring",
		"/api/v1/reports/daily",
		"/api/v1/audit-logs",
	} {
		rec := env.do(t, http.MethodGet, path, env.cashierToken, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s returned %d for cashier, want 403", path, rec.Code)
		}
	}
}

func TestSaleEndpointFlow(t *testing.T) {
	env := newTestEnv(t)
	env.stockIn(t, "prd-paracetamol-500", 10, futureDate(30))

	rec := env.do(t, http.MethodPost, "/api/v1/sales", env.cashierToken, domain.SaleCreateRequest{
		Items:         []domain.SaleItemInput{{ProductID: "prd-paracetamol-500", Qty: 3}},
		PaymentMethod: "cash",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale returned %d: %s", rec.Code, rec.Body.String())
	}

	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if created.Sale.ReceiptNo == "" || created.Sale.SoldBy != "kasir1" {
		t.Fatalf("unexpected sale %+v", created.Sale)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sales/"+created.Sale.ID, env.cashierToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale returned %d", rec.Code)
	}
}

func TestSaleErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	env.stockIn(t, "prd-paracetamol-500", 2, futureDate(30))

	// Insufficient stock maps to 409.
	rec := env.do(t, http.MethodPost, "/api/v1/sales", env.cashierToken, domain.SaleCreateRequest{
		Items: []domain.SaleItemInput{{ProductID: "prd-paracetamol-500", Qty: 5}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("oversell returned %d, want 409: %s", rec.Code, rec.Body.String())
	}

	// Validation failure maps to 400.
	rec = env.do(t, http.MethodPost, "/api/v1/sales", env.cashierToken, domain.SaleCreateRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty sale returned %d, want 400", rec.Code)
	}

	// Unknown sale id maps to 404.
	rec = env.do(t, http.MethodGet, "/api/v1/sales/sale-missing", env.cashierToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing sale returned %d, want 404", rec.Code)
	}

	// Unknown JSON fields are rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewBufferString(`{"bogus":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.cashierToken)
	req.Header.Set("X-CSRF-Token", env.api.generateCSRFToken())
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field returned %d, want 400", rec.Code)
	}
}

func TestProductEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/products", env.cashierToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list products returned %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/products", env.adminToken, domain.ProductCreateRequest{
		Name:              "Betadine 15ml",
		SellingPriceCents: 1250000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product returned %d: %s", rec.Code, rec.Body.String())
	}

	// Cashiers cannot create products.
	rec = env.do(t, http.MethodPost, "/api/v1/products", env.cashierToken, domain.ProductCreateRequest{
		Name:              "Nope",
		SellingPriceCents: 100,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier product create returned %d, want 403", rec.Code)
	}

	newPrice := int64(380000)
	rec = env.do(t, http.MethodPatch, "/api/v1/products/prd-paracetamol-500", env.adminToken, map[string]any{
		"sellingPriceCents": newPrice,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch product returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products/prd-paracetamol-500/price-history", env.adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("price history returned %d", rec.Code)
	}
	var history struct {
		History []domain.ProductPriceHistory `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.History) != 1 || history.History[0].NewPriceCents != newPrice {
		t.Fatalf("unexpected history %+v", history.History)
	}
}

func TestDailyReportFormats(t *testing.T) {
	env := newTestEnv(t)
	env.stockIn(t, "prd-paracetamol-500", 10, futureDate(30))
	rec := env.do(t, http.MethodPost, "/api/v1/sales", env.adminToken, domain.SaleCreateRequest{
		Items: []domain.SaleItemInput{{ProductID: "prd-paracetamol-500", Qty: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale returned %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/reports/daily", env.adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("json report returned %d", rec.Code)
	}
	var report domain.DailyReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Sales != 1 || report.UnitsSold != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/reports/daily?format=csv", env.adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csv report returned %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("csv content type %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(fmt.Sprintf("summary,sales,%d", report.Sales))) {
		t.Fatalf("csv body missing summary: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/reports/daily?format=pdf", env.adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("printable report returned %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("<!doctype html>")) {
		t.Fatalf("printable body is not html")
	}
}

func TestCashierProvisioningRequiresManagerPIN(t *testing.T) {
	env := newTestEnv(t)

	body := domain.CashierCreateRequest{Username: "kasir7", Password: "secret7"}

	// Missing PIN header.
	rec := env.do(t, http.MethodPost, "/api/v1/users/cashiers", env.adminToken, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing PIN returned %d, want 403", rec.Code)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/cashiers", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.adminToken)
	req.Header.Set("X-CSRF-Token", env.api.generateCSRFToken())
	req.Header.Set("X-Manager-PIN", "731946")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("valid PIN returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExpiryAlertEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.stockIn(t, "prd-obh-combi", 6, futureDate(10))

	rec := env.do(t, http.MethodGet, "/api/v1/alerts/expiring?days=14", env.adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("alerts returned %d", rec.Code)
	}
	var resp domain.ExpiryAlertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if resp.WithinDays != 14 || len(resp.Lots) != 1 {
		t.Fatalf("unexpected alert response %+v", resp)
	}
}
