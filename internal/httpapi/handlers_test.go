package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lautaro2705-commits/dietetica-erp/internal/cache"
	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
	"github.com/lautaro2705-commits/dietetica-erp/internal/service"
	"github.com/lautaro2705-commits/dietetica-erp/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopSummaryCache{}, 0)
	auth := NewAuthManager("test-secret-at-least-32-chars-long!", time.Hour)

	return New(svc, auth, "*")
}

func qty(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", v, err)
	}
	return parsed
}

// doJSON fires an authenticated request with a valid CSRF token and decodes
// the JSON response into out (when out is non-nil).
func doJSON(t *testing.T, api *API, method string, path string, token string, payload any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)

	if out != nil && res.Code < 300 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return res
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")
	if token == "" {
		t.Fatalf("expected non-empty token")
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestHandleProducts_ListAndGet(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	var listBody struct {
		Products []domain.Product `json:"products"`
	}
	res := doJSON(t, api, http.MethodGet, "/api/v1/products", token, nil, &listBody)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if len(listBody.Products) == 0 {
		t.Fatalf("expected seeded products")
	}

	var getBody struct {
		Product domain.Product `json:"product"`
	}
	res = doJSON(t, api, http.MethodGet, "/api/v1/products/FS-ALM-01", token, nil, &getBody)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for lookup by code, got %d", res.Code)
	}
	if getBody.Product.ID != "prod-almendras" {
		t.Fatalf("expected prod-almendras, got %s", getBody.Product.ID)
	}
}

func TestHandleCreateProduct_SellerForbidden(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		Code: "TE-ST-01",
		Name: "Test",
	}, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestHandleCreateProduct_Admin(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	var body struct {
		Product domain.Product `json:"product"`
	}
	res := doJSON(t, api, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		Code:            "GI-RAS-01",
		Name:            "Girasol Pelado",
		CategoryID:      "cat-semillas",
		BulkContent:     qty(t, "10"),
		CostPrice:       qty(t, "1800"),
		WholesalePrice:  qty(t, "2100"),
		RetailMarkupPct: qty(t, "35"),
		InitialStock:    qty(t, "20"),
	}, &body)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	if body.Product.ID == "" {
		t.Fatalf("expected product id in response")
	}
}

func TestHandleCreateSale_FullPath(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	var body struct {
		Sale domain.Sale `json:"sale"`
	}
	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines: []domain.SaleLineRequest{
			{ProductID: "prod-almendras", Qty: qty(t, "1")},
			{ProductID: "prod-almendras", FractionID: "frac-alm-250", Qty: qty(t, "2")},
		},
	}, &body)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	if len(body.Sale.Lines) != 2 {
		t.Fatalf("expected 2 sale lines, got %d", len(body.Sale.Lines))
	}

	var saleBody struct {
		Sale domain.Sale `json:"sale"`
	}
	res = doJSON(t, api, http.MethodGet, "/api/v1/sales/"+body.Sale.ID, token, nil, &saleBody)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching sale, got %d", res.Code)
	}
	if saleBody.Sale.Status != domain.SaleStatusActive {
		t.Fatalf("expected active sale, got %s", saleBody.Sale.Status)
	}
}

func TestHandleCreateSale_InsufficientStockDetail(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-cocoa", Qty: qty(t, "50")}},
	}, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", res.Code, res.Body.String())
	}

	var payload struct {
		Error  string `json:"error"`
		Detail struct {
			ProductID string `json:"product_id"`
			Available string `json:"available"`
		} `json:"detail"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Detail.ProductID != "prod-cocoa" {
		t.Fatalf("expected stock detail for prod-cocoa, got %+v", payload)
	}
}

func TestHandleVoidSale_SellerForbidden(t *testing.T) {
	api := newTestAPI(t)
	sellerToken := loginAs(t, api, "seller", "seller123")

	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", sellerToken, domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: qty(t, "1")}},
	}, &created)
	if res.Code != http.StatusCreated {
		t.Fatalf("sale creation failed: %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+created.Sale.ID+"/void", sellerToken, domain.VoidSaleRequest{
		Reason: "oops",
	}, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller void, got %d", res.Code)
	}

	adminToken := loginAs(t, api, "admin", "admin123")
	res = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+created.Sale.ID+"/void", adminToken, domain.VoidSaleRequest{
		Reason: "oops",
	}, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin void, got %d (body: %s)", res.Code, res.Body.String())
	}

	// Void of an already voided sale conflicts.
	res = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+created.Sale.ID+"/void", adminToken, domain.VoidSaleRequest{
		Reason: "again",
	}, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double void, got %d", res.Code)
	}
}

func TestHandleQuote(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	var quote domain.PriceQuote
	res := doJSON(t, api, http.MethodGet, "/api/v1/products/prod-almendras/quote?sale_type=retail", token, nil, &quote)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	if quote.UnitPrice.IsZero() || len(quote.Fractions) == 0 {
		t.Fatalf("expected priced quote with fractions, got %+v", quote)
	}
}

func TestHandleUnknownJSONFieldRejected(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"sale_type": "wholesale",
		"bogus":     true,
	}, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestHandleDailySummary(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: qty(t, "1")}},
	}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("sale creation failed: %d", res.Code)
	}

	var summary domain.DaySummary
	res = doJSON(t, api, http.MethodGet, "/api/v1/reports/daily", token, nil, &summary)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if summary.SalesCount != 1 {
		t.Fatalf("expected 1 sale in summary, got %d", summary.SalesCount)
	}
}

func TestHandleAuditLogs_AdminOnly(t *testing.T) {
	api := newTestAPI(t)
	sellerToken := loginAs(t, api, "seller", "seller123")

	res := doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", sellerToken, nil, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller, got %d", res.Code)
	}

	adminToken := loginAs(t, api, "admin", "admin123")
	res = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", adminToken, nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", res.Code)
	}
}

func TestHandleRegisterFlow(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/register/open", token, domain.RegisterOpenRequest{
		OpeningFloat: qty(t, "5000"),
	}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 opening register, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/register/withdrawals", token, domain.RegisterWithdrawRequest{
		Amount: qty(t, "1000"),
		Motive: "cambio",
	}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for withdrawal, got %d (body: %s)", res.Code, res.Body.String())
	}

	var closeBody struct {
		Session domain.RegisterSession `json:"session"`
	}
	res = doJSON(t, api, http.MethodPost, "/api/v1/register/close", token, domain.RegisterCloseRequest{
		CountedCash: qty(t, "4000"),
	}, &closeBody)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 closing register, got %d (body: %s)", res.Code, res.Body.String())
	}
	if closeBody.Session.Status != domain.RegisterStatusClosed {
		t.Fatalf("expected closed session, got %s", closeBody.Session.Status)
	}
}
