package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/backend/internal/command"
	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/idempotency"
	"kasirledger/backend/internal/service"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager,
// real Service and command dispatcher so handler tests exercise the
// complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	logger := zaptest.NewLogger(t)
	repo := memory.NewSeeded(logger)
	svc := service.New(repo, nil, nil, logger, store.TxOptions{})
	commands := command.NewDispatcher(svc, logger)
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, commands, auth, Options{AllowedOrigin: "*", Logger: logger})
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

type call struct {
	method string
	path   string
	body   string
	token  string
	key    string
}

func do(t *testing.T, handler http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if c.body != "" {
		body = bytes.NewReader([]byte(c.body))
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.key != "" {
		req.Header.Set(idempotencyHeader, c.key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope[T any](t *testing.T, rec *httptest.ResponseRecorder) (command.Envelope, T) {
	t.Helper()
	var raw struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
		Code  string          `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw), rec.Body.String())
	env := command.Envelope{OK: raw.OK, Error: raw.Error, Code: raw.Code}
	var data T
	if raw.OK {
		require.NoError(t, json.Unmarshal(raw.Data, &data))
	}
	return env, data
}

const kopiSale = `{
	"items": [{"product_id":"prod-kopi","variant_id":"var-kopi-250","quantity":2,"unit_price":"85000"}],
	"transaction": {"customer_id":"cust-sari","payment_method":"cash","subtotal":"170000","tax":"0","total":"170000"}
}`

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

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
	handler := newTestAPI(t).Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.AccessToken == "" || resp.Role != RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := do(t, handler, call{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   `{"username":"admin","password":"wrong"}`,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLedgerRoutesRequireAuth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	for _, c := range []call{
		{method: http.MethodGet, path: "/api/v1/variants/var-kopi-250"},
		{method: http.MethodPost, path: "/api/v1/sales", body: kopiSale},
		{method: http.MethodPost, path: "/api/v1/commands/createSaleTransaction", body: kopiSale, token: "not-a-token"},
	} {
		rec := do(t, handler, c)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", c.method, c.path)
	}
}

func TestSaleAndRefundFlow(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashier := login(t, handler, "cashier", "cashier123")
	admin := login(t, handler, "admin", "admin123")

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/v1/sales", body: kopiSale, token: cashier})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	env, sale := decodeEnvelope[domain.CreateSaleResponse](t, rec)
	require.True(t, env.OK)
	assert.Equal(t, "cashier", sale.Transaction.UserID)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Transaction.Status)
	require.Len(t, sale.Items, 1)

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/v1/variants/var-kopi-250", token: cashier})
	require.Equal(t, http.StatusOK, rec.Code)
	var variant struct {
		Variant domain.Variant `json:"variant"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &variant))
	assert.Equal(t, 46, variant.Variant.Stock)

	refundPath := fmt.Sprintf("/api/v1/sales/%s/refund-items", sale.Transaction.ID)
	refundBody := fmt.Sprintf(`{"manager_pin":"123456","items":[{"sale_item_id":%q,"quantity":1}]}`, sale.Items[0].ID)

	rec = do(t, handler, call{method: http.MethodPost, path: refundPath, body: refundBody, token: cashier})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, handler, call{method: http.MethodPost, path: refundPath, body: refundBody, token: admin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, refund := decodeEnvelope[domain.RefundResponse](t, rec)
	assert.Equal(t, domain.SaleStatusPartiallyRefunded, refund.Transaction.Status)

	rec = do(t, handler, call{
		method: http.MethodPost,
		path:   fmt.Sprintf("/api/v1/sales/%s/refund", sale.Transaction.ID),
		body:   `{"manager_pin":"123456"}`,
		token:  admin,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, refund = decodeEnvelope[domain.RefundResponse](t, rec)
	assert.Equal(t, domain.SaleStatusRefunded, refund.Transaction.Status)

	rec = do(t, handler, call{
		method: http.MethodPost,
		path:   fmt.Sprintf("/api/v1/sales/%s/refund", sale.Transaction.ID),
		body:   `{"manager_pin":"123456"}`,
		token:  admin,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	env, _ = decodeEnvelope[domain.RefundResponse](t, rec)
	assert.Equal(t, command.CodeConflict, env.Code)

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/v1/variants/var-kopi-250/movements?limit=10", token: admin})
	require.Equal(t, http.StatusOK, rec.Code)
	var movements struct {
		Movements []domain.StockMovement `json:"movements"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &movements))
	assert.Len(t, movements.Movements, 3)

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/v1/sales/" + sale.Transaction.ID, token: cashier})
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched struct {
		Transaction domain.SaleTransaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, domain.SaleStatusRefunded, fetched.Transaction.Status)
}

func TestRefundRequiresManagerPIN(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/v1/sales", body: kopiSale, token: admin})
	require.Equal(t, http.StatusCreated, rec.Code)
	_, sale := decodeEnvelope[domain.CreateSaleResponse](t, rec)

	rec = do(t, handler, call{
		method: http.MethodPost,
		path:   fmt.Sprintf("/api/v1/sales/%s/refund", sale.Transaction.ID),
		body:   `{"manager_pin":"000000"}`,
		token:  admin,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, handler, call{
		method: http.MethodPost,
		path:   "/api/v1/commands/refundTransaction",
		body:   fmt.Sprintf(`{"transaction_id":%q}`, sale.Transaction.ID),
		token:  admin,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, handler, call{
		method: http.MethodPost,
		path:   "/api/v1/commands/refundTransaction",
		body:   fmt.Sprintf(`{"transaction_id":%q,"manager_pin":"123456"}`, sale.Transaction.ID),
		token:  admin,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, refund := decodeEnvelope[domain.RefundResponse](t, rec)
	assert.Equal(t, domain.SaleStatusRefunded, refund.Transaction.Status)
}

func TestCommandRouteEnforcesRoles(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashier := login(t, handler, "cashier", "cashier123")
	admin := login(t, handler, "admin", "admin123")

	movement := `{"variant_id":"var-tote-hitam","mode":"add","value":5,"reason":"restock"}`

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/v1/commands/recordStockMovement", body: movement, token: cashier})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/v1/stock/movements", body: movement, token: cashier})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/v1/commands/recordStockMovement", body: movement, token: admin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, resp := decodeEnvelope[domain.StockMovementResponse](t, rec)
	assert.Equal(t, 13, resp.Variant.Stock)
	assert.Equal(t, "admin", resp.Movement.UserID)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/v1/commands/dropTables", body: `{}`, token: admin})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/v1/commands/createSaleTransaction", body: kopiSale, token: cashier})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEnvelopeStatusMapping(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")

	cases := map[string]struct {
		c      call
		status int
		code   string
	}{
		"validation": {
			c:      call{method: http.MethodPost, path: "/api/v1/stock/movements", body: `{"variant_id":"var-kopi-250","mode":"set","value":-1,"reason":"count"}`},
			status: http.StatusBadRequest,
			code:   command.CodeValidation,
		},
		"not found": {
			c:      call{method: http.MethodPost, path: "/api/v1/customers/cust-ghost/recompute"},
			status: http.StatusNotFound,
			code:   command.CodeNotFound,
		},
		"insufficient stock": {
			c: call{method: http.MethodPost, path: "/api/v1/sales", body: `{
				"items": [{"product_id":"prod-totebag","variant_id":"var-tote-hitam","quantity":9,"unit_price":"1"}],
				"transaction": {"subtotal":"9","tax":"0","total":"9"}
			}`},
			status: http.StatusConflict,
			code:   command.CodeConflict,
		},
	}
	for label, tc := range cases {
		t.Run(label, func(t *testing.T) {
			tc.c.token = admin
			rec := do(t, handler, tc.c)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			env, _ := decodeEnvelope[json.RawMessage](t, rec)
			assert.False(t, env.OK)
			assert.Equal(t, tc.code, env.Code)
		})
	}

	rec := do(t, handler, call{method: http.MethodGet, path: "/api/v1/customers/cust-ghost", token: admin})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")

	first := do(t, handler, call{method: http.MethodPost, path: "/api/v1/sales", body: kopiSale, token: admin, key: "sale-001"})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get("Idempotent-Replayed"))

	second := do(t, handler, call{method: http.MethodPost, path: "/api/v1/sales", body: kopiSale, token: admin, key: "sale-001"})
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	rec := do(t, handler, call{method: http.MethodGet, path: "/api/v1/variants/var-kopi-250", token: admin})
	var variant struct {
		Variant domain.Variant `json:"variant"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &variant))
	assert.Equal(t, 46, variant.Variant.Stock, "replay must not deduct stock twice")

	other := do(t, handler, call{
		method: http.MethodPost,
		path:   "/api/v1/stock/movements",
		body:   `{"variant_id":"var-kopi-250","mode":"add","value":1,"reason":"restock"}`,
		token:  admin,
		key:    "sale-001",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, other.Code)
}

func TestIdempotencyKeyPendingAndScopedPerUser(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := login(t, handler, "admin", "admin123")
	cashier := login(t, handler, "cashier", "cashier123")

	fp := idempotency.Fingerprint(http.MethodPost, "/api/v1/sales", []byte(kopiSale))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, reserved, err := api.idempotency.Reserve(ctx, "admin:in-flight", fp)
	require.NoError(t, err)
	require.True(t, reserved)

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/v1/sales", body: kopiSale, token: admin, key: "in-flight"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/v1/sales", body: kopiSale, token: cashier, key: "in-flight"})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestIdempotencyKeyStoresClientErrors(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")

	body := `{"variant_id":"var-kopi-250","mode":"remove","value":49,"reason":"damaged"}`
	rec := do(t, handler, call{method: http.MethodPost, path: "/api/v1/stock/movements", body: body, token: admin, key: "shrink-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/v1/stock/movements", body: body, token: admin, key: "shrink-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'k'
	}
	rec = do(t, handler, call{method: http.MethodPost, path: "/api/v1/stock/movements", body: body, token: admin, key: string(long)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash does not match: %v", err)
	}
}
