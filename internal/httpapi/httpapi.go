package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"kasirledger/backend/internal/command"
	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/idempotency"
	"kasirledger/backend/internal/service"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	commands      *command.Dispatcher
	auth          *AuthManager
	idempotency   idempotency.Store
	allowedOrigin string
	logger        *zap.Logger
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

type Options struct {
	AllowedOrigin string
	Idempotency   idempotency.Store
	Logger        *zap.Logger
}

func New(svc *service.Service, commands *command.Dispatcher, auth *AuthManager, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idem := opts.Idempotency
	if idem == nil {
		idem = idempotency.NewMemoryStore(idempotency.DefaultTTL)
	}
	return &API{
		service:       svc,
		commands:      commands,
		auth:          auth,
		idempotency:   idem,
		allowedOrigin: opts.AllowedOrigin,
		logger:        logger,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"Idempotent-Replayed"},
		MaxAge:         300,
	}))
	r.Use(limitBody)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Post("/commands/{name}", a.requireAuth(a.idempotent(a.handleCommand), RoleCashier, RoleAdmin))

		r.Route("/sales", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.idempotent(a.handleCreateSale), RoleCashier, RoleAdmin))
			r.Get("/{id}", a.requireAuth(a.handleGetSale, RoleCashier, RoleAdmin))
			r.Post("/{id}/refund", a.requireAuth(a.idempotent(a.handleRefund), RoleAdmin))
			r.Post("/{id}/refund-items", a.requireAuth(a.idempotent(a.handleRefundItems), RoleAdmin))
		})

		r.Route("/stock/movements", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.idempotent(a.handleStockMovement), RoleAdmin))
			r.Post("/bulk", a.requireAuth(a.idempotent(a.handleBulkStockMovements), RoleAdmin))
		})

		r.Route("/variants/{id}", func(r chi.Router) {
			r.Get("/", a.requireAuth(a.handleGetVariant, RoleCashier, RoleAdmin))
			r.Get("/movements", a.requireAuth(a.handleListMovements, RoleCashier, RoleAdmin))
		})

		r.Route("/customers/{id}", func(r chi.Router) {
			r.Get("/", a.requireAuth(a.handleGetCustomer, RoleCashier, RoleAdmin))
			r.Post("/recompute", a.requireAuth(a.idempotent(a.handleRecomputeCustomer), RoleAdmin))
		})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "route not found"})
	})
	return r
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCommand runs any named command. Only sales are open to cashiers, and
// refund commands need the manager PIN in their payload.
func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.commands.Has(name) {
		a.writeError(w, http.StatusNotFound, errors.New("unknown command"))
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	if name != command.CreateSaleTransaction && actor.Role != RoleAdmin {
		a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	if name == command.RefundTransaction || name == command.RefundItems {
		var pin struct {
			ManagerPIN string `json:"manager_pin"`
		}
		_ = json.Unmarshal(payload, &pin)
		if !a.checkManagerPIN(w, r, pin.ManagerPIN) {
			return
		}
	}

	a.writeEnvelope(w, http.StatusOK, a.commands.Dispatch(r.Context(), name, payload))
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.dispatch(w, r, http.StatusCreated, command.CreateSaleTransaction, req)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetSaleTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, statusFor(command.Classify(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	req.TransactionID = chi.URLParam(r, "id")
	req.ManagerPIN = ""
	a.dispatch(w, r, http.StatusOK, command.RefundTransaction, req)
}

func (a *API) handleRefundItems(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundItemsRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	req.TransactionID = chi.URLParam(r, "id")
	req.ManagerPIN = ""
	a.dispatch(w, r, http.StatusOK, command.RefundItems, req)
}

func (a *API) handleStockMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.StockMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.dispatch(w, r, http.StatusCreated, command.RecordStockMovement, req)
}

func (a *API) handleBulkStockMovements(w http.ResponseWriter, r *http.Request) {
	var req domain.BulkStockMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.dispatch(w, r, http.StatusCreated, command.BulkRecordStockMovements, req)
}

func (a *API) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	variant, err := a.service.GetVariant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, statusFor(command.Classify(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variant": variant})
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	movements, err := a.service.ListStockMovements(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.writeError(w, statusFor(command.Classify(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := a.service.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, statusFor(command.Classify(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleRecomputeCustomer(w http.ResponseWriter, r *http.Request) {
	a.dispatch(w, r, http.StatusOK, command.RecomputeCustomerTotal, domain.RecomputeCustomerRequest{
		CustomerID: chi.URLParam(r, "id"),
	})
}

func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, pin string) bool {
	if !a.pinLimiter.Allow("pin:refund:" + clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		a.writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

// dispatch hands an already decoded request to the command layer.
func (a *API) dispatch(w http.ResponseWriter, r *http.Request, okStatus int, name string, req any) {
	payload, err := json.Marshal(req)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeEnvelope(w, okStatus, a.commands.Dispatch(r.Context(), name, payload))
}

func (a *API) writeEnvelope(w http.ResponseWriter, okStatus int, env command.Envelope) {
	status := okStatus
	if !env.OK {
		status = statusFor(env.Code)
	}
	writeJSON(w, status, env)
}

func statusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case command.CodeValidation:
		return http.StatusBadRequest
	case command.CodeNotFound:
		return http.StatusNotFound
	case command.CodeConflict:
		return http.StatusConflict
	case command.CodeRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// readBody returns the request body and puts an identical reader back.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry driver or file system details.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
