package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/reporting"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	products      *service.ProductService
	transactions  *service.TransactionService
	reports       *reporting.Engine
	auth          *AuthManager
	allowedOrigin string
	logger        *zap.Logger
	loginLimiter  *attemptLimiter
	now           func() time.Time
}

type Services struct {
	Products     *service.ProductService
	Transactions *service.TransactionService
	Reports      *reporting.Engine
}

func New(svcs Services, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		products:      svcs.Products,
		transactions:  svcs.Transactions,
		reports:       svcs.Reports,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger.Named("http"),
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		now:           func() time.Time { return time.Now().UTC() },
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

// Allow records an attempt for key and reports whether it is within budget.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
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
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)

	anyone := []string{RoleCashier, RoleAdmin}
	mux.HandleFunc("GET /api/products", a.requireAuth(a.handleListProducts, anyone...))
	mux.HandleFunc("POST /api/products", a.requireAuth(a.handleCreateProduct, RoleAdmin))
	mux.HandleFunc("GET /api/products/low-stock", a.requireAuth(a.handleLowStock, anyone...))
	mux.HandleFunc("GET /api/products/{id}", a.requireAuth(a.handleGetProduct, anyone...))
	mux.HandleFunc("PATCH /api/products/{id}", a.requireAuth(a.handleUpdateProduct, RoleAdmin))
	mux.HandleFunc("DELETE /api/products/{id}", a.requireAuth(a.handleDeleteProduct, RoleAdmin))
	mux.HandleFunc("POST /api/products/{id}/restock", a.requireAuth(a.handleRestockProduct, RoleAdmin))

	mux.HandleFunc("GET /api/transactions", a.requireAuth(a.handleListTransactions, anyone...))
	mux.HandleFunc("POST /api/transactions", a.requireAuth(a.handleCreateTransaction, anyone...))
	mux.HandleFunc("GET /api/transactions/stats", a.requireAuth(a.handleTransactionStats, anyone...))
	mux.HandleFunc("GET /api/transactions/{id}", a.requireAuth(a.handleGetTransaction, anyone...))
	mux.HandleFunc("POST /api/transactions/{id}/cancel", a.requireAuth(a.handleCancelTransaction, anyone...))

	mux.HandleFunc("GET /api/dashboard", a.requireAuth(a.handleDashboard, anyone...))
	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
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

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": a.now().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := a.products.ListProducts(r.Context(),
		strings.TrimSpace(q.Get("search")),
		parsePositiveLimit(q.Get("page"), 1, 0),
		parsePositiveLimit(q.Get("limit"), 10, 100),
	)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.products.CreateProduct(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := a.products.LowStockProducts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.products.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.products.UpdateProduct(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.products.DeleteProduct(r.Context(), r.PathValue("id")); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "product deleted"})
}

func (a *API) handleRestockProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.RestockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.products.RestockProduct(r.Context(), r.PathValue("id"), req.Quantity)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseWindow(q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	page, err := a.transactions.ListTransactions(r.Context(), service.ListTransactionsQuery{
		Page:          parsePositiveLimit(q.Get("page"), 1, 0),
		Limit:         parsePositiveLimit(q.Get("limit"), 10, 100),
		Status:        domain.Status(strings.TrimSpace(q.Get("status"))),
		PaymentMethod: domain.PaymentMethod(strings.TrimSpace(q.Get("paymentMethod"))),
		From:          from,
		To:            to,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := a.transactions.CreateTransaction(r.Context(), req)
	if err != nil {
		a.failCreate(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// failCreate reports an unknown product in the cart as a bad request, not a
// missing resource. Storage failures, including incomplete rollbacks that
// wrap the not-found cause, stay 500.
func (a *API) failCreate(w http.ResponseWriter, r *http.Request, err error) {
	var missing *store.ProductNotFoundError
	if !errors.Is(err, store.ErrStorage) && errors.As(err, &missing) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.fail(w, r, err)
}

func (a *API) handleTransactionStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseWindow(q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	stats, err := a.reports.TransactionStats(r.Context(), from, to)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.transactions.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.transactions.CancelTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := a.reports.DashboardSnapshot(r.Context(), a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		reqLogger := a.logger.With(zap.String("method", r.Method), zap.String("path", r.URL.Path))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r.WithContext(logging.WithContext(r.Context(), reqLogger)))
		reqLogger.Info("request",
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
}

// statusFor maps the ledger error taxonomy onto HTTP status codes. Storage
// failures are checked first because a failed rollback also carries the
// business error that triggered it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrStorage):
		return http.StatusInternalServerError
	case errors.Is(err, store.ErrInvalid),
		errors.Is(err, store.ErrOutOfStock),
		errors.Is(err, store.ErrAlreadyCancelled),
		errors.Is(err, store.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), a.logger).Error("request failed", zap.Error(err))
		writeJSON(w, status, map[string]any{"message": "internal server error"})
		return
	}
	var verr *store.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, map[string]any{"message": verr.Error(), "errors": verr.Problems})
		return
	}
	writeError(w, status, err)
}

// parseWindow reads optional startDate/endDate query values. Both accept
// RFC 3339 or a bare date; a bare endDate covers the whole day.
func parseWindow(rawStart, rawEnd string) (*time.Time, *time.Time, error) {
	start, err := parseDate("startDate", rawStart, false)
	if err != nil {
		return nil, nil, err
	}
	end, err := parseDate("endDate", rawEnd, true)
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func parseDate(field, raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, store.NewValidationError(field, fmt.Sprintf("%q is not a date", raw))
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
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

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
