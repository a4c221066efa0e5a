package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"mengji/ledger/internal/domain"
	"mengji/ledger/internal/ledger"
	"mengji/ledger/internal/metrics"
	"mengji/ledger/internal/service"
	"mengji/ledger/internal/store"
	"mengji/ledger/internal/xid"
)

const daysPrefix = "/api/v1/days/"

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
	validate      *validator.Validate
	log           *zap.Logger
	metrics       *metrics.Recorder
	gatherer      prometheus.Gatherer
}

// New builds the HTTP surface. A nil gatherer leaves /metrics unmounted.
func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *zap.Logger, rec *metrics.Recorder, gatherer prometheus.Gatherer) *API {
	if log == nil {
		log = zap.NewNop()
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		log.Warn("crypto/rand unavailable, using fallback csrf secret", zap.Error(err))
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
		validate:      validator.New(),
		log:           log,
		metrics:       rec,
		gatherer:      gatherer,
	}
}

// csrfTokenForHour computes a hex HMAC-SHA256 token for one hour bucket
// (Unix time truncated to the hour).
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts tokens from the current or previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
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

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc(daysPrefix, a.requireAuth(a.handleDays, domain.RoleOwner, domain.RoleStaff))
	mux.HandleFunc("/api/v1/users/staff", a.requireAuth(a.handleStaff, domain.RoleOwner))

	if a.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, ledger.ErrAuthRequired)
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
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"at":    time.Now().UTC().Format(time.RFC3339),
		"today": a.service.Today(),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := a.decodeValid(r, &req); err != nil {
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

// handleCSRFToken returns a stateless token clients echo back in
// X-CSRF-Token on every mutating request.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// checkCSRF enforces the CSRF token on POST/PUT/PATCH. It writes the error
// response itself and reports whether the request may proceed.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		a.writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

// handleDays routes everything under /api/v1/days/{date}.
func (a *API) handleDays(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, daysPrefix), "/")
	if rest == "" {
		a.writeError(w, http.StatusNotFound, errors.New("date is required"))
		return
	}
	parts := strings.Split(rest, "/")
	date := parts[0]

	switch {
	case len(parts) == 1:
		a.handleDay(w, r, date)
	case len(parts) == 2 && parts[1] == "fields":
		a.handleDayField(w, r, date)
	case len(parts) == 4 && parts[1] == "modules" && parts[3] == "submit":
		a.handleModuleSubmit(w, r, date, parts[2])
	case len(parts) == 2 && parts[1] == "finalize":
		a.handleFinalize(w, r, date, a.service.RequestFinalize)
	case len(parts) == 3 && parts[1] == "finalize" && parts[2] == "confirm":
		a.handleFinalize(w, r, date, a.service.ConfirmFinalize)
	case len(parts) == 3 && parts[1] == "finalize" && parts[2] == "cancel":
		a.handleFinalize(w, r, date, a.service.CancelFinalize)
	case len(parts) == 2 && parts[1] == "summary":
		a.handleSummary(w, r, date)
	default:
		a.writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

func (a *API) handleDay(w http.ResponseWriter, r *http.Request, date string) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	view, err := a.service.GetDay(r.Context(), date)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": view})
}

func (a *API) handleDayField(w http.ResponseWriter, r *http.Request, date string) {
	if r.Method != http.MethodPatch {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.FieldUpdateRequest
	if err := a.decodeValid(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.UpdateField(r.Context(), date, req)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": view})
}

func (a *API) handleModuleSubmit(w http.ResponseWriter, r *http.Request, date string, module string) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	view, err := a.service.SubmitModule(r.Context(), date, module)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": view})
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request, date string, step func(ctx context.Context, date string) (domain.DayView, error)) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	view, err := step(r.Context(), date)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": view})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request, date string) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	summary, err := a.service.Summary(r.Context(), date)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}

	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	switch format {
	case "csv":
		body, err := summaryToCSV(summary)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"day-summary-%s.csv\"", summary.RecordDate))
		_, _ = w.Write(body)
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(summaryToPrintableHTML(summary)))
	case "xlsx":
		body, err := summaryToXLSX(summary)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"day-summary-%s.xlsx\"", summary.RecordDate))
		_, _ = w.Write(body)
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
	default:
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported format %q", format))
	}
}

func (a *API) handleStaff(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"staff": a.auth.ListStaff(r.Context())})
	case http.MethodPost:
		var req domain.StaffCreateRequest
		if err := a.decodeValid(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}

		user, err := a.auth.CreateStaff(r.Context(), req)
		if errors.Is(err, ErrUsernameTaken) {
			a.writeError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"staff": user})
	default:
		a.writeMethodNotAllowed(w)
	}
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
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = xid.New("req")
		}
		w.Header().Set("X-Request-ID", requestID)

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		a.metrics.HTTPRequest(routeLabel(r.URL.Path), rec.status, elapsed)
		a.log.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

// routeLabel keeps metric label cardinality bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, daysPrefix):
		return "/api/v1/days"
	case path == "/healthz", path == "/metrics", path == "/api/v1/auth/login",
		path == "/api/v1/auth/csrf-token", path == "/api/v1/users/staff":
		return path
	}
	return "other"
}

func summaryToCSV(summary domain.DaySummary) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write([]string{"section", "key", "value"})
	_ = cw.Write([]string{"day", "record_date", summary.RecordDate})
	_ = cw.Write([]string{"day", "user_id", summary.UserID})
	for _, line := range summary.Lines {
		_ = cw.Write([]string{line.Section, line.Key, line.Value})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const xlsxSheet = "Summary"

func summaryToXLSX(summary domain.DaySummary) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return nil, err
	}
	rows := [][]any{
		{"section", "key", "value"},
		{"day", "record_date", summary.RecordDate},
		{"day", "user_id", summary.UserID},
	}
	for _, line := range summary.Lines {
		rows = append(rows, []any{line.Section, line.Key, line.Value})
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// summaryHTMLTmpl renders the printable day summary. html/template escapes
// the free-text expense names.
var summaryHTMLTmpl = template.Must(template.New("day-summary").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Day Summary {{.RecordDate}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    h2, h3 { margin-bottom: 4px; }
  </style>
</head>
<body>
  <h2>Day Summary {{.RecordDate}}</h2>
  <p>Income: {{.TotalIncome.StringFixed 2}} | Expenses: {{.TotalExpense.StringFixed 2}} | COGS: {{.CogsToday.StringFixed 2}} | Profit: {{.EstimatedProfit.StringFixed 2}}</p>
  <p>Units sold: {{.UnitsSold}}</p>

  <h3>Detail</h3>
  <table>
    <thead><tr><th>Section</th><th>Field</th><th>Value</th></tr></thead>
    <tbody>{{range .Lines}}<tr><td>{{.Section}}</td><td>{{.Key}}</td><td style="text-align:right;">{{.Value}}</td></tr>{{end}}</tbody>
  </table>
</body>
</html>
`))

func summaryToPrintableHTML(summary domain.DaySummary) string {
	var buf bytes.Buffer
	if err := summaryHTMLTmpl.Execute(&buf, summary); err != nil {
		return "<!doctype html><html><body><p>Summary rendering error.</p></body></html>"
	}
	return buf.String()
}

// decodeValid decodes a strict JSON body and runs the struct's validate tags.
func (a *API) decodeValid(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	if err := a.validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %s", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return err
	}
	return nil
}

// statusFor maps ledger and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInvalidValue),
		errors.Is(err, ledger.ErrUnknownColumn),
		errors.Is(err, ledger.ErrInvalidDate),
		errors.Is(err, store.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrEmptySubmission),
		errors.Is(err, ledger.ErrFutureDate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrModuleLocked),
		errors.Is(err, ledger.ErrDayLocked),
		errors.Is(err, ledger.ErrInFlight),
		errors.Is(err, ledger.ErrNotPending),
		errors.Is(err, ledger.ErrNotLocked):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeLedgerError surfaces store failures with the message, code and detail
// the store reported, so the user can act on them.
func (a *API) writeLedgerError(w http.ResponseWriter, err error) {
	var perr *store.PersistenceError
	if errors.As(err, &perr) {
		a.log.Warn("store write failed", zap.String("op", perr.Op), zap.String("code", perr.Code), zap.Error(err))
		msg := perr.Message
		if msg == "" {
			msg = "store unavailable"
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  msg,
			"code":   perr.Code,
			"detail": perr.Detail,
		})
		return
	}
	a.writeError(w, statusFor(err), err)
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError returns the error text for 4xx responses and a generic message
// for 5xx, which are logged instead.
func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		a.log.Error("internal error", zap.Int("status", status), zap.Error(err))
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
