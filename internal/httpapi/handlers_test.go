package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"mengji/ledger/internal/domain"
	"mengji/ledger/internal/ledger"
	"mengji/ledger/internal/metrics"
	"mengji/ledger/internal/service"
	"mengji/ledger/internal/store"
	"mengji/ledger/internal/store/memory"
)

// newTestAPI builds the full API over a seeded in-memory store so handler
// tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	repo := seededStore(t)
	return newTestAPIWithGateway(t, repo, repo)
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	t.Setenv("SEED_OWNER_PASSWORD", "owner123")
	t.Setenv("SEED_STAFF_PASSWORD", "staff123")
	return memory.NewSeeded(zap.NewNop())
}

func newTestAPIWithGateway(t *testing.T, gw store.Gateway, users store.UserStore) *API {
	t.Helper()
	registry := prometheus.NewRegistry()
	rec := metrics.New(registry)
	book := ledger.NewBook(ledger.Options{
		Gateway:  gw,
		Metrics:  rec,
		Logger:   zap.NewNop(),
		Location: time.UTC,
	})
	svc := service.New(book, zap.NewNop())
	auth := NewAuthManager("test-secret-key", time.Hour, users, zap.NewNop())
	return New(svc, auth, "*", zap.NewNop(), rec, registry)
}

// failingGateway rejects every module save the way postgres reports a
// violated check constraint.
type failingGateway struct {
	*memory.Store
}

func (failingGateway) UpsertModule(context.Context, domain.ModulePatch) error {
	return &store.PersistenceError{
		Op:      "upsert module",
		Message: `new row violates check constraint "daily_records_exp_raw_veg_check"`,
		Code:    "23514",
		Detail:  "Failing row contains (...)",
	}
}

type session struct {
	api   *API
	token string
	csrf  string
}

func newSession(t *testing.T, api *API, username, password string) session {
	t.Helper()
	return session{api: api, token: login(t, api, username, password), csrf: fetchCSRFToken(t, api)}
}

func (s session) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("X-CSRF-Token", s.csrf)
	rec := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(rec, req)
	return rec
}

func (s session) setField(t *testing.T, module, column, value string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPatch, "/api/v1/days/today/fields", map[string]string{
		"module": module,
		"column": column,
		"value":  value,
	})
}

func decodeDay(t *testing.T, rec *httptest.ResponseRecorder) domain.DayView {
	t.Helper()
	var body struct {
		Day domain.DayView `json:"day"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode day: %v", err)
	}
	return body.Day
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d (body: %s)", want, rec.Code, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusOK)
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
	if body["today"] == "" || body["today"] == nil {
		t.Fatalf("expected today in health body, got %v", body)
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected a JWT, got %q", token)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	payload, _ := json.Marshal(domain.LoginRequest{Username: "owner", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestHandleLogin_MissingFieldsRejected(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"username":"owner"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusBadRequest)
}

func TestDaysRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/days/today", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusUnauthorized)
	if !strings.Contains(rec.Body.String(), ledger.ErrAuthRequired.Error()) {
		t.Fatalf("expected auth required message, got %s", rec.Body.String())
	}
}

func TestDayLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	s := newSession(t, api, "staff", "staff123")

	expectStatus(t, s.setField(t, "income", "income_wechat", "¥100"), http.StatusOK)
	expectStatus(t, s.setField(t, "raw", "exp_raw_veg", "20"), http.StatusOK)
	step := s.do(t, http.MethodPatch, "/api/v1/days/today/fields", map[string]any{
		"module": "bing", "column": "sku_roubing", "delta": 3,
	})
	expectStatus(t, step, http.StatusOK)

	rec := s.do(t, http.MethodPost, "/api/v1/days/today/modules/income/submit", nil)
	expectStatus(t, rec, http.StatusOK)
	view := decodeDay(t, rec)
	if len(view.LockedModules) != 1 || view.LockedModules[0] != domain.ModuleIncome {
		t.Fatalf("expected income locked, got %v", view.LockedModules)
	}

	// A saved module is read-only.
	expectStatus(t, s.setField(t, "income", "income_cash", "5"), http.StatusConflict)

	rec = s.do(t, http.MethodPost, "/api/v1/days/today/finalize", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeDay(t, rec).Phase; got != domain.PhasePendingConfirmation {
		t.Fatalf("expected pending confirmation, got %s", got)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/days/today/finalize/confirm", nil)
	expectStatus(t, rec, http.StatusOK)
	view = decodeDay(t, rec)
	if view.Phase != domain.PhaseLocked || !view.Record.IsLocked {
		t.Fatalf("expected locked day, got phase %s locked %v", view.Phase, view.Record.IsLocked)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/days/today/summary", nil)
	expectStatus(t, rec, http.StatusOK)
	var body struct {
		Summary domain.DaySummary `json:"summary"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if !body.Summary.TotalIncome.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected income 100, got %s", body.Summary.TotalIncome)
	}
	if !body.Summary.EstimatedProfit.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected profit 80, got %s", body.Summary.EstimatedProfit)
	}
	if body.Summary.UnitsSold != 3 {
		t.Fatalf("expected 3 units sold, got %d", body.Summary.UnitsSold)
	}

	expectStatus(t, s.setField(t, "tang", "sku_hundun", "1"), http.StatusConflict)
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/days/today/modules/tang/submit", nil), http.StatusConflict)
}

func TestFinalizeEmptyDayIsUnprocessable(t *testing.T) {
	api := newTestAPI(t)
	s := newSession(t, api, "staff", "staff123")

	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/days/today/finalize", nil), http.StatusUnprocessableEntity)
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/days/today/finalize/confirm", nil), http.StatusConflict)
}

func TestCancelFinalizeReturnsToOpen(t *testing.T) {
	api := newTestAPI(t)
	s := newSession(t, api, "staff", "staff123")

	expectStatus(t, s.setField(t, "income", "income_cash", "12"), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/days/today/finalize", nil), http.StatusOK)

	rec := s.do(t, http.MethodPost, "/api/v1/days/today/finalize/cancel", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeDay(t, rec).Phase; got != domain.PhaseOpen {
		t.Fatalf("expected open after cancel, got %s", got)
	}
}

func TestDraftDayOmitsUnsetTimestamps(t *testing.T) {
	api := newTestAPI(t)
	s := newSession(t, api, "staff", "staff123")

	rec := s.do(t, http.MethodGet, "/api/v1/days/today", nil)
	expectStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	if strings.Contains(body, "created_at") || strings.Contains(body, "0001-01-01") {
		t.Fatalf("expected draft view without zero timestamps, got %s", body)
	}
}

func TestSummaryBeforeLockConflicts(t *testing.T) {
	api := newTestAPI(t)
	s := newSession(t, api, "staff", "staff123")

	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/days/today/summary", nil), http.StatusConflict)
}

func TestDayRequestValidation(t *testing.T) {
	api := newTestAPI(t)
	s := newSession(t, api, "staff", "staff123")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown module", http.MethodPost, "/api/v1/days/today/modules/dessert/submit", nil, http.StatusBadRequest},
		{"malformed date", http.MethodGet, "/api/v1/days/19-10-2026", nil, http.StatusBadRequest},
		{"future date", http.MethodGet, "/api/v1/days/2999-01-01", nil, http.StatusUnprocessableEntity},
		{"unknown column", http.MethodPatch, "/api/v1/days/today/fields", map[string]string{"module": "raw", "column": "exp_raw_fish", "value": "1"}, http.StatusBadRequest},
		{"module outside enum", http.MethodPatch, "/api/v1/days/today/fields", map[string]string{"module": "drinks", "column": "x", "value": "1"}, http.StatusBadRequest},
		{"value and delta missing", http.MethodPatch, "/api/v1/days/today/fields", map[string]string{"module": "raw", "column": "exp_raw_veg"}, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/api/v1/days/today/ledger", nil, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/api/v1/days/today/finalize", nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, s.do(t, tc.method, tc.path, tc.body), tc.want)
		})
	}
}

func TestPersistenceErrorSurfacesStoreDetail(t *testing.T) {
	repo := seededStore(t)
	api := newTestAPIWithGateway(t, failingGateway{Store: repo}, repo)
	s := newSession(t, api, "staff", "staff123")

	expectStatus(t, s.setField(t, "raw", "exp_raw_veg", "20"), http.StatusOK)
	rec := s.do(t, http.MethodPost, "/api/v1/days/today/modules/raw/submit", nil)
	expectStatus(t, rec, http.StatusBadGateway)

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["code"] != "23514" {
		t.Fatalf("expected store code, got %v", body)
	}
	if !strings.Contains(body["error"], "check constraint") || body["detail"] == "" {
		t.Fatalf("expected store message and detail, got %v", body)
	}

	// The module stays editable after a failed save.
	expectStatus(t, s.setField(t, "raw", "exp_raw_veg", "25"), http.StatusOK)
}

func lockedSession(t *testing.T) session {
	t.Helper()
	api := newTestAPI(t)
	s := newSession(t, api, "staff", "staff123")
	expectStatus(t, s.setField(t, "income", "income_alipay", "150.5"), http.StatusOK)
	expectStatus(t, s.setField(t, "other", "exp_other_name", "napkins, large"), http.StatusOK)
	expectStatus(t, s.setField(t, "other", "exp_other_amount", "9.5"), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/days/today/finalize", nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/days/today/finalize/confirm", nil), http.StatusOK)
	return s
}

func TestSummaryCSV(t *testing.T) {
	s := lockedSession(t)

	rec := s.do(t, http.MethodGet, "/api/v1/days/today/summary?format=csv", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("expected csv content type, got %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "day-summary-") {
		t.Fatalf("expected attachment filename, got %q", got)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"section,key,value\n",
		"income,total_income,150.50\n",
		"other,exp_other_name,\"napkins, large\"\n",
		"summary,estimated_profit,150.50\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in csv:\n%s", want, body)
		}
	}
}

func TestSummaryHTMLEscapesNames(t *testing.T) {
	api := newTestAPI(t)
	s := newSession(t, api, "staff", "staff123")
	expectStatus(t, s.setField(t, "cons", "exp_cons_name", "<b>gloves</b>"), http.StatusOK)
	expectStatus(t, s.setField(t, "cons", "exp_cons_amount", "30"), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/days/today/finalize", nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/days/today/finalize/confirm", nil), http.StatusOK)

	rec := s.do(t, http.MethodGet, "/api/v1/days/today/summary?format=html", nil)
	expectStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	if !strings.Contains(body, "Day Summary") {
		t.Fatalf("expected printable summary, got %s", body)
	}
	if strings.Contains(body, "<b>gloves</b>") {
		t.Fatalf("expected expense name to be escaped")
	}
}

func TestSummaryXLSX(t *testing.T) {
	s := lockedSession(t)

	rec := s.do(t, http.MethodGet, "/api/v1/days/today/summary?format=xlsx", nil)
	expectStatus(t, rec, http.StatusOK)

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(xlsxSheet)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) < 4 || rows[0][0] != "section" {
		t.Fatalf("unexpected sheet contents: %v", rows)
	}
	last := rows[len(rows)-1]
	if len(last) != 3 || last[1] != "estimated_profit" || last[2] != "150.50" {
		t.Fatalf("expected profit row last, got %v", last)
	}
}

func TestSummaryUnknownFormat(t *testing.T) {
	s := lockedSession(t)
	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/days/today/summary?format=pdf", nil), http.StatusBadRequest)
}

func TestStaffManagement(t *testing.T) {
	api := newTestAPI(t)
	owner := newSession(t, api, "owner", "owner123")
	staff := newSession(t, api, "staff", "staff123")

	expectStatus(t, staff.do(t, http.MethodGet, "/api/v1/users/staff", nil), http.StatusForbidden)

	rec := owner.do(t, http.MethodPost, "/api/v1/users/staff", domain.StaffCreateRequest{Username: "newhire", Password: "pass1234"})
	expectStatus(t, rec, http.StatusCreated)

	rec = owner.do(t, http.MethodPost, "/api/v1/users/staff", domain.StaffCreateRequest{Username: "newhire", Password: "pass1234"})
	expectStatus(t, rec, http.StatusConflict)

	rec = owner.do(t, http.MethodPost, "/api/v1/users/staff", domain.StaffCreateRequest{Username: "shorty", Password: "123"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = owner.do(t, http.MethodGet, "/api/v1/users/staff", nil)
	expectStatus(t, rec, http.StatusOK)
	var body struct {
		Staff []domain.StaffUser `json:"staff"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode staff: %v", err)
	}
	if len(body.Staff) != 2 || body.Staff[0].Username != "newhire" || body.Staff[1].Username != "staff" {
		t.Fatalf("unexpected staff list: %+v", body.Staff)
	}

	login(t, api, "newhire", "pass1234")
}

func TestRecordsAreScopedPerUser(t *testing.T) {
	api := newTestAPI(t)
	owner := newSession(t, api, "owner", "owner123")
	staff := newSession(t, api, "staff", "staff123")

	expectStatus(t, staff.setField(t, "income", "income_cash", "40"), http.StatusOK)
	expectStatus(t, staff.do(t, http.MethodPost, "/api/v1/days/today/modules/income/submit", nil), http.StatusOK)

	rec := owner.do(t, http.MethodGet, "/api/v1/days/today", nil)
	expectStatus(t, rec, http.StatusOK)
	view := decodeDay(t, rec)
	if len(view.LockedModules) != 0 || !view.Record.Income.Cash.IsZero() {
		t.Fatalf("expected owner's day untouched, got %+v", view)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `ledger_http_requests_total{route="/healthz",status="2xx"} 1`) {
		t.Fatalf("expected healthz request counted, got:\n%s", rec.Body.String())
	}
}
