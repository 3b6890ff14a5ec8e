package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/admission"
	"github.com/eugener/roastguard/internal/budget"
	"github.com/eugener/roastguard/internal/killswitch"
	"github.com/eugener/roastguard/internal/pricing"
	"github.com/eugener/roastguard/internal/quota"
	"github.com/eugener/roastguard/internal/ratelimit"
	"github.com/eugener/roastguard/internal/storage/sqlite"
	"github.com/eugener/roastguard/internal/telemetry"
	"github.com/eugener/roastguard/internal/testutil"
)

const testAdminKey = "rg_test_admin"

type testEnv struct {
	handler http.Handler
	store   *sqlite.Store
	holder  *quota.Holder
	reg     *prometheus.Registry
}

// newTestEnv wires the real controller over a temp SQLite store. Prices are
// one dollar per million tokens, so 1000 input bytes estimate $0.001.
func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	holder, err := quota.NewHolder(&quota.Policy{
		Session:       quota.Limit{Max: 2, Window: quota.WindowDay},
		IP:            quota.Limit{Max: 5, Window: quota.WindowDay},
		Global:        quota.Limit{Max: 100, Window: quota.WindowDay},
		MonthlyBudget: 20 * roastguard.MicrosPerUSD,
		WarningPct:    80,
		Location:      time.UTC,
	})
	if err != nil {
		t.Fatal(err)
	}
	store := testutil.NewStore(t)
	sw := killswitch.New(store, killswitch.Options{Direct: true})
	svc := budget.New(store, holder, nil)
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	ctrl := admission.New(admission.Deps{
		Store:  store,
		Budget: svc,
		Switch: sw,
		Policy: holder,
		Pricing: &pricing.Table{
			Models:        map[string]pricing.Price{"test": {InputPerMTok: decimal.NewFromInt(1), OutputPerMTok: decimal.NewFromInt(1)}},
			MaxInputBytes: 8000,
		},
		Metrics: m,
	})

	deps := Deps{
		Admission:          ctrl,
		Switch:             sw,
		Budget:             svc,
		AdminKey:           testAdminKey,
		ReadyCheck:         store.Ping,
		ReservationTimeout: 2 * time.Minute,
		Metrics:            m,
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{handler: New(deps), store: store, holder: holder, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func (e *testEnv) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, "Authorization", "Bearer "+testAdminKey)
}

func (e *testEnv) admit(t *testing.T, session string) admitResponse {
	t.Helper()
	w := e.do(t, "POST", "/v1/admit", `{"session_key":"`+session+`","ip":"203.0.113.7","model":"test","input_bytes":1000}`)
	var resp admitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode admit response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	w := e.do(t, "GET", "/healthz", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", w.Code, w.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	t.Run("ready", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, nil)
		if w := e.do(t, "GET", "/readyz", ""); w.Code != http.StatusOK {
			t.Errorf("readyz = %d, want 200", w.Code)
		}
	})

	t.Run("store down", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, func(d *Deps) {
			d.ReadyCheck = func(context.Context) error { return errors.New("disk gone") }
		})
		w := e.do(t, "GET", "/readyz", "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("readyz = %d, want 503", w.Code)
		}
	})
}

func TestAdmitConfirmFlow(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	resp := e.admit(t, "sess-a")
	if !resp.Admitted || resp.Handle == "" {
		t.Fatalf("admit = %+v, want admitted", resp)
	}
	if resp.ExpiresAt == nil {
		t.Error("expires_at missing")
	}

	w := e.do(t, "POST", "/v1/reservations/"+resp.Handle+"/confirm", `{"actual_cost_usd":"0.0004"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm = %d %s", w.Code, w.Body.String())
	}

	total, err := e.store.MonthTotal(context.Background(), e.holder.Load().MonthBucket(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if total.Committed != 400 || total.Reserved != 0 {
		t.Errorf("month total = %+v, want committed 400 reserved 0", total)
	}

	// Second settle is a conflict.
	w = e.do(t, "POST", "/v1/reservations/"+resp.Handle+"/confirm", `{"actual_cost_usd":"0.0004"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second confirm = %d, want 409", w.Code)
	}
}

func TestConfirmFromUsage(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	resp := e.admit(t, "sess-u")

	body := `{"model":"test","usage":{"input_tokens":300,"output_tokens":200}}`
	w := e.do(t, "POST", "/v1/reservations/"+resp.Handle+"/confirm", body)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm = %d %s", w.Code, w.Body.String())
	}
	var got settleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ActualMicros == nil || *got.ActualMicros != 500 {
		t.Errorf("actual_micros = %v, want 500", got.ActualMicros)
	}
}

func TestConfirmFlagsOverrun(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	tests := []struct {
		name    string
		actual  string
		overrun bool
	}{
		{"within estimate", `{"actual_micros":1000}`, false},
		{"above estimate", `{"actual_micros":2500}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.admit(t, "sess-"+tt.name)
			w := e.do(t, "POST", "/v1/reservations/"+resp.Handle+"/confirm", tt.actual)
			if w.Code != http.StatusOK {
				t.Fatalf("confirm = %d %s", w.Code, w.Body.String())
			}
			var got settleResponse
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.EstimateMicros == nil || *got.EstimateMicros != 1000 {
				t.Errorf("estimate_micros = %v, want 1000", got.EstimateMicros)
			}
			if got.Overrun != tt.overrun {
				t.Errorf("overrun = %v, want %v", got.Overrun, tt.overrun)
			}
		})
	}
}

func TestConfirmValidation(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"no amount", "/v1/reservations/x/confirm", `{}`, http.StatusBadRequest},
		{"bad amount", "/v1/reservations/x/confirm", `{"actual_cost_usd":"lots"}`, http.StatusBadRequest},
		{"negative", "/v1/reservations/x/confirm", `{"actual_micros":-5}`, http.StatusBadRequest},
		{"bad json", "/v1/reservations/x/confirm", `{`, http.StatusBadRequest},
		{"unknown handle", "/v1/reservations/nope/confirm", `{"actual_micros":5}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "POST", tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSessionCapReturns429(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	for range 2 {
		if resp := e.admit(t, "sess-cap"); !resp.Admitted {
			t.Fatalf("admit = %+v, want admitted", resp)
		}
	}
	w := e.do(t, "POST", "/v1/admit", `{"session_key":"sess-cap","ip":"203.0.113.7","model":"test","input_bytes":1000}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	var resp admitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reason != roastguard.ReasonSessionCapReached || !resp.Retryable || resp.RetryAfter == nil {
		t.Errorf("denial = %+v", resp)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestReleaseRestoresQuota(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	first := e.admit(t, "sess-r")
	e.admit(t, "sess-r")

	if w := e.do(t, "DELETE", "/v1/reservations/"+first.Handle, ""); w.Code != http.StatusOK {
		t.Fatalf("release = %d %s", w.Code, w.Body.String())
	}
	if resp := e.admit(t, "sess-r"); !resp.Admitted {
		t.Errorf("admit after release = %+v, want admitted", resp)
	}
	if w := e.do(t, "POST", "/v1/reservations/"+first.Handle+"/release", ""); w.Code != http.StatusConflict {
		t.Errorf("double release = %d, want 409", w.Code)
	}
}

func TestAdmitValidation(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing session", `{"ip":"203.0.113.7","input_bytes":10}`},
		{"missing ip", `{"session_key":"s","input_bytes":10}`},
		{"oversized input", `{"session_key":"s","ip":"203.0.113.7","input_bytes":9000}`},
		{"bad json", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.do(t, "POST", "/v1/admit", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestAdmitBurstGuard(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(d *Deps) { d.Burst = ratelimit.NewGuard(60, 1) })

	if resp := e.admit(t, "sess-burst"); !resp.Admitted {
		t.Fatalf("first admit = %+v, want admitted", resp)
	}
	w := e.do(t, "POST", "/v1/admit", `{"session_key":"sess-burst","ip":"203.0.113.7","model":"test","input_bytes":1000}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate_limit_error") {
		t.Errorf("body = %s, want rate_limit_error", w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// The rejected call never reached the counters.
	w = e.do(t, "GET", "/v1/remaining?session_key=sess-burst", "")
	var rem admission.Remaining
	if err := json.Unmarshal(w.Body.Bytes(), &rem); err != nil {
		t.Fatal(err)
	}
	if rem.Session != 1 {
		t.Errorf("session remaining = %d, want 1", rem.Session)
	}
}

func TestRemaining(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	e.admit(t, "sess-rem")

	w := e.do(t, "GET", "/v1/remaining?session_key=sess-rem&ip=203.0.113.7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("remaining = %d %s", w.Code, w.Body.String())
	}
	var got admission.Remaining
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Session != 1 || got.IP != 4 || got.Global != 99 {
		t.Errorf("remaining = %+v, want session 1 ip 4 global 99", got)
	}

	if w := e.do(t, "GET", "/v1/remaining", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing session_key = %d, want 400", w.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"no header", nil, http.StatusUnauthorized},
		{"wrong key", []string{"Authorization", "Bearer rg_wrong"}, http.StatusUnauthorized},
		{"no bearer prefix", []string{"Authorization", testAdminKey}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer " + testAdminKey}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.do(t, "GET", "/admin/v1/killswitch", "", tt.header...); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdminRoutesUnmountedWithoutKey(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(d *Deps) { d.AdminKey = "" })
	if w := e.do(t, "GET", "/admin/v1/killswitch", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestKillSwitchEndpoints(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	if w := e.admin(t, "PUT", "/admin/v1/killswitch", `{"engaged":true}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing operator = %d, want 400", w.Code)
	}

	w := e.admin(t, "PUT", "/admin/v1/killswitch", `{"engaged":true,"operator":"ops@example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("engage = %d %s", w.Code, w.Body.String())
	}

	w = e.do(t, "POST", "/v1/admit", `{"session_key":"s","ip":"203.0.113.7","model":"test","input_bytes":100}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("admit while engaged = %d, want 503", w.Code)
	}
	var denial admitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &denial); err != nil {
		t.Fatal(err)
	}
	if denial.Reason != roastguard.ReasonServiceDisabled || denial.Retryable {
		t.Errorf("denial = %+v", denial)
	}

	w = e.admin(t, "GET", "/admin/v1/killswitch", "")
	var state killSwitchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if !state.Engaged || state.UpdatedBy != "ops@example.com" {
		t.Errorf("state = %+v", state)
	}

	e.admin(t, "PUT", "/admin/v1/killswitch", `{"engaged":false,"operator":"ops@example.com"}`)
	if resp := e.admit(t, "s"); !resp.Admitted {
		t.Errorf("admit after release = %+v, want admitted", resp)
	}
}

func TestBudgetEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	resp := e.admit(t, "sess-b")
	e.do(t, "POST", "/v1/reservations/"+resp.Handle+"/confirm", `{"actual_cost_usd":"0.0005"}`)

	w := e.admin(t, "GET", "/admin/v1/budget?history=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("budget = %d %s", w.Code, w.Body.String())
	}
	var sum budget.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Committed != 500 || sum.Cap != 20*roastguard.MicrosPerUSD || sum.EventCount != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.History) != 1 {
		t.Errorf("history len = %d, want 1", len(sum.History))
	}

	if w := e.admin(t, "GET", "/admin/v1/budget?history=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad history = %d, want 400", w.Code)
	}
}

func TestAdminAudit(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	resp := e.admit(t, "sess-a")
	e.do(t, "POST", "/v1/reservations/"+resp.Handle+"/confirm", `{"actual_micros":700}`)
	e.admit(t, "sess-b")

	w := e.admin(t, "GET", "/admin/v1/audit", "")
	if w.Code != http.StatusOK {
		t.Fatalf("audit = %d %s", w.Code, w.Body.String())
	}
	var got admission.Audit
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Budget == nil || got.Budget.Committed != 700 || got.Budget.EventSum != 700 || got.Budget.Drift != 0 {
		t.Errorf("budget audit = %+v", got.Budget)
	}
	if got.GlobalPending != 1 || got.PendingHandles != 1 {
		t.Errorf("audit = %+v, want one pending", got)
	}

	if w := e.do(t, "GET", "/admin/v1/audit", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated audit = %d, want 401", w.Code)
	}
}

func TestPolicyReload(t *testing.T) {
	t.Parallel()

	t.Run("unconfigured", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, nil)
		if w := e.admin(t, "POST", "/admin/v1/policy/reload", ""); w.Code != http.StatusNotImplemented {
			t.Errorf("status = %d, want 501", w.Code)
		}
	})

	t.Run("invalid policy", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, func(d *Deps) {
			d.Reload = func(context.Context) error {
				return errors.Join(roastguard.ErrInvalidPolicy, errors.New("session limit must be positive"))
			}
		})
		if w := e.admin(t, "POST", "/admin/v1/policy/reload", ""); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("ok", func(t *testing.T) {
		t.Parallel()
		calls := 0
		e := newTestEnv(t, func(d *Deps) {
			d.Reload = func(context.Context) error { calls++; return nil }
		})
		if w := e.admin(t, "POST", "/admin/v1/policy/reload", ""); w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
		if calls != 1 {
			t.Errorf("reload calls = %d, want 1", calls)
		}
	})
}

func TestRequestIDPropagation(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	w := e.do(t, "GET", "/healthz", "", "X-Request-Id", "req-123")
	if got := w.Header().Get("X-Request-Id"); got != "req-123" {
		t.Errorf("request id = %q, want req-123", got)
	}
	w = e.do(t, "GET", "/healthz", "")
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("request id not generated")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	e.admit(t, "sess-m")

	w := e.do(t, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"roastguard_requests_total",
		"roastguard_admissions_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
	if !strings.Contains(body, `path="/v1/admit"`) {
		t.Error("request metric should use the chi route pattern")
	}
}

func TestRecovery(t *testing.T) {
	t.Parallel()
	s := &server{}
	h := s.recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{roastguard.ErrBadRequest, http.StatusBadRequest},
		{roastguard.ErrInvalidPolicy, http.StatusBadRequest},
		{roastguard.ErrUnauthorized, http.StatusUnauthorized},
		{roastguard.ErrUnknownReservation, http.StatusNotFound},
		{roastguard.ErrReservationSettled, http.StatusConflict},
		{errors.Join(roastguard.ErrStoreUnavailable, errors.New("locked")), http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

