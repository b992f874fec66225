package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gkobilansky/funnel-goat/internal/events"
	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/server"
	"github.com/gkobilansky/funnel-goat/internal/stats"
	"github.com/gkobilansky/funnel-goat/internal/store"
	"github.com/gkobilansky/funnel-goat/internal/testutil"
)

const testToken = "secret-token"

func setupServer(t *testing.T, opts server.Options) (*server.Server, *store.SQLiteStore) {
	t.Helper()
	s := testutil.SetupTestStore(t)
	opts.Token = testToken
	return server.New(s, opts), s
}

func do(t *testing.T, srv *server.Server, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func admin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken}
}

func identity(session string) experiment.Identity {
	return experiment.Identity{SessionID: session, Audience: experiment.AudienceIndividual}
}

func TestHealth(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	w := do(t, srv, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}

	var resp server.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("got status %q, want ok", resp.Status)
	}
}

func TestRegistry_ReturnsActiveExperiments(t *testing.T) {
	srv, s := setupServer(t, server.Options{})
	ctx := t.Context()

	if err := s.CreateExperiment(ctx, testutil.RunningExperiment("hero", experiment.AudienceIndividual)); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if err := s.CreateExperiment(ctx, testutil.RunningExperiment("jobs", experiment.AudienceEmployer)); err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	w := do(t, srv, http.MethodGet, "/api/experiments?audience=individual", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header on registry")
	}

	var exps []experiment.Experiment
	if err := json.NewDecoder(w.Body).Decode(&exps); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(exps) != 1 || exps[0].ID != "hero" {
		t.Errorf("got %+v, want only hero", exps)
	}
}

func TestRegistry_EmptyIsArray(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	w := do(t, srv, http.MethodGet, "/api/experiments?audience=employer", nil, nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("got body %q, want []", w.Body.String())
	}
}

func TestRegistry_RejectsBadAudience(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	w := do(t, srv, http.MethodGet, "/api/experiments?audience=student", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", w.Code)
	}
}

func TestEvents_StoresAndDedupes(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	batch := events.Batch{SessionID: "s1", Events: []events.Event{
		events.New(identity("s1"), events.PageView{Path: "/"}, time.Now()),
		events.New(identity("s1"), events.CTAClick{Action: "apply_now"}, time.Now()),
	}}
	header := map[string]string{server.SessionHeader: "s1"}

	w := do(t, srv, http.MethodPost, "/api/events", batch, header)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp server.IngestResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Accepted != 2 {
		t.Errorf("got %d accepted, want 2", resp.Accepted)
	}

	w = do(t, srv, http.MethodPost, "/api/events", batch, header)
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Accepted != 0 || resp.Duplicates != 2 {
		t.Errorf("got %+v, want 2 duplicates on redelivery", resp)
	}
}

func TestEvents_Validation(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})
	ev := events.New(identity("s1"), events.PageView{Path: "/"}, time.Now())

	tests := []struct {
		name   string
		batch  events.Batch
		header map[string]string
		want   int
	}{
		{"missing session", events.Batch{Events: []events.Event{ev}}, nil, http.StatusBadRequest},
		{"header mismatch", events.Batch{SessionID: "s1", Events: []events.Event{ev}}, map[string]string{server.SessionHeader: "s2"}, http.StatusBadRequest},
		{"no events", events.Batch{SessionID: "s1"}, nil, http.StatusBadRequest},
		{"foreign event", events.Batch{SessionID: "s2", Events: []events.Event{ev}}, nil, http.StatusBadRequest},
		{"session from body", events.Batch{SessionID: "s1", Events: []events.Event{ev}}, nil, http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPost, "/api/events", tc.batch, tc.header)
			if w.Code != tc.want {
				t.Errorf("got status %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestEvents_LargeBatchAccepted(t *testing.T) {
	srv, s := setupServer(t, server.Options{})

	batch := events.Batch{SessionID: "s1"}
	for i := 0; i < 1000; i++ {
		batch.Events = append(batch.Events, events.New(identity("s1"), events.PageView{Path: "/"}, time.Now()))
	}

	w := do(t, srv, http.MethodPost, "/api/events", batch, map[string]string{server.SessionHeader: "s1"})
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", w.Code, w.Body.String())
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if count != 1000 {
		t.Errorf("got %d stored events, want 1000", count)
	}
}

func TestEvents_Preflight(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	w := do(t, srv, http.MethodOptions, "/api/events", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("got status %d, want 204", w.Code)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), server.SessionHeader) {
		t.Error("expected session header to be allowed")
	}
}

func TestEvents_RateLimited(t *testing.T) {
	fixed := time.Now()
	srv, _ := setupServer(t, server.Options{RatePerSecond: 1, RateBurst: 1, Now: func() time.Time { return fixed }})

	send := func(session string) int {
		batch := events.Batch{SessionID: session, Events: []events.Event{
			events.New(identity(session), events.PageView{Path: "/"}, time.Now()),
		}}
		return do(t, srv, http.MethodPost, "/api/events", batch, nil).Code
	}

	if got := send("s1"); got != http.StatusOK {
		t.Fatalf("got status %d, want 200", got)
	}
	if got := send("s1"); got != http.StatusTooManyRequests {
		t.Errorf("got status %d, want 429", got)
	}
	if got := send("s2"); got != http.StatusOK {
		t.Errorf("got status %d for another session, want 200", got)
	}
}

func TestConversionEndpoint(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	conv := events.New(identity("s1"), events.Conversion{GoalID: "signup"}, time.Now())
	if w := do(t, srv, http.MethodPost, "/api/conversions", conv, nil); w.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", w.Code)
	}

	// The same event arriving in a batch is a duplicate.
	w := do(t, srv, http.MethodPost, "/api/events", events.Batch{SessionID: "s1", Events: []events.Event{conv}}, nil)
	var resp server.IngestResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Duplicates != 1 {
		t.Errorf("got %+v, want the batched copy to be a duplicate", resp)
	}

	pv := events.New(identity("s1"), events.PageView{Path: "/"}, time.Now())
	if w := do(t, srv, http.MethodPost, "/api/conversions", pv, nil); w.Code != http.StatusBadRequest {
		t.Errorf("got status %d for page view, want 400", w.Code)
	}
}

func TestErrorEndpoint(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	e := events.New(identity("s1"), events.Error{Message: "boom", Source: "calculator"}, time.Now())
	if w := do(t, srv, http.MethodPost, "/api/errors", e, nil); w.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", w.Code)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	if w := do(t, srv, http.MethodGet, "/api/admin/experiments", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("got status %d without token, want 401", w.Code)
	}
	bad := map[string]string{"Authorization": "Bearer nope"}
	if w := do(t, srv, http.MethodGet, "/api/admin/experiments", nil, bad); w.Code != http.StatusUnauthorized {
		t.Errorf("got status %d with bad token, want 401", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/admin/experiments", nil, admin()); w.Code != http.StatusOK {
		t.Errorf("got status %d with bearer token, want 200", w.Code)
	}

	w := do(t, srv, http.MethodGet, "/api/admin/experiments?token="+testToken, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d with query token, want 200", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != testToken {
		t.Fatalf("expected token cookie, got %+v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/experiments", nil)
	req.AddCookie(cookies[0])
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("got status %d with cookie, want 200", rec.Code)
	}
}

func TestAdmin_CreateAndLifecycle(t *testing.T) {
	srv, s := setupServer(t, server.Options{})

	exp := testutil.RunningExperiment("hero", experiment.AudienceIndividual)
	exp.Status = experiment.StatusDraft

	if w := do(t, srv, http.MethodPost, "/api/admin/experiments", exp, admin()); w.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %s", w.Code, w.Body.String())
	}

	steps := []struct {
		path string
		want int
	}{
		{"/api/admin/experiments/hero/pause", http.StatusConflict},
		{"/api/admin/experiments/hero/start", http.StatusOK},
		{"/api/admin/experiments/hero/pause", http.StatusOK},
		{"/api/admin/experiments/hero/start", http.StatusOK},
		{"/api/admin/experiments/hero/end?winner=nope", http.StatusBadRequest},
		{"/api/admin/experiments/hero/end?winner=treatment", http.StatusOK},
		{"/api/admin/experiments/hero/start", http.StatusConflict},
		{"/api/admin/experiments/hero/explode", http.StatusNotFound},
		{"/api/admin/experiments/missing/start", http.StatusNotFound},
	}
	for _, step := range steps {
		if w := do(t, srv, http.MethodPost, step.path, nil, admin()); w.Code != step.want {
			t.Errorf("POST %s: got status %d, want %d", step.path, w.Code, step.want)
		}
	}

	got, err := s.GetExperiment(t.Context(), "hero")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.Status != experiment.StatusEnded || got.WinnerVariant != "treatment" {
		t.Errorf("got status %s winner %q, want ended with treatment", got.Status, got.WinnerVariant)
	}
}

func TestAdmin_CreateInvalid(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	exp := testutil.RunningExperiment("hero", experiment.AudienceIndividual)
	exp.TrafficAllocation = 150
	if w := do(t, srv, http.MethodPost, "/api/admin/experiments", exp, admin()); w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", w.Code)
	}
}

func TestAdmin_Delete(t *testing.T) {
	srv, s := setupServer(t, server.Options{})

	if err := s.CreateExperiment(t.Context(), testutil.RunningExperiment("hero", experiment.AudienceIndividual)); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if w := do(t, srv, http.MethodDelete, "/api/admin/experiments/hero", nil, admin()); w.Code != http.StatusNoContent {
		t.Errorf("got status %d, want 204", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/admin/experiments/hero", nil, admin()); w.Code != http.StatusNotFound {
		t.Errorf("got status %d after delete, want 404", w.Code)
	}
}

func TestResults(t *testing.T) {
	srv, s := setupServer(t, server.Options{})
	ctx := t.Context()

	if err := s.CreateExperiment(ctx, testutil.RunningExperiment("hero", experiment.AudienceIndividual)); err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	t0 := time.Now().Add(-time.Hour)
	var batch []events.Event
	for i := 0; i < 10; i++ {
		ctrl := identity("c" + string(rune('a'+i)))
		treat := identity("t" + string(rune('a'+i)))
		batch = append(batch,
			events.New(ctrl, events.Exposure{ExperimentID: "hero", VariantID: "control"}, t0),
			events.New(treat, events.Exposure{ExperimentID: "hero", VariantID: "treatment"}, t0),
		)
		if i < 2 {
			batch = append(batch, events.New(ctrl, events.Conversion{GoalID: "signup"}, t0.Add(time.Minute)))
		}
		if i < 6 {
			batch = append(batch, events.New(treat, events.Conversion{GoalID: "signup"}, t0.Add(time.Minute)))
		}
	}
	if _, err := s.RecordEvents(ctx, batch); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	w := do(t, srv, http.MethodGet, "/api/admin/experiments/hero/results?goal=signup", nil, admin())
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", w.Code, w.Body.String())
	}

	var result stats.Result
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if result.Control != "control" || result.Leading != "treatment" {
		t.Errorf("got control %s leading %s", result.Control, result.Leading)
	}
	if result.GoalID != "signup" {
		t.Errorf("got goal %q, want signup", result.GoalID)
	}
	for _, v := range result.Variants {
		if v.Samples != 10 {
			t.Errorf("variant %s: got %d samples, want 10", v.ID, v.Samples)
		}
	}

	if w := do(t, srv, http.MethodGet, "/api/admin/experiments/hero/results?alpha=2", nil, admin()); w.Code != http.StatusBadRequest {
		t.Errorf("got status %d for bad alpha, want 400", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupServer(t, server.Options{})

	do(t, srv, http.MethodGet, "/health", nil, nil)
	w := do(t, srv, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `funnelgoat_server_requests_total{endpoint="health",status="2xx"} 1`) {
		t.Errorf("expected health request counter in metrics output")
	}
}
