package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/budget"
	"AgentMarket/internal/catalog"
	"AgentMarket/internal/event"
	"AgentMarket/internal/eventbus"
	"AgentMarket/internal/negotiation"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/internal/pipeline"
	"AgentMarket/internal/session"
	"AgentMarket/internal/settlement"
	"AgentMarket/internal/storage/mysql"
)

type harness struct {
	ledger   *budget.Ledger
	sessions *session.Table
	repo     *mysql.MemoryRunRepository
	bus      *eventbus.MemoryBus
	metrics  *metrics.Metrics
	server   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger, err := budget.ParseLedger("100", "300")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	repo, err := mysql.NewMemoryRunRepository("")
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	h := &harness{
		ledger:   ledger,
		sessions: session.NewTable(),
		repo:     repo,
		bus:      eventbus.NewMemoryBus(16),
		metrics:  metrics.New(),
	}
	p, err := pipeline.New(pipeline.Dependencies{
		Ledger:     h.ledger,
		Sessions:   h.sessions,
		Catalog:    catalog.NewStatic(catalog.Seed(), 5),
		Negotiator: negotiation.New(negotiation.Config{Style: negotiation.StyleBalanced, MaxRounds: 5}),
		Settler:    settlement.NewSimulator(settlement.WithStepDelay(0)),
	}, pipeline.WithPace(0), pipeline.WithRepository(repo), pipeline.WithPublisher(h.bus))
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	srv := NewServer(":0", p, WithMetrics(h.metrics), WithRuns(repo), WithWatcher(h.bus))
	h.server = httptest.NewServer(srv.Handler())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) streamURL(params url.Values) string {
	return h.server.URL + "/api/v1/agent/stream?" + params.Encode()
}

func (h *harness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func readAll(t *testing.T, body io.Reader, onEvent func(event.Event)) []event.Event {
	t.Helper()
	reader := event.NewSSEReader(body)
	var events []event.Event
	for {
		ev, err := reader.ReadEvent()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		events = append(events, ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}
}

func TestStreamRunsPipelineToCompletion(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.streamURL(url.Values{"goal": {"烈焰之剑"}, "mode": {"simulate"}}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := readAll(t, resp.Body, nil)
	if len(events) == 0 {
		t.Fatalf("expected events")
	}
	if _, ok := events[len(events)-1].(event.Done); !ok {
		t.Fatalf("expected done as last event, got %T", events[len(events)-1])
	}
	var sawDeal bool
	for _, ev := range events {
		if st, ok := ev.(event.State); ok && st.Deal != nil {
			sawDeal = true
			if st.Deal.Price != "85000000" {
				t.Fatalf("unexpected deal price %q", st.Deal.Price)
			}
		}
	}
	if !sawDeal {
		t.Fatalf("expected a state event carrying the deal")
	}

	budgetResp, err := http.Get(h.server.URL + "/api/v1/budget")
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	defer budgetResp.Body.Close()
	var status budget.Status
	if err := json.NewDecoder(budgetResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode budget: %v", err)
	}
	if status.Spent != "85.00" || status.Remaining != "215.00" {
		t.Fatalf("unexpected budget status %+v", status)
	}

	runsResp, err := http.Get(h.server.URL + "/api/v1/runs?limit=5")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	defer runsResp.Body.Close()
	var runs []mysql.RunRecord
	if err := json.NewDecoder(runsResp.Body).Decode(&runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != string(pipeline.OutcomeCompleted) || runs[0].Price != "85.00" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestConfirmSettlementThroughControlSurface(t *testing.T) {
	h := newHarness(t)
	sessionID := "session-confirm"

	resp, err := http.Get(h.streamURL(url.Values{
		"goal":      {"烈焰之剑"},
		"checkout":  {"confirm"},
		"sessionId": {sessionID},
	}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	var confirmed bool
	events := readAll(t, resp.Body, func(ev event.Event) {
		st, ok := ev.(event.State)
		if !ok || st.AwaitingConfirm == nil || !*st.AwaitingConfirm || confirmed {
			return
		}
		confirmed = true
		actionResp := h.postJSON(t, "/api/v1/agent/action", map[string]string{
			"sessionId": sessionID,
			"action":    "confirm_settlement",
		})
		defer actionResp.Body.Close()
		if actionResp.StatusCode != http.StatusOK {
			t.Errorf("confirm returned %d", actionResp.StatusCode)
			return
		}
		var body actionResponse
		if err := json.NewDecoder(actionResp.Body).Decode(&body); err != nil || !body.OK || body.Cancelled {
			t.Errorf("unexpected confirm body %+v (%v)", body, err)
		}
	})
	if !confirmed {
		t.Fatalf("run never awaited confirmation")
	}
	if _, ok := events[len(events)-1].(event.Done); !ok {
		t.Fatalf("expected done after confirmation, got %T", events[len(events)-1])
	}
	if h.sessions.Len() != 0 {
		t.Fatalf("expected session to be cleared")
	}

	again := h.postJSON(t, "/api/v1/agent/action", map[string]string{
		"sessionId": sessionID,
		"action":    "confirm_settlement",
	})
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a resolved session, got %d", again.StatusCode)
	}
}

func TestCancelSettlementThroughControlSurface(t *testing.T) {
	h := newHarness(t)
	sessionID := "session-cancel"

	resp, err := http.Get(h.streamURL(url.Values{
		"goal":      {"烈焰之剑"},
		"checkout":  {"confirm"},
		"sessionId": {sessionID},
	}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	readAll(t, resp.Body, func(ev event.Event) {
		st, ok := ev.(event.State)
		if !ok || st.AwaitingConfirm == nil || !*st.AwaitingConfirm {
			return
		}
		actionResp := h.postJSON(t, "/api/v1/agent/action", map[string]string{
			"sessionId": sessionID,
			"action":    "cancel_settlement",
		})
		defer actionResp.Body.Close()
		var body actionResponse
		if err := json.NewDecoder(actionResp.Body).Decode(&body); err != nil || !body.OK || !body.Cancelled {
			t.Errorf("unexpected cancel body %+v (%v)", body, err)
		}
	})

	status := h.ledger.Status()
	if status.Spent != "0.00" || len(status.PendingOrders) != 0 {
		t.Fatalf("expected budget untouched after cancel, got %+v", status)
	}
	if h.sessions.Len() != 0 {
		t.Fatalf("expected session to be cleared")
	}
}

func TestActionValidation(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: "{", want: http.StatusBadRequest},
		{name: "missing session", body: `{"action":"confirm_settlement"}`, want: http.StatusBadRequest},
		{name: "unknown action", body: `{"sessionId":"x","action":"refund"}`, want: http.StatusBadRequest},
		{name: "unknown session", body: `{"sessionId":"nope","action":"cancel_settlement"}`, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(h.server.URL+"/api/v1/agent/action", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("got %d want %d", resp.StatusCode, tc.want)
			}
		})
	}

	resp, err := http.Get(h.server.URL + "/api/v1/agent/action")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestStreamRejectsUnknownCheckout(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.streamURL(url.Values{"goal": {"烈焰之剑"}, "checkout": {"manual"}}))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if status := h.ledger.Status(); len(status.PendingOrders) != 0 || status.Spent != "0.00" {
		t.Fatalf("rejected request must not touch the ledger: %+v", status)
	}
}

func TestManualReservationResolution(t *testing.T) {
	h := newHarness(t)
	if !h.ledger.Reserve("order-1", decimal.NewFromInt(40)) {
		t.Fatalf("reserve failed")
	}

	resp := h.postJSON(t, "/api/v1/budget/reservations", map[string]string{"orderId": "order-1", "action": "confirm"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm reservation returned %d", resp.StatusCode)
	}
	var status budget.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Spent != "40.00" || len(status.PendingOrders) != 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	missing := h.postJSON(t, "/api/v1/budget/reservations", map[string]string{"orderId": "order-1", "action": "cancel"})
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a settled reservation, got %d", missing.StatusCode)
	}

	h.ledger.Reserve("order-2", decimal.NewFromInt(10))
	bad := h.postJSON(t, "/api/v1/budget/reservations", map[string]string{"orderId": "order-2", "action": "refund"})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", bad.StatusCode)
	}
	if _, ok := h.ledger.Pending("order-2"); !ok {
		t.Fatalf("unknown action must not touch the reservation")
	}
}

func TestRunEventsFollowsPublishedRecords(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/api/v1/runs/run-1/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	type outcome struct {
		events []event.Event
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		defer resp.Body.Close()
		reader := event.NewSSEReader(resp.Body)
		var events []event.Event
		for {
			ev, err := reader.ReadEvent()
			if errors.Is(err, io.EOF) {
				done <- outcome{events: events}
				return
			}
			if err != nil {
				done <- outcome{err: err}
				return
			}
			events = append(events, ev)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.bus.Subscribers("run-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	publish := func(seq int64, ev event.Event) {
		if err := h.bus.Publish(ctx, eventbus.Record{RunID: "run-1", Seq: seq, Event: ev}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish(1, event.Message{ID: "m1", Role: event.RoleBuyer, Stage: event.StageDiscover, Content: "hi"})
	publish(2, event.Done{})

	got := <-done
	if got.err != nil {
		t.Fatalf("watch: %v", got.err)
	}
	if len(got.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got.events))
	}
	if msg, ok := got.events[0].(event.Message); !ok || msg.Content != "hi" {
		t.Fatalf("unexpected first event %#v", got.events[0])
	}
}

func TestToolsHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/api/v1/tools")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	defer resp.Body.Close()
	var listed []ToolDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(listed) != 4 || listed[0].Name != "search_stores" || listed[3].Name != "settle_deal" {
		t.Fatalf("unexpected tools %+v", listed)
	}

	health, err := http.Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz returned %d", health.StatusCode)
	}

	metricsResp, err := http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	body, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(body), "market_http_requests_total") {
		t.Fatalf("expected http request metrics in exposition")
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
