package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-relay/core"
)

type stubService struct {
	ingestReq    core.IngestRequest
	ingestErr    error
	billingReq   core.BillingWebhookRequest
	billingSeen  map[string]bool
	usagePeriod  string
	overviewMode string
	events       map[string]core.Event
}

func newStubService() *stubService {
	return &stubService{
		billingSeen: map[string]bool{},
		events: map[string]core.Event{
			"42": {ID: "42", Kind: core.EventKindCDC, Object: "Contact", Action: "UPDATE"},
		},
	}
}

func (s *stubService) Ingest(_ context.Context, req core.IngestRequest) (core.IngestResult, error) {
	s.ingestReq = req
	if s.ingestErr != nil {
		return core.IngestResult{}, s.ingestErr
	}
	return core.IngestResult{
		Event: core.Event{
			ID:         "100",
			Kind:       req.Kind,
			Object:     "Account",
			Action:     "created",
			ReceivedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		},
		Target:   "default",
		Delivery: core.DeliveryResult{Status: core.DeliveryStatusQueued, Target: "default", QueueKey: "queue:default:1"},
	}, nil
}

func (s *stubService) Trigger(_ context.Context, req core.TriggerRequest) (core.DeliveryResult, error) {
	if req.Target != "crm" {
		return core.DeliveryResult{}, core.NotFoundError("relay: unknown target", nil)
	}
	return core.DeliveryResult{Status: core.DeliveryStatusDelivered, Target: req.Target, StatusCode: 200}, nil
}

func (s *stubService) RecentEvents(_ context.Context, limit int) ([]core.Event, error) {
	out := []core.Event{}
	for _, event := range s.events {
		out = append(out, event)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubService) GetEvent(_ context.Context, id string) (core.Event, error) {
	event, ok := s.events[id]
	if !ok {
		return core.Event{}, core.ErrEventNotFound
	}
	return event, nil
}

func (s *stubService) Stats(context.Context) (core.Stats, error) {
	return core.Stats{Events: core.EventStats{Total: 3}, QueueDepth: 1}, nil
}

func (s *stubService) TrackUsage(_ context.Context, req core.UsageRequest) (core.UsageSnapshot, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return core.UsageSnapshot{}, core.BadInputError("agentId", "agent id is required")
	}
	return core.UsageSnapshot{AgentID: req.AgentID, Period: "2026-03", Calls: 1, CostUSD: req.Cost}, nil
}

func (s *stubService) Usage(_ context.Context, agentID string, period string) (core.UsageSnapshot, error) {
	s.usagePeriod = period
	return core.UsageSnapshot{AgentID: agentID, Period: period, Calls: 4}, nil
}

func (s *stubService) Overview(_ context.Context, period string, mode string) (core.BillingOverview, error) {
	s.overviewMode = mode
	return core.BillingOverview{Period: period, Mode: mode, TotalCalls: 9}, nil
}

func (s *stubService) HandleBillingWebhook(_ context.Context, req core.BillingWebhookRequest) (core.BillingWebhookResult, error) {
	s.billingReq = req
	if req.Signature == "" {
		return core.BillingWebhookResult{}, core.SignatureError(core.RelayErrorSignatureMalformed, "signature header is missing")
	}
	duplicate := s.billingSeen[string(req.Body)]
	s.billingSeen[string(req.Body)] = true
	return core.BillingWebhookResult{EventID: "evt_1", Duplicate: duplicate}, nil
}

type recordingRecorder struct {
	counters map[string]int64
}

func (r *recordingRecorder) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	if r.counters == nil {
		r.counters = map[string]int64{}
	}
	r.counters[name] += value
}

func (r *recordingRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func serve(t *testing.T, router *Router, method string, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestIngestRoutes_MapKindsAndShapeResponse(t *testing.T) {
	cases := map[string]core.EventKind{
		"/webhook":        core.EventKindPlatformEvent,
		"/platform-event": core.EventKindPlatformEvent,
		"/cdc":            core.EventKindCDC,
	}
	for path, kind := range cases {
		service := newStubService()
		router := NewRouter(service)
		rec := serve(t, router, http.MethodPost, path, `{"sobjectType":"Account"}`, map[string]string{"X-Relay-Signature": "t=1,v1=ab"})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d %s", path, rec.Code, rec.Body.String())
		}
		if service.ingestReq.Kind != kind {
			t.Fatalf("%s: expected kind %q, got %q", path, kind, service.ingestReq.Kind)
		}
		if service.ingestReq.Headers["X-Relay-Signature"] != "t=1,v1=ab" {
			t.Fatalf("%s: expected headers to be forwarded, got %v", path, service.ingestReq.Headers)
		}
		body := decode(t, rec)
		if body["success"] != true || body["eventId"] != "100" || body["event"] != "Account" || body["action"] != "created" {
			t.Fatalf("%s: unexpected body %v", path, body)
		}
		result, ok := body["result"].(map[string]any)
		if !ok || result["status"] != "queued" || result["queueKey"] != "queue:default:1" {
			t.Fatalf("%s: expected queued result, got %v", path, body["result"])
		}
		if body["timestamp"] != "2026-03-14T12:00:00Z" {
			t.Fatalf("%s: unexpected timestamp %v", path, body["timestamp"])
		}
	}
}

func TestIngest_EmptyBodyIsBadInput(t *testing.T) {
	router := NewRouter(newStubService())
	rec := serve(t, router, http.MethodPost, "/webhook", "  ", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decode(t, rec)
	envelope, _ := body["error"].(map[string]any)
	if body["success"] != false || envelope["textCode"] != core.RelayErrorBadInput {
		t.Fatalf("unexpected error envelope %v", body)
	}
}

func TestIngest_StorageFailureIs503(t *testing.T) {
	service := newStubService()
	service.ingestErr = core.StorageError(context.DeadlineExceeded, "relay: store event")
	router := NewRouter(service)
	rec := serve(t, router, http.MethodPost, "/cdc", `{}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestOutboundMessage_AcksWithSOAP(t *testing.T) {
	service := newStubService()
	router := NewRouter(service)
	rec := serve(t, router, http.MethodPost, "/outbound-message", `<soapenv:Envelope/>`, map[string]string{"Content-Type": "text/xml"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/xml") {
		t.Fatalf("expected text/xml, got %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "<Ack>true</Ack>") {
		t.Fatalf("expected positive ack, got %s", rec.Body.String())
	}
	if service.ingestReq.Kind != core.EventKindOutboundMessage {
		t.Fatalf("expected outbound kind, got %q", service.ingestReq.Kind)
	}

	service.ingestErr = core.SignatureError(core.RelayErrorSignatureMismatch, "signature mismatch")
	rec = serve(t, router, http.MethodPost, "/outbound-message", `<soapenv:Envelope/>`, nil)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "<Ack>false</Ack>") {
		t.Fatalf("expected 401 nack, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestOutboundMessage_RejectsOversizedBody(t *testing.T) {
	service := newStubService()
	router := NewRouter(service, WithMaxBodyBytes(32))
	body := "<soapenv:Envelope>" + strings.Repeat("x", 64) + "</soapenv:Envelope>"
	rec := serve(t, router, http.MethodPost, "/outbound-message", body, map[string]string{"Content-Type": "text/xml"})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "<Ack>false</Ack>") {
		t.Fatalf("expected 400 nack, got %d %s", rec.Code, rec.Body.String())
	}
	if service.ingestReq.Kind != "" {
		t.Fatalf("expected oversized message not to be ingested, got %q", service.ingestReq.Kind)
	}
}

func TestRouter_ShutdownStopsRun(t *testing.T) {
	router := NewRouter(newStubService())
	errCh := make(chan error, 1)
	go func() {
		errCh <- router.Run("127.0.0.1:0", time.Second, time.Second)
	}()
	if err := router.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Fatalf("expected server closed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected run to return after shutdown")
	}

	if err := router.Run("127.0.0.1:0", time.Second, time.Second); !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("expected run after shutdown to refuse, got %v", err)
	}
}

func TestReadRoutes(t *testing.T) {
	router := NewRouter(newStubService())

	rec := serve(t, router, http.MethodGet, "/events?limit=10", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["count"] != float64(1) {
		t.Fatalf("unexpected events response %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(t, router, http.MethodGet, "/events?limit=abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid limit to be rejected, got %d", rec.Code)
	}

	rec = serve(t, router, http.MethodGet, "/events/42", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected event, got %d", rec.Code)
	}
	rec = serve(t, router, http.MethodGet, "/events/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	envelope, _ := decode(t, rec)["error"].(map[string]any)
	if envelope["textCode"] != core.RelayErrorNotFound {
		t.Fatalf("expected not found text code, got %v", envelope)
	}

	rec = serve(t, router, http.MethodGet, "/stats", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["queueDepth"] != float64(1) {
		t.Fatalf("unexpected stats %s", rec.Body.String())
	}
}

func TestOverview_ValidatesPeriodAndMode(t *testing.T) {
	service := newStubService()
	router := NewRouter(service)

	rec := serve(t, router, http.MethodGet, "/overview?period=2026-03&mode=SCAN", "", nil)
	if rec.Code != http.StatusOK || service.overviewMode != core.OverviewModeScan {
		t.Fatalf("expected scan overview, got %d mode %q", rec.Code, service.overviewMode)
	}
	if rec := serve(t, router, http.MethodGet, "/billing/overview?period=March", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid period to be rejected, got %d", rec.Code)
	}
	if rec := serve(t, router, http.MethodGet, "/overview?mode=guess", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid mode to be rejected, got %d", rec.Code)
	}
}

func TestTrigger(t *testing.T) {
	router := NewRouter(newStubService())
	rec := serve(t, router, http.MethodPost, "/trigger-pi", `{"target":"crm","action":"sync","payload":{"id":1}}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["success"] != true {
		t.Fatalf("unexpected trigger response %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(t, router, http.MethodPost, "/trigger-pi", `{"target":"erp"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected unknown target to be 404, got %d", rec.Code)
	}
	rec = serve(t, router, http.MethodPost, "/trigger-pi", `not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed body to be 400, got %d", rec.Code)
	}
}

func TestBillingRoutes(t *testing.T) {
	now := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	service := newStubService()
	router := NewRouter(service, WithClock(func() time.Time { return now }))

	payload := `{"id":"evt_1","type":"invoice.paid"}`
	headers := map[string]string{"Stripe-Signature": "t=1700000000,v1=abc"}
	rec := serve(t, router, http.MethodPost, "/billing/webhook", payload, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if service.billingReq.Signature != "t=1700000000,v1=abc" {
		t.Fatalf("expected signature header to be forwarded, got %q", service.billingReq.Signature)
	}
	body := decode(t, rec)
	if body["received"] != true || body["duplicate"] != false {
		t.Fatalf("unexpected first delivery body %v", body)
	}
	body = decode(t, serve(t, router, http.MethodPost, "/billing/webhook", payload, headers))
	if body["duplicate"] != true {
		t.Fatalf("expected replay to be reported as duplicate, got %v", body)
	}
	if rec := serve(t, router, http.MethodPost, "/billing/webhook", payload, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing signature to be 400, got %d", rec.Code)
	}

	rec = serve(t, router, http.MethodPost, "/billing/usage", `{"agentId":"agent-1","endpoint":"/search","cost":0.5}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["costUsd"] != 0.5 {
		t.Fatalf("unexpected usage response %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(t, router, http.MethodPost, "/billing/usage", `{"cost":1}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing agent to be 400, got %d", rec.Code)
	}

	rec = serve(t, router, http.MethodGet, "/billing/usage/agent-1", "", nil)
	if rec.Code != http.StatusOK || service.usagePeriod != "2026-05" {
		t.Fatalf("expected current period default, got %d %q", rec.Code, service.usagePeriod)
	}
}

func TestCrossCutting_CORSRequestIDAndMetrics(t *testing.T) {
	recorder := &recordingRecorder{}
	router := NewRouter(newStubService(),
		WithMetrics(recorder),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("relay_http_requests_total 1\n"))
		})),
	)

	rec := serve(t, router, http.MethodOptions, "/webhook", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected permissive CORS header")
	}

	rec = serve(t, router, http.MethodGet, "/health", "", map[string]string{RequestIDHeader: "req-1"})
	if rec.Code != http.StatusOK || rec.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("expected request id echo, got %d %q", rec.Code, rec.Header().Get(RequestIDHeader))
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header on regular responses")
	}
	rec = serve(t, router, http.MethodGet, "/health", "", nil)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}

	rec = serve(t, router, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "relay_http_requests_total") {
		t.Fatalf("expected metrics handler to be mounted, got %d", rec.Code)
	}
	if recorder.counters["relay.http.requests"] < 3 {
		t.Fatalf("expected requests to be counted, got %v", recorder.counters)
	}
}
