package dispatch_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-webhook-pipeline/core"
	"github.com/goliatone/go-webhook-pipeline/dispatch"
)

type fakeRuleStore struct {
	rules []core.RoutingRule
}

func (f *fakeRuleStore) ActiveBySource(ctx context.Context, source string) ([]core.RoutingRule, error) {
	var out []core.RoutingRule
	for _, rule := range f.rules {
		if !rule.Active {
			continue
		}
		if rule.Source == "" || rule.Source == source {
			out = append(out, rule)
		}
	}
	return out, nil
}

type fakeDeliveryStore struct {
	mu      sync.Mutex
	seq     int
	records map[string]core.DeliveryRecord
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{records: map[string]core.DeliveryRecord{}}
}

func (f *fakeDeliveryStore) Create(ctx context.Context, record core.DeliveryRecord) (core.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	record.ID = "del-" + string(rune('0'+f.seq))
	record.Attempts = 1
	f.records[record.ID] = record
	return record, nil
}

func (f *fakeDeliveryStore) MarkDelivered(ctx context.Context, id string, responseCode int, responseBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.records[id]
	record.Status = core.DeliveryStatusDelivered
	record.ResponseCode = responseCode
	record.ResponseBody = responseBody
	f.records[id] = record
	return nil
}

func (f *fakeDeliveryStore) MarkFailed(ctx context.Context, id string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.records[id]
	record.Status = core.DeliveryStatusFailed
	record.Attempts++
	record.ErrorMessage = cause.Error()
	f.records[id] = record
	return nil
}

func (f *fakeDeliveryStore) MarkFailedResponse(ctx context.Context, id string, responseCode int, responseBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.records[id]
	record.Status = core.DeliveryStatusFailed
	record.Attempts++
	record.ResponseCode = responseCode
	record.ResponseBody = responseBody
	f.records[id] = record
	return nil
}

func (f *fakeDeliveryStore) ListByEvent(ctx context.Context, eventID string) ([]core.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.DeliveryRecord
	for _, record := range f.records {
		if record.EventID == eventID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeDeliveryStore) byStatus(status core.DeliveryStatus) []core.DeliveryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.DeliveryRecord
	for _, record := range f.records {
		if record.Status == status {
			out = append(out, record)
		}
	}
	return out
}

func testEvent() core.Event {
	return core.Event{
		ID:       "ev-1",
		Source:   "stripe",
		Category: "payment",
		Status:   core.EventStatusPending,
	}
}

func testResult() core.Result {
	return core.Result{
		Original: map[string]any{"amount": 10.0, "currency": "USD"},
		Enriched: map[string]any{"amount_cents": int64(1000), "risk_score": 0.0},
		Metadata: core.Metadata{Category: "payment", Source: "stripe", ProcessedAt: "2025-06-01T12:00:00Z"},
	}
}

func TestDeliverSendsDefaultEnvelope(t *testing.T) {
	var (
		mu       sync.Mutex
		gotBody  map[string]any
		gotAgent string
		gotEvent string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &gotBody)
		gotAgent = r.Header.Get("User-Agent")
		gotEvent = r.Header.Get("X-Event-ID")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rules := &fakeRuleStore{rules: []core.RoutingRule{{
		ID: "rule-1", Name: "payments", Source: "stripe", DestinationURL: server.URL, Active: true,
	}}}
	deliveries := newFakeDeliveryStore()
	d := dispatch.New(rules, deliveries, core.DefaultConfig().Dispatch)

	records, err := d.Deliver(context.Background(), testEvent(), testResult())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(records) != 1 || records[0].Status != core.DeliveryStatusDelivered {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].ResponseCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", records[0].ResponseCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotBody["event_id"] != "ev-1" || gotBody["source"] != "stripe" {
		t.Fatalf("unexpected envelope: %v", gotBody)
	}
	if gotAgent != "go-webhook-pipeline/1.0" {
		t.Fatalf("unexpected user agent: %q", gotAgent)
	}
	if gotEvent != "ev-1" {
		t.Fatalf("unexpected event header: %q", gotEvent)
	}
}

func TestDeliverNoMatchingRuleProducesNoRecords(t *testing.T) {
	rules := &fakeRuleStore{rules: []core.RoutingRule{
		{ID: "rule-1", Source: "github", DestinationURL: "http://localhost", Active: true},
		{ID: "rule-2", Source: "", Category: "deployment", DestinationURL: "http://localhost", Active: true},
		{ID: "rule-3", Source: "stripe", DestinationURL: "http://localhost", Active: false},
	}}
	deliveries := newFakeDeliveryStore()
	d := dispatch.New(rules, deliveries, core.DefaultConfig().Dispatch)

	records, err := d.Deliver(context.Background(), testEvent(), testResult())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %+v", records)
	}
	if len(deliveries.records) != 0 {
		t.Fatalf("no delivery rows expected, got %v", deliveries.records)
	}
}

func TestDeliverAppliesTransformExpression(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	rules := &fakeRuleStore{rules: []core.RoutingRule{{
		ID:             "rule-1",
		Name:           "cents-only",
		Source:         "stripe",
		DestinationURL: server.URL,
		TransformExpr:  `{"id": event.id, "cents": enriched.amount_cents}`,
		Active:         true,
	}}}
	deliveries := newFakeDeliveryStore()
	d := dispatch.New(rules, deliveries, core.DefaultConfig().Dispatch)

	records, err := d.Deliver(context.Background(), testEvent(), testResult())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(records) != 1 || records[0].Status != core.DeliveryStatusDelivered {
		t.Fatalf("unexpected records: %+v", records)
	}
	if gotBody["id"] != "ev-1" {
		t.Fatalf("unexpected transformed body: %v", gotBody)
	}
	if cents, ok := gotBody["cents"].(float64); !ok || cents != 1000 {
		t.Fatalf("expected cents 1000, got %v", gotBody["cents"])
	}
	if _, leaked := gotBody["metadata"]; leaked {
		t.Fatalf("transform must replace the default envelope, got %v", gotBody)
	}
}

func TestDeliverIsolatesBrokenTransform(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rules := &fakeRuleStore{rules: []core.RoutingRule{
		{ID: "rule-1", Name: "broken", Source: "stripe", DestinationURL: server.URL, TransformExpr: "nonsense(", Active: true},
		{ID: "rule-2", Name: "healthy", Source: "stripe", DestinationURL: server.URL, Active: true},
	}}
	deliveries := newFakeDeliveryStore()
	d := dispatch.New(rules, deliveries, core.DefaultConfig().Dispatch)

	records, err := d.Deliver(context.Background(), testEvent(), testResult())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected records for both rules, got %+v", records)
	}
	if got := deliveries.byStatus(core.DeliveryStatusDelivered); len(got) != 1 || got[0].RuleID != "rule-2" {
		t.Fatalf("expected healthy rule delivered, got %+v", got)
	}
	failed := deliveries.byStatus(core.DeliveryStatusFailed)
	if len(failed) != 1 || failed[0].RuleID != "rule-1" || failed[0].ErrorMessage == "" {
		t.Fatalf("expected broken rule marked failed, got %+v", failed)
	}
}

func TestDeliverRecordsRejectedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	rules := &fakeRuleStore{rules: []core.RoutingRule{{
		ID: "rule-1", Name: "flaky", Source: "stripe", DestinationURL: server.URL, Active: true,
	}}}
	deliveries := newFakeDeliveryStore()
	d := dispatch.New(rules, deliveries, core.DefaultConfig().Dispatch)

	records, err := d.Deliver(context.Background(), testEvent(), testResult())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(records) != 1 || records[0].Status != core.DeliveryStatusFailed {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].ResponseCode != http.StatusBadGateway || records[0].ResponseBody != "upstream down" {
		t.Fatalf("expected response captured, got %+v", records[0])
	}

	stored := deliveries.byStatus(core.DeliveryStatusFailed)
	if len(stored) != 1 || stored[0].Attempts != 2 {
		t.Fatalf("expected failure attempt recorded, got %+v", stored)
	}
}

func TestDeliverRecordsConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	rules := &fakeRuleStore{rules: []core.RoutingRule{{
		ID: "rule-1", Name: "gone", Source: "stripe", DestinationURL: server.URL, Active: true,
	}}}
	deliveries := newFakeDeliveryStore()
	d := dispatch.New(rules, deliveries, core.DefaultConfig().Dispatch)

	records, err := d.Deliver(context.Background(), testEvent(), testResult())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(records) != 1 || records[0].Status != core.DeliveryStatusFailed {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].ErrorMessage == "" {
		t.Fatal("expected connection error captured on the record")
	}
}

type pollerEventStore struct {
	pending  []core.Event
	results  map[string]core.Result
	statuses map[string][]core.EventStatus
}

func (p *pollerEventStore) Get(ctx context.Context, id string) (core.Event, error) {
	return core.Event{}, goerrors.New("event not found", goerrors.CategoryNotFound)
}

func (p *pollerEventStore) Create(ctx context.Context, event core.Event) (core.Event, error) {
	return event, nil
}

func (p *pollerEventStore) UpdateStatus(ctx context.Context, id string, status core.EventStatus) error {
	if p.statuses == nil {
		p.statuses = map[string][]core.EventStatus{}
	}
	p.statuses[id] = append(p.statuses[id], status)
	return nil
}

func (p *pollerEventStore) PersistResult(ctx context.Context, eventID string, result core.Result) error {
	return nil
}

func (p *pollerEventStore) GetResult(ctx context.Context, eventID string) (core.Result, error) {
	result, ok := p.results[eventID]
	if !ok {
		return core.Result{}, goerrors.New("result not found", goerrors.CategoryNotFound)
	}
	return result, nil
}

func (p *pollerEventStore) ListByStatus(ctx context.Context, status core.EventStatus, limit int) ([]core.Event, error) {
	if status != core.EventStatusPending {
		return nil, nil
	}
	if limit > len(p.pending) {
		limit = len(p.pending)
	}
	return p.pending[:limit], nil
}

func TestPollerMarksProcessedAfterDeliveryPass(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rules := &fakeRuleStore{rules: []core.RoutingRule{{
		ID: "rule-1", Name: "always-broken", Source: "stripe", DestinationURL: server.URL, Active: true,
	}}}
	deliveries := newFakeDeliveryStore()
	d := dispatch.New(rules, deliveries, core.DefaultConfig().Dispatch)

	events := &pollerEventStore{
		pending: []core.Event{testEvent()},
		results: map[string]core.Result{"ev-1": testResult()},
	}
	poller := dispatch.NewPoller(events, d, core.DefaultConfig().Dispatch)

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	trail := events.statuses["ev-1"]
	if len(trail) != 1 || trail[0] != core.EventStatusProcessed {
		t.Fatalf("destination failure must still finalize the event, got %v", trail)
	}
	if failed := deliveries.byStatus(core.DeliveryStatusFailed); len(failed) != 1 {
		t.Fatalf("expected failed delivery recorded, got %+v", failed)
	}
}

func TestPollerSkipsEventWithoutResult(t *testing.T) {
	rules := &fakeRuleStore{}
	deliveries := newFakeDeliveryStore()
	d := dispatch.New(rules, deliveries, core.DefaultConfig().Dispatch)

	events := &pollerEventStore{
		pending: []core.Event{testEvent()},
		results: map[string]core.Result{},
	}
	poller := dispatch.NewPoller(events, d, core.DefaultConfig().Dispatch)

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events.statuses["ev-1"]) != 0 {
		t.Fatalf("event without a result must stay pending, got %v", events.statuses["ev-1"])
	}
}

func TestDeliverSignsRequestWhenSecretConfigured(t *testing.T) {
	var (
		mu           sync.Mutex
		gotBody      []byte
		gotSignature string
		gotTimestamp string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSignature = r.Header.Get("X-Signature")
		gotTimestamp = r.Header.Get("X-Timestamp")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rules := &fakeRuleStore{rules: []core.RoutingRule{{
		ID: "rule-1", Name: "payments", Source: "stripe", DestinationURL: server.URL, Active: true,
	}}}
	deliveries := newFakeDeliveryStore()
	cfg := core.DefaultConfig().Dispatch
	cfg.SigningSecret = "hook-secret"
	d := dispatch.New(rules, deliveries, cfg)

	if _, err := d.Deliver(context.Background(), testEvent(), testResult()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotTimestamp == "" {
		t.Fatal("expected timestamp header")
	}
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write([]byte(gotTimestamp))
	mac.Write([]byte("."))
	mac.Write(gotBody)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != expected {
		t.Fatalf("signature mismatch: got %q want %q", gotSignature, expected)
	}
}

func TestDeliverOmitsSignatureWithoutSecret(t *testing.T) {
	var (
		mu           sync.Mutex
		gotSignature string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotSignature = r.Header.Get("X-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rules := &fakeRuleStore{rules: []core.RoutingRule{{
		ID: "rule-1", Name: "payments", Source: "stripe", DestinationURL: server.URL, Active: true,
	}}}
	deliveries := newFakeDeliveryStore()
	d := dispatch.New(rules, deliveries, core.DefaultConfig().Dispatch)

	if _, err := d.Deliver(context.Background(), testEvent(), testResult()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSignature != "" {
		t.Fatalf("expected no signature header, got %q", gotSignature)
	}
}
