package pipeline_test

import (
	"context"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"

	pipeline "github.com/goliatone/go-webhook-pipeline"
	"github.com/goliatone/go-webhook-pipeline/core"
)

type blockingBroker struct{}

func (blockingBroker) EnsureGroup(ctx context.Context) error { return nil }

func (blockingBroker) ReadBatch(ctx context.Context, count int64, block time.Duration) ([]core.StreamEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func (blockingBroker) Claim(ctx context.Context, minIdle time.Duration, count int64) ([]core.StreamEntry, error) {
	return nil, nil
}

func (blockingBroker) Ack(ctx context.Context, entryID string) error { return nil }

func (blockingBroker) Publish(ctx context.Context, fields map[string]any) (string, error) {
	return "0-0", nil
}

type emptyEventStore struct{}

func (emptyEventStore) Get(ctx context.Context, id string) (core.Event, error) {
	return core.Event{}, goerrors.New("event not found", goerrors.CategoryNotFound)
}

func (emptyEventStore) Create(ctx context.Context, event core.Event) (core.Event, error) {
	return event, nil
}

func (emptyEventStore) UpdateStatus(ctx context.Context, id string, status core.EventStatus) error {
	return nil
}

func (emptyEventStore) PersistResult(ctx context.Context, eventID string, result core.Result) error {
	return nil
}

func (emptyEventStore) GetResult(ctx context.Context, eventID string) (core.Result, error) {
	return core.Result{}, goerrors.New("result not found", goerrors.CategoryNotFound)
}

func (emptyEventStore) ListByStatus(ctx context.Context, status core.EventStatus, limit int) ([]core.Event, error) {
	return nil, nil
}

type emptyRetryStore struct{}

func (emptyRetryStore) Upsert(ctx context.Context, eventID string, cause error, nextRetryAt time.Time) (core.RetryEntry, error) {
	return core.RetryEntry{}, nil
}

func (emptyRetryStore) Get(ctx context.Context, eventID string) (core.RetryEntry, error) {
	return core.RetryEntry{}, goerrors.New("retry entry not found", goerrors.CategoryNotFound)
}

func (emptyRetryStore) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]core.RetryEntry, error) {
	return nil, nil
}

func (emptyRetryStore) BeginAttempt(ctx context.Context, entryID string, nextRetryAt time.Time) (core.RetryEntry, error) {
	return core.RetryEntry{}, goerrors.New("retry entry not found", goerrors.CategoryNotFound)
}

func (emptyRetryStore) UpdateError(ctx context.Context, entryID string, cause error) error {
	return nil
}

func (emptyRetryStore) Delete(ctx context.Context, entryID string) error { return nil }

type emptyDeadLetterStore struct{}

func (emptyDeadLetterStore) Promote(ctx context.Context, entry core.RetryEntry, finalError string) (core.DeadLetterEntry, error) {
	return core.DeadLetterEntry{}, nil
}

func (emptyDeadLetterStore) Get(ctx context.Context, eventID string) (core.DeadLetterEntry, error) {
	return core.DeadLetterEntry{}, goerrors.New("dead letter not found", goerrors.CategoryNotFound)
}

func (emptyDeadLetterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

type emptyRuleStore struct{}

func (emptyRuleStore) ActiveBySource(ctx context.Context, source string) ([]core.RoutingRule, error) {
	return nil, nil
}

type emptyDeliveryStore struct{}

func (emptyDeliveryStore) Create(ctx context.Context, record core.DeliveryRecord) (core.DeliveryRecord, error) {
	return record, nil
}

func (emptyDeliveryStore) MarkDelivered(ctx context.Context, id string, responseCode int, responseBody string) error {
	return nil
}

func (emptyDeliveryStore) MarkFailed(ctx context.Context, id string, cause error) error {
	return nil
}

func (emptyDeliveryStore) MarkFailedResponse(ctx context.Context, id string, responseCode int, responseBody string) error {
	return nil
}

func (emptyDeliveryStore) ListByEvent(ctx context.Context, eventID string) ([]core.DeliveryRecord, error) {
	return nil, nil
}

type emptyStores struct{}

func (emptyStores) EventStore() core.EventStore           { return emptyEventStore{} }
func (emptyStores) RetryStore() core.RetryStore           { return emptyRetryStore{} }
func (emptyStores) DeadLetterStore() core.DeadLetterStore { return emptyDeadLetterStore{} }
func (emptyStores) RuleStore() core.RuleStore             { return emptyRuleStore{} }
func (emptyStores) DeliveryStore() core.DeliveryStore     { return emptyDeliveryStore{} }

func TestNewRuntimeValidatesInputs(t *testing.T) {
	cfg := core.DefaultConfig()

	if _, err := pipeline.NewRuntime(nil, emptyStores{}, cfg); err == nil {
		t.Fatal("expected error for nil broker")
	}
	if _, err := pipeline.NewRuntime(blockingBroker{}, nil, cfg); err == nil {
		t.Fatal("expected error for nil stores")
	}

	bad := cfg
	bad.Consumer.Group = ""
	if _, err := pipeline.NewRuntime(blockingBroker{}, emptyStores{}, bad); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestNewRuntimeWiresComponents(t *testing.T) {
	runtime, err := pipeline.NewRuntime(blockingBroker{}, emptyStores{}, core.DefaultConfig())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if runtime.Consumer() == nil || runtime.Scheduler() == nil ||
		runtime.Dispatcher() == nil || runtime.Poller() == nil {
		t.Fatal("expected all components wired")
	}
}

func TestRuntimeStartStop(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Consumer.BlockTimeout = 50 * time.Millisecond

	runtime, err := pipeline.NewRuntime(blockingBroker{}, emptyStores{}, cfg)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	ctx := context.Background()
	if err := runtime.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := runtime.Start(ctx); err == nil {
		t.Fatal("second start must fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := runtime.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := runtime.Stop(stopCtx); err != nil {
		t.Fatalf("stop after stop: %v", err)
	}
}
