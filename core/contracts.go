package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// MetricsRecorder is the injectable metrics sink used by every component.
// The pipeline never talks to a metrics backend directly.
type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// StreamEntry is one broker message: an opaque entry id plus flat
// field/value pairs as stored on the stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// StreamBroker is the consumer-group contract over the event topic.
// ReadBatch blocks up to the given wait for new entries assigned to this
// consumer; Claim takes over entries another consumer left pending longer
// than minIdle. Acknowledgment is per entry id.
type StreamBroker interface {
	EnsureGroup(ctx context.Context) error
	ReadBatch(ctx context.Context, count int64, block time.Duration) ([]StreamEntry, error)
	Claim(ctx context.Context, minIdle time.Duration, count int64) ([]StreamEntry, error)
	Ack(ctx context.Context, entryID string) error
	Publish(ctx context.Context, fields map[string]any) (string, error)
}

// PayloadFetcher resolves an external-storage reference carried on a stream
// entry into the raw payload document.
type PayloadFetcher interface {
	Fetch(ctx context.Context, key string) (map[string]any, error)
}

// Executor is the pure processing stage: enrichment of a payload given its
// category and source, with no store or broker access.
type Executor interface {
	Process(ctx context.Context, payload map[string]any, category, source string) (Result, error)
}

type EventStore interface {
	Get(ctx context.Context, id string) (Event, error)
	Create(ctx context.Context, event Event) (Event, error)
	UpdateStatus(ctx context.Context, id string, status EventStatus) error
	// PersistResult upserts the processed result for the event; calling it
	// twice for the same event id is not an error.
	PersistResult(ctx context.Context, eventID string, result Result) error
	GetResult(ctx context.Context, eventID string) (Result, error)
	ListByStatus(ctx context.Context, status EventStatus, limit int) ([]Event, error)
}

type RetryStore interface {
	// Upsert inserts the entry with attempts=1 or, when one already exists
	// for the event id, increments attempts and refreshes the error message.
	Upsert(ctx context.Context, eventID string, cause error, nextRetryAt time.Time) (RetryEntry, error)
	Get(ctx context.Context, eventID string) (RetryEntry, error)
	// ListDue returns entries whose next_retry_at has elapsed and whose
	// attempts are still below maxAttempts, oldest due first.
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]RetryEntry, error)
	// BeginAttempt increments attempts, schedules the next window, and marks
	// the event processing, all in one transaction. It returns the entry as
	// written.
	BeginAttempt(ctx context.Context, entryID string, nextRetryAt time.Time) (RetryEntry, error)
	UpdateError(ctx context.Context, entryID string, cause error) error
	Delete(ctx context.Context, entryID string) error
}

type DeadLetterStore interface {
	// Promote inserts the dead-letter entry, deletes the retry entry, and
	// marks the event terminally failed in a single transaction.
	Promote(ctx context.Context, entry RetryEntry, finalError string) (DeadLetterEntry, error)
	Get(ctx context.Context, eventID string) (DeadLetterEntry, error)
	// DeleteOlderThan removes entries moved before the cutoff. A missing
	// dead-letter table yields zero deletions, not an error.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type RuleStore interface {
	// ActiveBySource returns active rules whose source equals the given
	// source or is a wildcard.
	ActiveBySource(ctx context.Context, source string) ([]RoutingRule, error)
}

type DeliveryStore interface {
	Create(ctx context.Context, record DeliveryRecord) (DeliveryRecord, error)
	MarkDelivered(ctx context.Context, id string, responseCode int, responseBody string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	// MarkFailedResponse records a non-success HTTP response on the record.
	MarkFailedResponse(ctx context.Context, id string, responseCode int, responseBody string) error
	ListByEvent(ctx context.Context, eventID string) ([]DeliveryRecord, error)
}

// StoreProvider bundles the stores a pipeline runtime needs, the way the SQL
// factory exposes them.
type StoreProvider interface {
	EventStore() EventStore
	RetryStore() RetryStore
	DeadLetterStore() DeadLetterStore
	RuleStore() RuleStore
	DeliveryStore() DeliveryStore
}
