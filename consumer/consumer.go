package consumer

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-webhook-pipeline/core"
)

const (
	metricProcessed    = "pipeline.consumer.processed"
	metricFailed       = "pipeline.consumer.failed"
	metricMalformed    = "pipeline.consumer.malformed"
	metricReclaimed    = "pipeline.consumer.reclaimed"
	metricProcessingMS = "pipeline.consumer.processing_ms"
)

// Consumer drains the event stream through a consumer group, runs each
// entry through the executor, and records the outcome. Every entry it
// receives is acknowledged exactly once, after its terminal handling, so
// a crash mid-entry leaves the entry pending for reclaim.
type Consumer struct {
	Broker      core.StreamBroker
	Events      core.EventStore
	Retries     core.RetryStore
	DeadLetters core.DeadLetterStore
	Executor    core.Executor
	Backoff     core.BackoffScheduler
	Fetcher     core.PayloadFetcher
	Logger      core.Logger
	Metrics     core.MetricsRecorder
	MaxAttempts int
	Now         func() time.Time

	cfg core.ConsumerConfig
}

func New(
	broker core.StreamBroker,
	events core.EventStore,
	retries core.RetryStore,
	deadLetters core.DeadLetterStore,
	executor core.Executor,
	cfg core.ConsumerConfig,
) *Consumer {
	return &Consumer{
		Broker:      broker,
		Events:      events,
		Retries:     retries,
		DeadLetters: deadLetters,
		Executor:    executor,
		Backoff:     core.ExponentialBackoff{},
		Logger:      core.ResolveLogger("consumer", nil, nil),
		Metrics:     core.NopMetricsRecorder{},
		MaxAttempts: core.DefaultConfig().Retry.MaxAttempts,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		cfg: cfg,
	}
}

// Run blocks until ctx is canceled, reading batches from the group and
// handling them. Broker read errors are logged and retried after a short
// pause rather than stopping the loop.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.validate(); err != nil {
		return err
	}
	if err := c.Broker.EnsureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := c.Broker.ReadBatch(ctx, int64(c.batchSize()), c.blockTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			core.LogWith(ctx, c.logger(), "error", "stream read failed", map[string]any{
				"error": err.Error(),
			})
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		c.handleBatch(ctx, entries, metricProcessed)
	}
}

// Reclaim takes over entries left pending by stalled consumers and
// handles them like a freshly read batch. Errors are returned but a
// failed pass is safe to repeat.
func (c *Consumer) Reclaim(ctx context.Context) error {
	if err := c.validate(); err != nil {
		return err
	}
	entries, err := c.Broker.Claim(ctx, c.reclaimIdle(), int64(c.reclaimCount()))
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		c.metrics().IncCounter(ctx, metricReclaimed, int64(len(entries)), nil)
		core.LogWith(ctx, c.logger(), "info", "reclaimed stuck entries", map[string]any{
			"count": len(entries),
		})
	}
	c.handleBatch(ctx, entries, metricProcessed)
	return nil
}

func (c *Consumer) handleBatch(ctx context.Context, entries []core.StreamEntry, successMetric string) {
	if len(entries) == 0 {
		return
	}
	sem := make(chan struct{}, c.concurrency())
	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(entry core.StreamEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			c.handleEntry(ctx, entry, successMetric)
		}(entry)
	}
	wg.Wait()
}

// handleEntry runs one stream entry to a terminal state. Malformed
// entries are acknowledged and dropped; processable entries end up
// pending (for dispatch) or failed with a retry entry, and the stream
// entry is acknowledged once that outcome is durably recorded. A store
// failure that leaves no retry bookkeeping skips the ack so the entry
// stays claimable.
func (c *Consumer) handleEntry(ctx context.Context, entry core.StreamEntry, successMetric string) {
	msg, err := decodeEntry(entry)
	if err != nil {
		c.metrics().IncCounter(ctx, metricMalformed, 1, nil)
		core.LogWith(ctx, c.logger(), "warn", "dropping malformed stream entry", map[string]any{
			"entry_id": entry.ID,
			"error":    err.Error(),
		})
		c.ack(ctx, entry.ID)
		return
	}

	event, err := c.resolveEvent(ctx, msg)
	if err != nil {
		core.LogWith(ctx, c.logger(), "error", "event lookup failed", map[string]any{
			"entry_id": entry.ID,
			"event_id": msg.EventID,
			"error":    err.Error(),
		})
		// Store unavailable: leave the entry pending so reclaim retries it.
		return
	}

	if err := c.Events.UpdateStatus(ctx, event.ID, core.EventStatusProcessing); err != nil {
		core.LogWith(ctx, c.logger(), "error", "mark processing failed", map[string]any{
			"event_id": event.ID,
			"error":    err.Error(),
		})
		return
	}

	payload, err := c.resolvePayload(ctx, msg, event)
	if err != nil {
		if c.recordFailure(ctx, event.ID, err) {
			c.ack(ctx, entry.ID)
		}
		return
	}

	started := c.now()
	result, err := c.Executor.Process(ctx, payload, c.categoryFor(msg, event), c.sourceFor(msg, event))
	elapsed := c.now().Sub(started)
	c.metrics().ObserveHistogram(ctx, metricProcessingMS, float64(elapsed.Milliseconds()), map[string]string{
		"category": c.categoryFor(msg, event),
	})

	if err != nil {
		if c.recordFailure(ctx, event.ID, err) {
			c.ack(ctx, entry.ID)
		}
		return
	}

	if err := c.Events.PersistResult(ctx, event.ID, result); err != nil {
		if c.recordFailure(ctx, event.ID, err) {
			c.ack(ctx, entry.ID)
		}
		return
	}
	if err := c.Events.UpdateStatus(ctx, event.ID, core.EventStatusPending); err != nil {
		core.LogWith(ctx, c.logger(), "error", "mark pending failed", map[string]any{
			"event_id": event.ID,
			"error":    err.Error(),
		})
	}

	c.metrics().IncCounter(ctx, successMetric, 1, map[string]string{
		"category": result.Metadata.Category,
	})
	c.ack(ctx, entry.ID)
}

// recordFailure upserts the retry entry, marks the event failed, and
// promotes straight to the dead letter queue when the merged entry has
// already burned through the attempt budget. It reports whether the
// failure is now captured by the retry subsystem; when it is not, the
// caller must leave the stream entry unacknowledged so reclaim redelivers
// it once the store recovers.
func (c *Consumer) recordFailure(ctx context.Context, eventID string, cause error) bool {
	c.metrics().IncCounter(ctx, metricFailed, 1, nil)

	nextRetryAt := c.now().Add(c.backoff().NextDelay(1))
	entry, err := c.Retries.Upsert(ctx, eventID, cause, nextRetryAt)
	if err != nil {
		core.LogWith(ctx, c.logger(), "error", "retry upsert failed", map[string]any{
			"event_id": eventID,
			"error":    err.Error(),
		})
		return false
	}
	if err := c.Events.UpdateStatus(ctx, eventID, core.EventStatusFailed); err != nil {
		core.LogWith(ctx, c.logger(), "error", "mark failed failed", map[string]any{
			"event_id": eventID,
			"error":    err.Error(),
		})
	}

	if entry.Attempts >= c.maxAttempts() {
		if _, promoteErr := c.DeadLetters.Promote(ctx, entry, cause.Error()); promoteErr != nil {
			core.LogWith(ctx, c.logger(), "error", "dead letter promotion failed", map[string]any{
				"event_id": eventID,
				"error":    promoteErr.Error(),
			})
			// The exhausted entry would never be scanned again; let
			// redelivery retry the promotion.
			return false
		}
	}

	core.LogWith(ctx, c.logger(), "warn", "event processing failed", map[string]any{
		"event_id": eventID,
		"attempts": entry.Attempts,
		"error":    cause.Error(),
	})
	return true
}

func (c *Consumer) resolveEvent(ctx context.Context, msg message) (core.Event, error) {
	event, err := c.Events.Get(ctx, msg.EventID)
	if err == nil {
		return event, nil
	}
	if mapped := core.PipelineErrorMapper(err); mapped != nil && mapped.Category == goerrors.CategoryNotFound {
		return c.Events.Create(ctx, core.Event{
			ID:       msg.EventID,
			Source:   msg.Source,
			Category: msg.Category,
			Payload:  msg.Payload,
			Status:   core.EventStatusReceived,
		})
	}
	return core.Event{}, err
}

func (c *Consumer) resolvePayload(ctx context.Context, msg message, event core.Event) (map[string]any, error) {
	if msg.Payload != nil {
		return msg.Payload, nil
	}
	if msg.StorageKey != "" {
		if c.Fetcher == nil {
			return nil, goerrors.New("consumer: storage_key entry requires a payload fetcher", goerrors.CategoryBadInput).
				WithTextCode(core.PipelineErrorDecodeFailed)
		}
		return c.Fetcher.Fetch(ctx, msg.StorageKey)
	}
	if event.Payload != nil {
		return event.Payload, nil
	}
	return nil, goerrors.New("consumer: no payload available for event", goerrors.CategoryBadInput).
		WithTextCode(core.PipelineErrorDecodeFailed)
}

func (c *Consumer) categoryFor(msg message, event core.Event) string {
	if msg.Category != "" {
		return msg.Category
	}
	return event.Category
}

func (c *Consumer) sourceFor(msg message, event core.Event) string {
	if msg.Source != "" {
		return msg.Source
	}
	return event.Source
}

func (c *Consumer) ack(ctx context.Context, entryID string) {
	if err := c.Broker.Ack(ctx, entryID); err != nil {
		core.LogWith(ctx, c.logger(), "error", "ack failed", map[string]any{
			"entry_id": entryID,
			"error":    err.Error(),
		})
	}
}

func (c *Consumer) validate() error {
	if c == nil || c.Broker == nil || c.Events == nil || c.Retries == nil ||
		c.DeadLetters == nil || c.Executor == nil {
		return goerrors.New(
			"consumer: broker, stores, and executor are required",
			goerrors.CategoryBadInput,
		).WithTextCode(core.PipelineErrorBadInput)
	}
	return nil
}

func (c *Consumer) metrics() core.MetricsRecorder {
	if c != nil && c.Metrics != nil {
		return c.Metrics
	}
	return core.NopMetricsRecorder{}
}

func (c *Consumer) logger() core.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return core.ResolveLogger("consumer", nil, nil)
}

func (c *Consumer) now() time.Time {
	if c != nil && c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Consumer) backoff() core.BackoffScheduler {
	if c != nil && c.Backoff != nil {
		return c.Backoff
	}
	return core.ExponentialBackoff{}
}

func (c *Consumer) maxAttempts() int {
	if c != nil && c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return core.DefaultConfig().Retry.MaxAttempts
}

func (c *Consumer) batchSize() int {
	if c.cfg.BatchSize > 0 {
		return c.cfg.BatchSize
	}
	return core.DefaultConfig().Consumer.BatchSize
}

func (c *Consumer) blockTimeout() time.Duration {
	if c.cfg.BlockTimeout > 0 {
		return c.cfg.BlockTimeout
	}
	return core.DefaultConfig().Consumer.BlockTimeout
}

func (c *Consumer) concurrency() int {
	if c.cfg.Concurrency > 0 {
		return c.cfg.Concurrency
	}
	return core.DefaultConfig().Consumer.Concurrency
}

func (c *Consumer) reclaimIdle() time.Duration {
	if c.cfg.ReclaimIdle > 0 {
		return c.cfg.ReclaimIdle
	}
	return core.DefaultConfig().Consumer.ReclaimIdle
}

func (c *Consumer) reclaimCount() int {
	if c.cfg.ReclaimCount > 0 {
		return c.cfg.ReclaimCount
	}
	return core.DefaultConfig().Consumer.ReclaimCount
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
