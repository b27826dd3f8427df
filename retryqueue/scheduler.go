package retryqueue

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-webhook-pipeline/core"
)

const (
	metricSucceeded      = "pipeline.retry.succeeded"
	metricFailed         = "pipeline.retry.failed"
	metricDeadLettered   = "pipeline.retry.dead_lettered"
	metricCleanupDeleted = "pipeline.retry.cleanup_deleted"
)

// Scheduler periodically re-runs failed events whose backoff window has
// elapsed. Each due entry is handled independently: one bad entry never
// stops the rest of the batch.
type Scheduler struct {
	Retries     core.RetryStore
	Events      core.EventStore
	DeadLetters core.DeadLetterStore
	Executor    core.Executor
	Backoff     core.BackoffScheduler
	Logger      core.Logger
	Metrics     core.MetricsRecorder
	Now         func() time.Time

	cfg core.RetryConfig
}

func New(
	retries core.RetryStore,
	events core.EventStore,
	deadLetters core.DeadLetterStore,
	executor core.Executor,
	cfg core.RetryConfig,
) *Scheduler {
	return &Scheduler{
		Retries:     retries,
		Events:      events,
		DeadLetters: deadLetters,
		Executor:    executor,
		Backoff: core.ExponentialBackoff{
			Base:       cfg.BaseDelay,
			Multiplier: cfg.Multiplier,
			Max:        cfg.MaxDelay,
		},
		Logger:  core.ResolveLogger("retryqueue", nil, nil),
		Metrics: core.NopMetricsRecorder{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
		cfg: cfg,
	}
}

// Tick runs one scan: list due entries, oldest first, and attempt each.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}

	now := s.now()
	entries, err := s.Retries.ListDue(ctx, now, s.maxAttempts(), s.batchSize())
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.processEntry(ctx, entry); err != nil {
			core.LogWith(ctx, s.logger(), "error", "retry entry handling failed", map[string]any{
				"retry_id": entry.ID,
				"event_id": entry.EventID,
				"error":    err.Error(),
			})
		}
	}
	return nil
}

// processEntry claims the entry for one attempt and re-runs the executor.
// Success removes the entry and finalizes the event; failure either
// reschedules or, once the attempt budget is spent, promotes the entry to
// the dead letter queue.
func (s *Scheduler) processEntry(ctx context.Context, entry core.RetryEntry) error {
	nextRetryAt := s.now().Add(s.backoff().NextDelay(entry.Attempts + 1))
	claimed, err := s.Retries.BeginAttempt(ctx, entry.ID, nextRetryAt)
	if err != nil {
		return err
	}

	event, err := s.Events.Get(ctx, claimed.EventID)
	if err != nil {
		return err
	}

	result, execErr := s.Executor.Process(ctx, event.Payload, event.Category, event.Source)
	if execErr == nil {
		if err := s.Events.PersistResult(ctx, event.ID, result); err != nil {
			return err
		}
		if err := s.Events.UpdateStatus(ctx, event.ID, core.EventStatusProcessed); err != nil {
			return err
		}
		if err := s.Retries.Delete(ctx, claimed.ID); err != nil {
			return err
		}
		s.metrics().IncCounter(ctx, metricSucceeded, 1, map[string]string{
			"category": result.Metadata.Category,
		})
		core.LogWith(ctx, s.logger(), "info", "retry succeeded", map[string]any{
			"event_id": event.ID,
			"attempts": claimed.Attempts,
		})
		return nil
	}

	if claimed.Attempts >= s.maxAttempts() {
		if _, err := s.DeadLetters.Promote(ctx, claimed, execErr.Error()); err != nil {
			return err
		}
		s.metrics().IncCounter(ctx, metricDeadLettered, 1, nil)
		core.LogWith(ctx, s.logger(), "warn", "retry budget exhausted, event dead lettered", map[string]any{
			"event_id": event.ID,
			"attempts": claimed.Attempts,
			"error":    execErr.Error(),
		})
		return nil
	}

	if err := s.Retries.UpdateError(ctx, claimed.ID, execErr); err != nil {
		return err
	}
	if err := s.Events.UpdateStatus(ctx, event.ID, core.EventStatusFailed); err != nil {
		return err
	}
	s.metrics().IncCounter(ctx, metricFailed, 1, nil)
	core.LogWith(ctx, s.logger(), "warn", "retry failed, rescheduled", map[string]any{
		"event_id":      event.ID,
		"attempts":      claimed.Attempts,
		"next_retry_at": claimed.NextRetryAt,
		"error":         execErr.Error(),
	})
	return nil
}

// Cleanup prunes dead letter entries older than the retention window.
func (s *Scheduler) Cleanup(ctx context.Context) error {
	if s == nil || s.DeadLetters == nil {
		return goerrors.New("retryqueue: dead letter store is required", goerrors.CategoryBadInput).
			WithTextCode(core.PipelineErrorBadInput)
	}
	cutoff := s.now().AddDate(0, 0, -s.retentionDays())
	deleted, err := s.DeadLetters.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.metrics().IncCounter(ctx, metricCleanupDeleted, int64(deleted), nil)
		core.LogWith(ctx, s.logger(), "info", "dead letter retention cleanup", map[string]any{
			"deleted": deleted,
			"cutoff":  cutoff,
		})
	}
	return nil
}

func (s *Scheduler) validate() error {
	if s == nil || s.Retries == nil || s.Events == nil || s.DeadLetters == nil || s.Executor == nil {
		return goerrors.New(
			"retryqueue: stores and executor are required",
			goerrors.CategoryBadInput,
		).WithTextCode(core.PipelineErrorBadInput)
	}
	return nil
}

func (s *Scheduler) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) backoff() core.BackoffScheduler {
	if s != nil && s.Backoff != nil {
		return s.Backoff
	}
	return core.ExponentialBackoff{}
}

func (s *Scheduler) metrics() core.MetricsRecorder {
	if s != nil && s.Metrics != nil {
		return s.Metrics
	}
	return core.NopMetricsRecorder{}
}

func (s *Scheduler) logger() core.Logger {
	if s != nil && s.Logger != nil {
		return s.Logger
	}
	return core.ResolveLogger("retryqueue", nil, nil)
}

func (s *Scheduler) maxAttempts() int {
	if s.cfg.MaxAttempts > 0 {
		return s.cfg.MaxAttempts
	}
	return core.DefaultConfig().Retry.MaxAttempts
}

func (s *Scheduler) batchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return core.DefaultConfig().Retry.BatchSize
}

func (s *Scheduler) retentionDays() int {
	if s.cfg.RetentionDays > 0 {
		return s.cfg.RetentionDays
	}
	return core.DefaultConfig().Retry.RetentionDays
}
