package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-webhook-pipeline/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type RetryStore struct {
	db   *bun.DB
	repo repository.Repository[*retryEntryRecord]
}

func NewRetryStore(db *bun.DB) (*RetryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*retryEntryRecord](db, retryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid retry repository wiring: %w", err)
		}
	}
	return &RetryStore{db: db, repo: repo}, nil
}

// Upsert inserts the retry entry with attempts=1 or merges a concurrent
// failure report into the existing row by incrementing attempts. The conflict
// target is the event_id unique key, so competing writers can never produce
// a second live entry for the same event.
func (s *RetryStore) Upsert(
	ctx context.Context,
	eventID string,
	cause error,
	nextRetryAt time.Time,
) (core.RetryEntry, error) {
	if s == nil || s.db == nil {
		return core.RetryEntry{}, fmt.Errorf("sqlstore: retry store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return core.RetryEntry{}, fmt.Errorf("sqlstore: event id is required")
	}

	message := ""
	if cause != nil {
		message = strings.TrimSpace(cause.Error())
	}
	now := time.Now().UTC()
	record := &retryEntryRecord{
		ID:           uuid.NewString(),
		EventID:      eventID,
		Attempts:     1,
		ErrorMessage: message,
		NextRetryAt:  nextRetryAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (event_id) DO UPDATE").
		Set("attempts = rq.attempts + 1").
		Set("error_message = EXCLUDED.error_message").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("id, attempts, next_retry_at, created_at").
		Scan(ctx)
	if err != nil {
		return core.RetryEntry{}, err
	}
	return retryToDomain(record), nil
}

func (s *RetryStore) Get(ctx context.Context, eventID string) (core.RetryEntry, error) {
	if s == nil || s.db == nil {
		return core.RetryEntry{}, fmt.Errorf("sqlstore: retry store is not configured")
	}
	record := &retryEntryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.RetryEntry{}, fmt.Errorf("sqlstore: retry entry for event %q not found", eventID)
		}
		return core.RetryEntry{}, err
	}
	return retryToDomain(record), nil
}

func (s *RetryStore) ListDue(
	ctx context.Context,
	now time.Time,
	maxAttempts int,
	limit int,
) ([]core.RetryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: retry store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	var records []retryEntryRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.next_retry_at <= ?", now.UTC()).
		Where("?TableAlias.attempts < ?", maxAttempts).
		Order("next_retry_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]core.RetryEntry, 0, len(records))
	for i := range records {
		entries = append(entries, retryToDomain(&records[i]))
	}
	return entries, nil
}

// BeginAttempt bumps the attempt counter, schedules the following window, and
// marks the owning event processing, all inside one transaction so a crash
// between steps cannot leave the pair inconsistent.
func (s *RetryStore) BeginAttempt(
	ctx context.Context,
	entryID string,
	nextRetryAt time.Time,
) (core.RetryEntry, error) {
	if s == nil || s.db == nil {
		return core.RetryEntry{}, fmt.Errorf("sqlstore: retry store is not configured")
	}
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return core.RetryEntry{}, fmt.Errorf("sqlstore: retry entry id is required")
	}

	record := &retryEntryRecord{}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.id = ?", entryID).
			Limit(1).
			Scan(ctx); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("sqlstore: retry entry %q not found", entryID)
			}
			return err
		}

		record.Attempts++
		record.NextRetryAt = nextRetryAt.UTC()
		record.UpdatedAt = time.Now().UTC()
		if _, err := tx.NewUpdate().
			Model((*retryEntryRecord)(nil)).
			Set("attempts = ?", record.Attempts).
			Set("next_retry_at = ?", record.NextRetryAt).
			Set("updated_at = ?", record.UpdatedAt).
			Where("id = ?", entryID).
			Exec(ctx); err != nil {
			return err
		}

		_, err := tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("status = ?", string(core.EventStatusProcessing)).
			Where("id = ?", record.EventID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return core.RetryEntry{}, err
	}
	return retryToDomain(record), nil
}

func (s *RetryStore) UpdateError(ctx context.Context, entryID string, cause error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: retry store is not configured")
	}
	message := ""
	if cause != nil {
		message = strings.TrimSpace(cause.Error())
	}
	_, err := s.db.NewUpdate().
		Model((*retryEntryRecord)(nil)).
		Set("error_message = ?", message).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", strings.TrimSpace(entryID)).
		Exec(ctx)
	return err
}

func (s *RetryStore) Delete(ctx context.Context, entryID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: retry store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*retryEntryRecord)(nil)).
		Where("id = ?", strings.TrimSpace(entryID)).
		Exec(ctx)
	return err
}

func retryToDomain(record *retryEntryRecord) core.RetryEntry {
	return core.RetryEntry{
		ID:           record.ID,
		EventID:      record.EventID,
		Attempts:     record.Attempts,
		ErrorMessage: record.ErrorMessage,
		NextRetryAt:  record.NextRetryAt,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
}

var _ core.RetryStore = (*RetryStore)(nil)
