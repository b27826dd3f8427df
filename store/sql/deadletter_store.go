package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-webhook-pipeline/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type DeadLetterStore struct {
	db *bun.DB
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &DeadLetterStore{db: db}, nil
}

// Promote moves an exhausted retry entry to the dead-letter queue. The
// insert, the retry-entry delete, and the terminal event status all commit
// together; a failure in any step rolls the whole promotion back so the
// retry-uniqueness invariant holds.
func (s *DeadLetterStore) Promote(
	ctx context.Context,
	entry core.RetryEntry,
	finalError string,
) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	if strings.TrimSpace(entry.EventID) == "" {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: retry entry event id is required")
	}

	now := time.Now().UTC()
	record := &deadLetterRecord{
		ID:              uuid.NewString(),
		EventID:         strings.TrimSpace(entry.EventID),
		FinalError:      strings.TrimSpace(finalError),
		AttemptsMade:    entry.Attempts,
		MovedAt:         now,
		OriginalRetryID: strings.TrimSpace(entry.ID),
		CreatedAt:       now,
	}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*retryEntryRecord)(nil)).
			Where("event_id = ?", record.EventID).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("status = ?", string(core.EventStatusFailed)).
			Set("processed_at = ?", now).
			Where("id = ?", record.EventID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	return deadLetterToDomain(record), nil
}

func (s *DeadLetterStore) Get(ctx context.Context, eventID string) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	record := &deadLetterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead-letter entry for event %q not found", eventID)
		}
		return core.DeadLetterEntry{}, err
	}
	return deadLetterToDomain(record), nil
}

// DeleteOlderThan prunes entries moved before the cutoff. Deployments that
// have never promoted an event may not have the table yet; that counts as
// zero deletions.
func (s *DeadLetterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*deadLetterRecord)(nil)).
		Where("moved_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

func deadLetterToDomain(record *deadLetterRecord) core.DeadLetterEntry {
	return core.DeadLetterEntry{
		ID:              record.ID,
		EventID:         record.EventID,
		FinalError:      record.FinalError,
		AttemptsMade:    record.AttemptsMade,
		MovedAt:         record.MovedAt,
		OriginalRetryID: record.OriginalRetryID,
		CreatedAt:       record.CreatedAt,
	}
}

func isMissingTable(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "no such table") ||
		strings.Contains(message, "does not exist")
}

var _ core.DeadLetterStore = (*DeadLetterStore)(nil)
