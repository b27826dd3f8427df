package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-webhook-pipeline/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type EventStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
}

func NewEventStore(db *bun.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEventRecord](db, eventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid event repository wiring: %w", err)
		}
	}
	return &EventStore{db: db, repo: repo}, nil
}

func (s *EventStore) Create(ctx context.Context, event core.Event) (core.Event, error) {
	if s == nil || s.repo == nil {
		return core.Event{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	if strings.TrimSpace(event.Source) == "" {
		return core.Event{}, fmt.Errorf("sqlstore: event source is required")
	}

	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := event.Status
	if status == "" {
		status = core.EventStatusReceived
	}
	if !status.Valid() {
		return core.Event{}, fmt.Errorf("sqlstore: invalid event status %q", status)
	}
	receivedAt := event.ReceivedAt.UTC()
	if event.ReceivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	record := &webhookEventRecord{
		ID:         id,
		Source:     strings.TrimSpace(event.Source),
		Category:   strings.TrimSpace(event.Category),
		Payload:    copyAnyMap(event.Payload),
		Headers:    copyStringMap(event.Headers),
		SizeBytes:  event.SizeBytes,
		Status:     string(status),
		ReceivedAt: receivedAt,
	}
	if _, err := s.repo.Create(ctx, record); err != nil {
		return core.Event{}, err
	}
	return eventToDomain(record), nil
}

func (s *EventStore) Get(ctx context.Context, id string) (core.Event, error) {
	if s == nil || s.db == nil {
		return core.Event{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record := &webhookEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Event{}, fmt.Errorf("sqlstore: event %q not found", id)
		}
		return core.Event{}, err
	}
	return eventToDomain(record), nil
}

func (s *EventStore) UpdateStatus(ctx context.Context, id string, status core.EventStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	if !status.Valid() {
		return fmt.Errorf("sqlstore: invalid event status %q", status)
	}
	query := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", string(status)).
		Where("id = ?", strings.TrimSpace(id))
	if status == core.EventStatusProcessed || status == core.EventStatusFailed {
		query = query.Set("processed_at = ?", time.Now().UTC())
	}
	_, err := query.Exec(ctx)
	return err
}

// PersistResult stores the executor output for an event. Redelivered entries
// hit the event_id unique key and merge into the existing row, so persisting
// the same result twice is not an error.
func (s *EventStore) PersistResult(ctx context.Context, eventID string, result core.Result) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}

	resultMap, err := resultToMap(result)
	if err != nil {
		return fmt.Errorf("sqlstore: encode result for event %q: %w", eventID, err)
	}
	now := time.Now().UTC()
	record := &processedResultRecord{
		ID:               uuid.NewString(),
		EventID:          eventID,
		Result:           resultMap,
		ProcessingTimeMS: result.Metadata.ProcessingTimeMS,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = s.db.NewInsert().
		Model(record).
		On("CONFLICT (event_id) DO UPDATE").
		Set("result = EXCLUDED.result").
		Set("processing_time_ms = EXCLUDED.processing_time_ms").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return err
	}

	category := strings.TrimSpace(result.Metadata.Category)
	if category == "" {
		return nil
	}
	_, err = s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("category = ?", category).
		Where("id = ?", eventID).
		Exec(ctx)
	return err
}

func (s *EventStore) ListByStatus(ctx context.Context, status core.EventStatus, limit int) ([]core.Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: event store is not configured")
	}
	if !status.Valid() {
		return nil, fmt.Errorf("sqlstore: invalid event status %q", status)
	}
	if limit <= 0 {
		limit = 1
	}
	var records []webhookEventRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(status)).
		Order("received_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	events := make([]core.Event, 0, len(records))
	for i := range records {
		events = append(events, eventToDomain(&records[i]))
	}
	return events, nil
}

// GetResult returns the persisted executor output for an event, used by the
// retry scenario tests and reporting collaborators.
func (s *EventStore) GetResult(ctx context.Context, eventID string) (core.Result, error) {
	if s == nil || s.db == nil {
		return core.Result{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record := &processedResultRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Result{}, fmt.Errorf("sqlstore: result for event %q not found", eventID)
		}
		return core.Result{}, err
	}
	return mapToResult(record.Result)
}

func eventToDomain(record *webhookEventRecord) core.Event {
	return core.Event{
		ID:          record.ID,
		Source:      record.Source,
		Category:    record.Category,
		Payload:     copyAnyMap(record.Payload),
		Headers:     copyStringMap(record.Headers),
		SizeBytes:   record.SizeBytes,
		Status:      core.EventStatus(record.Status),
		ReceivedAt:  record.ReceivedAt,
		ProcessedAt: record.ProcessedAt,
	}
}

func resultToMap(result core.Result) (map[string]any, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapToResult(value map[string]any) (core.Result, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return core.Result{}, err
	}
	out := core.Result{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return core.Result{}, err
	}
	return out, nil
}

var _ core.EventStore = (*EventStore)(nil)
