package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-webhook-pipeline/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type DeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*deliveryLogRecord]
}

func NewDeliveryStore(db *bun.DB) (*DeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deliveryLogRecord](db, deliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid delivery repository wiring: %w", err)
		}
	}
	return &DeliveryStore{db: db, repo: repo}, nil
}

func (s *DeliveryStore) Create(ctx context.Context, record core.DeliveryRecord) (core.DeliveryRecord, error) {
	if s == nil || s.repo == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	if strings.TrimSpace(record.EventID) == "" {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery event id is required")
	}
	if strings.TrimSpace(record.DestinationURL) == "" {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery destination url is required")
	}

	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := record.Status
	if status == "" {
		status = core.DeliveryStatusAttempting
	}
	attempts := record.Attempts
	if attempts < 1 {
		attempts = 1
	}
	row := &deliveryLogRecord{
		ID:             id,
		EventID:        strings.TrimSpace(record.EventID),
		RuleID:         strings.TrimSpace(record.RuleID),
		DestinationURL: strings.TrimSpace(record.DestinationURL),
		Status:         string(status),
		Attempts:       attempts,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.repo.Create(ctx, row); err != nil {
		return core.DeliveryRecord{}, err
	}
	return deliveryToDomain(row), nil
}

func (s *DeliveryStore) MarkDelivered(ctx context.Context, id string, responseCode int, responseBody string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*deliveryLogRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusDelivered)).
		Set("response_code = ?", responseCode).
		Set("response_body = ?", responseBody).
		Set("delivered_at = ?", time.Now().UTC()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

// MarkFailed records the failure outcome and bumps the attempt counter on
// the same logical record rather than appending a new row.
func (s *DeliveryStore) MarkFailed(ctx context.Context, id string, cause error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery store is not configured")
	}
	message := ""
	if cause != nil {
		message = strings.TrimSpace(cause.Error())
	}
	_, err := s.db.NewUpdate().
		Model((*deliveryLogRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusFailed)).
		Set("attempts = attempts + 1").
		Set("error_message = ?", message).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

// MarkFailedResponse records a non-success HTTP outcome with its response
// code and body.
func (s *DeliveryStore) MarkFailedResponse(ctx context.Context, id string, responseCode int, responseBody string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*deliveryLogRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusFailed)).
		Set("attempts = attempts + 1").
		Set("response_code = ?", responseCode).
		Set("response_body = ?", responseBody).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

func (s *DeliveryStore) ListByEvent(ctx context.Context, eventID string) ([]core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	var rows []deliveryLogRecord
	err := s.db.NewSelect().
		Model(&rows).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]core.DeliveryRecord, 0, len(rows))
	for i := range rows {
		records = append(records, deliveryToDomain(&rows[i]))
	}
	return records, nil
}

func deliveryToDomain(row *deliveryLogRecord) core.DeliveryRecord {
	return core.DeliveryRecord{
		ID:             row.ID,
		EventID:        row.EventID,
		RuleID:         row.RuleID,
		DestinationURL: row.DestinationURL,
		Status:         core.DeliveryStatus(row.Status),
		ResponseCode:   row.ResponseCode,
		ResponseBody:   row.ResponseBody,
		Attempts:       row.Attempts,
		ErrorMessage:   row.ErrorMessage,
		CreatedAt:      row.CreatedAt,
		DeliveredAt:    row.DeliveredAt,
	}
}

var _ core.DeliveryStore = (*DeliveryStore)(nil)
