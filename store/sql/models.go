package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:webhook_events,alias:we"`

	ID          string            `bun:"id,pk"`
	Source      string            `bun:"source,notnull"`
	Category    string            `bun:"category"`
	Payload     map[string]any    `bun:"payload,type:jsonb,notnull"`
	Headers     map[string]string `bun:"headers,type:jsonb"`
	SizeBytes   int               `bun:"size_bytes,notnull"`
	Status      string            `bun:"status,notnull"`
	ReceivedAt  time.Time         `bun:"received_at,nullzero,notnull,default:current_timestamp"`
	ProcessedAt *time.Time        `bun:"processed_at,nullzero"`
}

type processedResultRecord struct {
	bun.BaseModel `bun:"table:processed_results,alias:pr"`

	ID               string         `bun:"id,pk"`
	EventID          string         `bun:"event_id,notnull,unique"`
	Result           map[string]any `bun:"result,type:jsonb,notnull"`
	ProcessingTimeMS int64          `bun:"processing_time_ms"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type retryEntryRecord struct {
	bun.BaseModel `bun:"table:retry_queue,alias:rq"`

	ID           string    `bun:"id,pk"`
	EventID      string    `bun:"event_id,notnull,unique"`
	Attempts     int       `bun:"attempts,notnull"`
	ErrorMessage string    `bun:"error_message"`
	NextRetryAt  time.Time `bun:"next_retry_at,nullzero,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:dead_letter_queue,alias:dlq"`

	ID              string    `bun:"id,pk"`
	EventID         string    `bun:"event_id,notnull"`
	FinalError      string    `bun:"final_error"`
	AttemptsMade    int       `bun:"attempts_made,notnull"`
	MovedAt         time.Time `bun:"moved_at,nullzero,notnull"`
	OriginalRetryID string    `bun:"original_retry_id"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type routingRuleRecord struct {
	bun.BaseModel `bun:"table:routing_rules,alias:rr"`

	ID             string    `bun:"id,pk"`
	Name           string    `bun:"name,notnull"`
	Source         *string   `bun:"source"`
	Category       *string   `bun:"category"`
	DestinationURL string    `bun:"destination_url,notnull"`
	TransformExpr  string    `bun:"transform_expr"`
	Active         bool      `bun:"is_active,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deliveryLogRecord struct {
	bun.BaseModel `bun:"table:delivery_logs,alias:dl"`

	ID             string     `bun:"id,pk"`
	EventID        string     `bun:"event_id,notnull"`
	RuleID         string     `bun:"rule_id,notnull"`
	DestinationURL string     `bun:"destination_url,notnull"`
	Status         string     `bun:"status,notnull"`
	ResponseCode   int        `bun:"response_code"`
	ResponseBody   string     `bun:"response_body"`
	Attempts       int        `bun:"attempts,notnull"`
	ErrorMessage   string     `bun:"error_message"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	DeliveredAt    *time.Time `bun:"delivered_at,nullzero"`
}
