package core

import (
	"strings"
	"time"
)

// EventStatus tracks an event through the processing lifecycle:
// received -> processing -> {pending | failed}; pending -> processed after a
// delivery attempt; a transient failed event re-enters processing via retry,
// a terminal failed event stays failed after dead-letter promotion.
type EventStatus string

const (
	EventStatusReceived   EventStatus = "received"
	EventStatusProcessing EventStatus = "processing"
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusReceived, EventStatusProcessing, EventStatusPending,
		EventStatusProcessed, EventStatusFailed:
		return true
	}
	return false
}

type Event struct {
	ID          string
	Source      string
	Category    string
	Payload     map[string]any
	Headers     map[string]string
	SizeBytes   int
	Status      EventStatus
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// Result is the executor output persisted for a successfully processed event.
type Result struct {
	Original map[string]any `json:"original"`
	Enriched map[string]any `json:"enriched"`
	Metadata Metadata       `json:"metadata"`
}

type Metadata struct {
	Category         string `json:"category"`
	Source           string `json:"source"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	ProcessedAt      string `json:"processed_at"`
	PayloadSize      int    `json:"payload_size"`
}

// RetryEntry is the single live retry bookkeeping row for a failed event.
// At most one entry exists per event id; concurrent failure reports merge
// into it by incrementing attempts.
type RetryEntry struct {
	ID           string
	EventID      string
	Attempts     int
	ErrorMessage string
	NextRetryAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeadLetterEntry is terminal: once it exists, the event's retry entry is
// gone and the event status is failed for good.
type DeadLetterEntry struct {
	ID              string
	EventID         string
	FinalError      string
	AttemptsMade    int
	MovedAt         time.Time
	OriginalRetryID string
	CreatedAt       time.Time
}

// RoutingRule matches processed events to delivery destinations. An empty
// Source or Category acts as a wildcard. Rules are managed outside this core
// and read-only here.
type RoutingRule struct {
	ID             string
	Name           string
	Source         string
	Category       string
	DestinationURL string
	TransformExpr  string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Matches reports whether the rule applies to the given source and category.
func (r RoutingRule) Matches(source, category string) bool {
	if !r.Active {
		return false
	}
	if s := strings.TrimSpace(r.Source); s != "" && s != source {
		return false
	}
	if c := strings.TrimSpace(r.Category); c != "" && c != category {
		return false
	}
	return true
}

type DeliveryStatus string

const (
	DeliveryStatusAttempting DeliveryStatus = "attempting"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusFailed     DeliveryStatus = "failed"
)

// DeliveryRecord is one logical delivery per (event, rule). Failed attempts
// bump Attempts on the same record rather than rewriting history.
type DeliveryRecord struct {
	ID             string
	EventID        string
	RuleID         string
	DestinationURL string
	Status         DeliveryStatus
	ResponseCode   int
	ResponseBody   string
	Attempts       int
	ErrorMessage   string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}
