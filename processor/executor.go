package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-webhook-pipeline/core"
)

const (
	CategoryPayment    = "payment"
	CategoryDeployment = "deployment"
	CategoryAlert      = "alert"
)

// Executor enriches webhook payloads by category. It is a pure function of
// its inputs apart from the wall clock; it never touches a store or broker
// and never retries internally.
type Executor struct {
	Now func() time.Time
}

func New() *Executor {
	return &Executor{
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (e *Executor) Process(
	ctx context.Context,
	payload map[string]any,
	category string,
	source string,
) (core.Result, error) {
	if e == nil {
		return core.Result{}, fmt.Errorf("processor: executor is nil")
	}
	if err := ctx.Err(); err != nil {
		return core.Result{}, err
	}
	if payload == nil {
		return core.Result{}, goerrors.New("processor: payload is required", goerrors.CategoryBadInput).
			WithTextCode(core.PipelineErrorBadInput)
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return core.Result{}, goerrors.New(
			fmt.Sprintf("processor: malformed payload: %v", err),
			goerrors.CategoryBadInput,
		).WithTextCode(core.PipelineErrorBadInput)
	}

	startedAt := e.now()

	var enriched map[string]any
	switch category {
	case CategoryPayment:
		enriched = e.enrichPayment(payload)
	case CategoryDeployment:
		enriched = e.enrichDeployment(payload, serialized)
	case CategoryAlert:
		enriched = e.enrichAlert(payload, serialized)
	default:
		enriched = enrichGeneric(payload)
	}

	finishedAt := e.now()
	return core.Result{
		Original: payload,
		Enriched: enriched,
		Metadata: core.Metadata{
			Category:         category,
			Source:           source,
			ProcessingTimeMS: finishedAt.Sub(startedAt).Milliseconds(),
			ProcessedAt:      finishedAt.Format(time.RFC3339),
			PayloadSize:      len(serialized),
		},
	}, nil
}

func (e *Executor) enrichPayment(payload map[string]any) map[string]any {
	enriched := clonePayload(payload)
	enriched["processed_type"] = CategoryPayment

	if amount, ok := numericField(payload, "amount"); ok {
		// Round half up, away from zero: 10.005 -> 1001 cents.
		enriched["amount_cents"] = int64(math.Round(amount * 100))
	} else {
		enriched["amount_cents"] = nil
	}

	currency := stringField(payload, "currency")
	if currency == "" {
		currency = "USD"
	}
	enriched["currency"] = currency
	enriched["risk_score"] = riskScore(payload, currency)
	return enriched
}

func (e *Executor) enrichDeployment(payload map[string]any, serialized []byte) map[string]any {
	enriched := clonePayload(payload)
	enriched["processed_type"] = CategoryDeployment
	enriched["environment"] = environmentOf(serialized)

	status := stringField(payload, "status")
	if status == "" {
		status = stringField(payload, "state")
	}
	enriched["deployment_status"] = status

	sha := stringField(payload, "sha")
	if sha == "" {
		if commit, ok := payload["commit"].(map[string]any); ok {
			sha = stringField(commit, "sha")
		}
	}
	enriched["commit_sha"] = sha
	return enriched
}

func (e *Executor) enrichAlert(payload map[string]any, serialized []byte) map[string]any {
	enriched := clonePayload(payload)
	enriched["processed_type"] = CategoryAlert
	enriched["severity"] = severityOf(serialized)

	alertType := stringField(payload, "alert_type")
	if alertType == "" {
		alertType = "general"
	}
	enriched["alert_type"] = alertType

	timestamp := stringField(payload, "timestamp")
	if timestamp == "" {
		timestamp = e.now().Format(time.RFC3339)
	}
	enriched["timestamp"] = timestamp
	return enriched
}

func enrichGeneric(payload map[string]any) map[string]any {
	enriched := clonePayload(payload)
	enriched["processed_type"] = "generic"
	enriched["processed"] = true
	return enriched
}

func riskScore(payload map[string]any, currency string) float64 {
	score := 0.0
	if amount, ok := numericField(payload, "amount"); ok && amount > 1000 {
		score += 0.3
	}
	if currency != "USD" {
		score += 0.2
	}
	return math.Min(score, 1.0)
}

func environmentOf(serialized []byte) string {
	text := strings.ToLower(string(serialized))
	switch {
	case strings.Contains(text, "prod"):
		return "production"
	case strings.Contains(text, "stag"):
		return "staging"
	case strings.Contains(text, "dev"):
		return "development"
	}
	return "unknown"
}

func severityOf(serialized []byte) string {
	text := strings.ToLower(string(serialized))
	switch {
	case strings.Contains(text, "critical"):
		return "critical"
	case strings.Contains(text, "error"):
		return "error"
	case strings.Contains(text, "warning"):
		return "warning"
	}
	return "info"
}

func (e *Executor) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+4)
	for key, value := range payload {
		out[key] = value
	}
	return out
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if value, ok := payload[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func numericField(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch value := payload[key].(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case json.Number:
		parsed, err := value.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

var _ core.Executor = (*Executor)(nil)
