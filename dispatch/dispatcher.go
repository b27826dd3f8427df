package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-webhook-pipeline/core"
)

const (
	metricDelivered      = "pipeline.dispatch.delivered"
	metricDeliveryFailed = "pipeline.dispatch.failed"
	metricNoRuleMatched  = "pipeline.dispatch.unmatched"

	// responseBodyLimit caps what gets persisted from destination replies.
	responseBodyLimit = 4 << 10
)

// HTTPClient lets tests substitute the outbound client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher fans a processed event out to every matching routing rule.
// Rules run concurrently and independently: one destination failing never
// blocks another, and delivery failures never feed back into processing
// retries. Each (event, rule) pair gets its own delivery record.
type Dispatcher struct {
	Rules      core.RuleStore
	Deliveries core.DeliveryStore
	Client     HTTPClient
	Logger     core.Logger
	Metrics    core.MetricsRecorder

	cfg    core.DispatchConfig
	signer *signer
}

func New(rules core.RuleStore, deliveries core.DeliveryStore, cfg core.DispatchConfig) *Dispatcher {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = core.DefaultConfig().Dispatch.RequestTimeout
	}
	return &Dispatcher{
		Rules:      rules,
		Deliveries: deliveries,
		Client:     &http.Client{Timeout: timeout},
		Logger:     core.ResolveLogger("dispatch", nil, nil),
		Metrics:    core.NopMetricsRecorder{},
		cfg:        cfg,
		signer:     newSigner(cfg.SigningSecret, cfg.SignatureHeader, cfg.TimestampHeader),
	}
}

// Deliver sends the event's processed result to every active rule that
// matches its source and category. It returns one record per attempted
// rule; no matching rules means no records and no error.
func (d *Dispatcher) Deliver(ctx context.Context, event core.Event, result core.Result) ([]core.DeliveryRecord, error) {
	if d == nil || d.Rules == nil || d.Deliveries == nil {
		return nil, goerrors.New("dispatch: rule and delivery stores are required", goerrors.CategoryBadInput).
			WithTextCode(core.PipelineErrorBadInput)
	}

	rules, err := d.Rules.ActiveBySource(ctx, event.Source)
	if err != nil {
		return nil, err
	}

	matched := make([]core.RoutingRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Matches(event.Source, event.Category) {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		d.metrics().IncCounter(ctx, metricNoRuleMatched, 1, map[string]string{
			"source": event.Source,
		})
		return nil, nil
	}

	var (
		mu      sync.Mutex
		records []core.DeliveryRecord
		wg      sync.WaitGroup
	)
	for _, rule := range matched {
		wg.Add(1)
		go func(rule core.RoutingRule) {
			defer wg.Done()
			record := d.deliverToRule(ctx, rule, event, result)
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
		}(rule)
	}
	wg.Wait()
	return records, nil
}

func (d *Dispatcher) deliverToRule(ctx context.Context, rule core.RoutingRule, event core.Event, result core.Result) core.DeliveryRecord {
	record, err := d.Deliveries.Create(ctx, core.DeliveryRecord{
		EventID:        event.ID,
		RuleID:         rule.ID,
		DestinationURL: rule.DestinationURL,
		Status:         core.DeliveryStatusAttempting,
	})
	if err != nil {
		core.LogWith(ctx, d.logger(), "error", "delivery record create failed", map[string]any{
			"event_id": event.ID,
			"rule":     rule.Name,
			"error":    err.Error(),
		})
		return core.DeliveryRecord{EventID: event.ID, RuleID: rule.ID, Status: core.DeliveryStatusFailed}
	}

	body, err := d.buildBody(rule, event, result)
	if err != nil {
		d.markFailed(ctx, &record, rule, err)
		return record
	}

	status, responseBody, err := d.post(ctx, rule.DestinationURL, body, event.ID)
	if err != nil {
		d.markFailed(ctx, &record, rule, err)
		return record
	}

	if status >= 200 && status < 400 {
		if err := d.Deliveries.MarkDelivered(ctx, record.ID, status, responseBody); err != nil {
			core.LogWith(ctx, d.logger(), "error", "mark delivered failed", map[string]any{
				"delivery_id": record.ID,
				"error":       err.Error(),
			})
		}
		record.Status = core.DeliveryStatusDelivered
		record.ResponseCode = status
		record.ResponseBody = responseBody
		d.metrics().IncCounter(ctx, metricDelivered, 1, map[string]string{"rule": rule.Name})
		core.LogWith(ctx, d.logger(), "info", "event delivered", map[string]any{
			"event_id": event.ID,
			"rule":     rule.Name,
			"status":   status,
		})
		return record
	}

	if err := d.Deliveries.MarkFailedResponse(ctx, record.ID, status, responseBody); err != nil {
		core.LogWith(ctx, d.logger(), "error", "mark failed response failed", map[string]any{
			"delivery_id": record.ID,
			"error":       err.Error(),
		})
	}
	record.Status = core.DeliveryStatusFailed
	record.ResponseCode = status
	record.ResponseBody = responseBody
	d.metrics().IncCounter(ctx, metricDeliveryFailed, 1, map[string]string{"rule": rule.Name})
	core.LogWith(ctx, d.logger(), "warn", "destination rejected delivery", map[string]any{
		"event_id": event.ID,
		"rule":     rule.Name,
		"status":   status,
	})
	return record
}

func (d *Dispatcher) buildBody(rule core.RoutingRule, event core.Event, result core.Result) ([]byte, error) {
	tf, err := newTransform(rule.TransformExpr)
	if err != nil {
		return nil, err
	}
	envelope, err := tf.Apply(event, result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, eventID string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", deliveryError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent())
	req.Header.Set("X-Event-ID", eventID)
	d.signer.sign(req, body)

	resp, err := d.client().Do(req)
	if err != nil {
		return 0, "", deliveryError(err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return resp.StatusCode, "", deliveryError(err)
	}
	return resp.StatusCode, string(responseBody), nil
}

func (d *Dispatcher) markFailed(ctx context.Context, record *core.DeliveryRecord, rule core.RoutingRule, cause error) {
	if err := d.Deliveries.MarkFailed(ctx, record.ID, cause); err != nil {
		core.LogWith(ctx, d.logger(), "error", "mark failed failed", map[string]any{
			"delivery_id": record.ID,
			"error":       err.Error(),
		})
	}
	record.Status = core.DeliveryStatusFailed
	record.ErrorMessage = cause.Error()
	d.metrics().IncCounter(ctx, metricDeliveryFailed, 1, map[string]string{"rule": rule.Name})
	core.LogWith(ctx, d.logger(), "warn", "delivery failed", map[string]any{
		"event_id": record.EventID,
		"rule":     rule.Name,
		"error":    cause.Error(),
	})
}

func (d *Dispatcher) client() HTTPClient {
	if d != nil && d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: core.DefaultConfig().Dispatch.RequestTimeout}
}

func (d *Dispatcher) userAgent() string {
	if d.cfg.UserAgent != "" {
		return d.cfg.UserAgent
	}
	return core.DefaultConfig().Dispatch.UserAgent
}

func (d *Dispatcher) metrics() core.MetricsRecorder {
	if d != nil && d.Metrics != nil {
		return d.Metrics
	}
	return core.NopMetricsRecorder{}
}

func (d *Dispatcher) logger() core.Logger {
	if d != nil && d.Logger != nil {
		return d.Logger
	}
	return core.ResolveLogger("dispatch", nil, nil)
}

func deliveryError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, "dispatch: deliver").
		WithTextCode(core.PipelineErrorDeliveryFailed)
}
