package dispatch

import (
	"context"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-webhook-pipeline/core"
)

// Poller walks events sitting in pending and hands each to the
// dispatcher. An event is marked processed after its delivery pass
// regardless of destination outcomes: delivery bookkeeping lives on the
// delivery records, and a failed destination never re-enters the
// processing retry path.
type Poller struct {
	Events     core.EventStore
	Dispatcher *Dispatcher
	Logger     core.Logger

	cfg core.DispatchConfig
}

func NewPoller(events core.EventStore, dispatcher *Dispatcher, cfg core.DispatchConfig) *Poller {
	return &Poller{
		Events:     events,
		Dispatcher: dispatcher,
		Logger:     core.ResolveLogger("dispatch", nil, nil),
		cfg:        cfg,
	}
}

// Tick runs one pass over pending events.
func (p *Poller) Tick(ctx context.Context) error {
	if p == nil || p.Events == nil || p.Dispatcher == nil {
		return goerrors.New("dispatch: poller requires event store and dispatcher", goerrors.CategoryBadInput).
			WithTextCode(core.PipelineErrorBadInput)
	}

	events, err := p.Events.ListByStatus(ctx, core.EventStatusPending, p.batchSize())
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.dispatchEvent(ctx, event); err != nil {
			core.LogWith(ctx, p.logger(), "error", "dispatch pass failed", map[string]any{
				"event_id": event.ID,
				"error":    err.Error(),
			})
		}
	}
	return nil
}

func (p *Poller) dispatchEvent(ctx context.Context, event core.Event) error {
	result, err := p.Events.GetResult(ctx, event.ID)
	if err != nil {
		return err
	}
	if _, err := p.Dispatcher.Deliver(ctx, event, result); err != nil {
		return err
	}
	return p.Events.UpdateStatus(ctx, event.ID, core.EventStatusProcessed)
}

func (p *Poller) batchSize() int {
	if p.cfg.BatchSize > 0 {
		return p.cfg.BatchSize
	}
	return core.DefaultConfig().Dispatch.BatchSize
}

func (p *Poller) logger() core.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return core.ResolveLogger("dispatch", nil, nil)
}
