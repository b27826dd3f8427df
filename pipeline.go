package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/robfig/cron/v3"

	"github.com/goliatone/go-webhook-pipeline/consumer"
	"github.com/goliatone/go-webhook-pipeline/core"
	"github.com/goliatone/go-webhook-pipeline/dispatch"
	"github.com/goliatone/go-webhook-pipeline/processor"
	"github.com/goliatone/go-webhook-pipeline/retryqueue"
)

// Runtime wires the pipeline stages together: the stream consumer runs as
// a blocking loop, while reclaim, retry scans, dispatch polls, and dead
// letter cleanup run on cron schedules. Construct it with NewRuntime, then
// Start it; Stop drains the background jobs.
type Runtime struct {
	cfg        core.Config
	consumer   *consumer.Consumer
	scheduler  *retryqueue.Scheduler
	dispatcher *dispatch.Dispatcher
	poller     *dispatch.Poller
	logger     core.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	fetcher        core.PayloadFetcher
	client         dispatch.HTTPClient
	executor       core.Executor
	now            func() time.Time
}

func WithLogger(logger core.Logger) RuntimeOption {
	return func(o *runtimeOptions) { o.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) RuntimeOption {
	return func(o *runtimeOptions) { o.loggerProvider = provider }
}

func WithMetrics(metrics core.MetricsRecorder) RuntimeOption {
	return func(o *runtimeOptions) { o.metrics = metrics }
}

func WithPayloadFetcher(fetcher core.PayloadFetcher) RuntimeOption {
	return func(o *runtimeOptions) { o.fetcher = fetcher }
}

func WithHTTPClient(client dispatch.HTTPClient) RuntimeOption {
	return func(o *runtimeOptions) { o.client = client }
}

// WithExecutor swaps the default enrichment executor.
func WithExecutor(executor core.Executor) RuntimeOption {
	return func(o *runtimeOptions) { o.executor = executor }
}

func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOptions) { o.now = now }
}

func NewRuntime(broker core.StreamBroker, stores core.StoreProvider, cfg core.Config, opts ...RuntimeOption) (*Runtime, error) {
	if broker == nil {
		return nil, goerrors.New("pipeline: stream broker is required", goerrors.CategoryBadInput).
			WithTextCode(core.PipelineErrorBadInput)
	}
	if stores == nil {
		return nil, goerrors.New("pipeline: store provider is required", goerrors.CategoryBadInput).
			WithTextCode(core.PipelineErrorBadInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	logger := core.ResolveLogger(cfg.ServiceName, options.loggerProvider, options.logger)
	metrics := options.metrics
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	executor := options.executor
	if executor == nil {
		executor = processor.New()
	}
	backoff := core.ExponentialBackoff{
		Base:       cfg.Retry.BaseDelay,
		Multiplier: cfg.Retry.Multiplier,
		Max:        cfg.Retry.MaxDelay,
	}

	cons := consumer.New(broker, stores.EventStore(), stores.RetryStore(), stores.DeadLetterStore(), executor, cfg.Consumer)
	cons.Backoff = backoff
	cons.Fetcher = options.fetcher
	cons.Logger = logger
	cons.Metrics = metrics
	cons.MaxAttempts = cfg.Retry.MaxAttempts

	sched := retryqueue.New(stores.RetryStore(), stores.EventStore(), stores.DeadLetterStore(), executor, cfg.Retry)
	sched.Logger = logger
	sched.Metrics = metrics

	disp := dispatch.New(stores.RuleStore(), stores.DeliveryStore(), cfg.Dispatch)
	disp.Logger = logger
	disp.Metrics = metrics
	if options.client != nil {
		disp.Client = options.client
	}

	poller := dispatch.NewPoller(stores.EventStore(), disp, cfg.Dispatch)
	poller.Logger = logger

	if options.now != nil {
		cons.Now = options.now
		sched.Now = options.now
	}

	return &Runtime{
		cfg:        cfg,
		consumer:   cons,
		scheduler:  sched,
		dispatcher: disp,
		poller:     poller,
		logger:     logger,
	}, nil
}

// Start launches the consumer loop and the periodic jobs. It returns once
// everything is running; use Stop to shut down.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return goerrors.New("pipeline: runtime already started", goerrors.CategoryConflict).
			WithTextCode(core.PipelineErrorInternal)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.cron = cron.New()

	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context) error
	}{
		{"retry_scan", r.cfg.Retry.ScanEvery, r.scheduler.Tick},
		{"reclaim", r.cfg.Consumer.ReclaimEvery, r.consumer.Reclaim},
		{"dispatch_poll", r.cfg.Dispatch.PollEvery, r.poller.Tick},
		{"dead_letter_cleanup", r.cfg.Retry.CleanupEvery, r.scheduler.Cleanup},
	}
	for _, job := range jobs {
		job := job
		spec := fmt.Sprintf("@every %s", job.every)
		if _, err := r.cron.AddFunc(spec, func() {
			if err := job.run(runCtx); err != nil && runCtx.Err() == nil {
				core.LogWith(runCtx, r.logger, "error", "scheduled job failed", map[string]any{
					"job":   job.name,
					"error": err.Error(),
				})
			}
		}); err != nil {
			cancel()
			return goerrors.Wrap(err, goerrors.CategoryInternal, "pipeline: schedule "+job.name).
				WithTextCode(core.PipelineErrorInternal)
		}
	}
	r.cron.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.consumer.Run(runCtx); err != nil && runCtx.Err() == nil {
			core.LogWith(runCtx, r.logger, "error", "consumer loop stopped", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	r.started = true
	core.LogWith(ctx, r.logger, "info", "pipeline runtime started", map[string]any{
		"stream": r.cfg.Consumer.Stream,
		"group":  r.cfg.Consumer.Group,
	})
	return nil
}

// Stop cancels the consumer loop and waits for periodic jobs to finish.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}

	r.cancel()
	cronCtx := r.cron.Stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.started = false
	core.LogWith(ctx, r.logger, "info", "pipeline runtime stopped", nil)
	return nil
}

// Consumer exposes the stream consumer, mainly for manual reclaim passes.
func (r *Runtime) Consumer() *consumer.Consumer { return r.consumer }

// Scheduler exposes the retry scheduler for manual ticks.
func (r *Runtime) Scheduler() *retryqueue.Scheduler { return r.scheduler }

// Dispatcher exposes the rule dispatcher for direct deliveries.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }

// Poller exposes the pending-event poller for manual ticks.
func (r *Runtime) Poller() *dispatch.Poller { return r.poller }
