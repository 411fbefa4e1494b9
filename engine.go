package go_dispatch_lite

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go-dispatch-lite/core"
	"go-dispatch-lite/middleware"
)

// Engine is constructed once at startup and owns the registry, the driver
// and the dispatcher shared by every worker it creates.
type Engine struct {
	cfg        Config
	registry   *Registry
	driver     core.Driver
	dispatcher *Dispatcher

	mu       sync.Mutex
	workers  []*Worker
	workerID atomic.Int32

	logger *slog.Logger
	ctx    context.Context
}

// New applies defaults to cfg, validates it and opens the configured
// driver.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lg, enabled := newLogger(cfg.Logger)
	ctx = WithEnabled(ctx, enabled)

	driver, err := cfg.OpenDriver(ctx, lg)
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, cfg, driver, lg), nil
}

// NewWithDriver builds an engine around an already opened driver.
func NewWithDriver(ctx context.Context, cfg Config, driver core.Driver) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lg, enabled := newLogger(cfg.Logger)
	return newEngine(WithEnabled(ctx, enabled), cfg, driver, lg), nil
}

func newEngine(ctx context.Context, cfg Config, driver core.Driver, lg *slog.Logger) *Engine {
	registry := NewRegistry(cfg, cfg.Logger)
	e := &Engine{
		cfg:        cfg,
		registry:   registry,
		driver:     driver,
		dispatcher: NewDispatcher(cfg, registry, driver),
		logger:     lg,
		ctx:        ctx,
	}
	e.logger.DebugContext(ctx, "engine ready", slog.String("driver", string(cfg.Driver)))
	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

func (e *Engine) Driver() core.Driver {
	return e.driver
}

func (e *Engine) Register(def Definition) error {
	return e.registry.Register(def)
}

func (e *Engine) Use(mws ...middleware.Middleware) {
	e.registry.Use(mws...)
}

func (e *Engine) Dispatch(ctx context.Context, name string, payload any, opts Options) (string, error) {
	return e.dispatcher.Dispatch(ctx, name, payload, opts)
}

func (e *Engine) DispatchSync(ctx context.Context, name string, payload any) core.JobResult {
	return e.dispatcher.DispatchSync(ctx, name, payload)
}

func (e *Engine) DispatchBatch(ctx context.Context, items []Item) ([]string, error) {
	return e.dispatcher.DispatchBatch(ctx, items)
}

func (e *Engine) Chain(ctx context.Context, items []Item) ([]string, error) {
	return e.dispatcher.Chain(ctx, items)
}

func (e *Engine) Job(name string, payload any) *PendingDispatch {
	return e.dispatcher.Job(name, payload)
}

// Background returns a dispatcher that pushes submissions off the caller's
// goroutine.
func (e *Engine) Background(size int) *BackgroundDispatcher {
	return NewBackgroundDispatcher(e.dispatcher, size)
}

// GetJob returns core.ErrJobNotFound for unknown ids.
func (e *Engine) GetJob(ctx context.Context, id string) (*core.Job, error) {
	return e.driver.Get(ctx, id)
}

func (e *Engine) DeleteJob(ctx context.Context, id string) error {
	return e.driver.Delete(ctx, id)
}

// QueueSize counts pending and reserved jobs of queue.
func (e *Engine) QueueSize(ctx context.Context, queue string) (int, error) {
	return e.driver.Size(ctx, queue)
}

// ClearQueue removes pending and reserved jobs of queue. Completed and
// failed jobs stay queryable.
func (e *Engine) ClearQueue(ctx context.Context, queue string) error {
	return e.driver.Clear(ctx, queue)
}

// NewWorker creates a worker; zero-valued options fall back to the
// engine configuration.
func (e *Engine) NewWorker(opts WorkerOptions) *Worker {
	w := newWorker(int(e.workerID.Add(1)), e.cfg, opts, e.driver, e.registry)

	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()

	return w
}

// Metrics returns the counters of every worker created by the engine.
func (e *Engine) Metrics() []*Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := make([]*Metrics, len(e.workers))
	for i, w := range e.workers {
		m[i] = w.Metrics()
	}
	return m
}

// Close stops every worker and closes the driver.
func (e *Engine) Close() error {
	e.mu.Lock()
	workers := append([]*Worker(nil), e.workers...)
	e.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	e.logger.DebugContext(e.ctx, "close engine")
	return e.driver.Close()
}
