package go_dispatch_lite

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"go-dispatch-lite/backoff"
	"go-dispatch-lite/core"
)

type WorkerState int32

const (
	StateNotStarted WorkerState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type WorkerOptions struct {
	// Queues are drained in the listed order on every poll cycle.
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
	// MaxJobs stops fetching after this many jobs. Zero is unbounded.
	MaxJobs int
	// MaxRuntime stops fetching after this long. Zero is unbounded.
	MaxRuntime      time.Duration
	ShutdownTimeout time.Duration
	StaleAfter      time.Duration
}

type Worker struct {
	id   int
	opts WorkerOptions

	driver   core.Driver
	exec     *executor
	fallback backoff.Strategy

	lifecycle sync.Mutex
	state     atomic.Int32
	inFlight  atomic.Int64
	started   atomic.Int64
	sem       chan struct{}
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	metric     *Metrics
	logger     *slog.Logger
	logEnabled bool
}

func newWorker(id int, cfg Config, opts WorkerOptions, driver core.Driver, registry *Registry) *Worker {
	if len(opts.Queues) == 0 {
		opts.Queues = []string{cfg.DefaultQueue}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = cfg.Concurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = cfg.PollInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = cfg.StaleAfter
	}

	lg, enabled := newLogger(cfg.Logger)
	return &Worker{
		id:         id,
		opts:       opts,
		driver:     driver,
		exec:       &executor{registry: registry, logger: lg},
		fallback:   cfg.DefaultBackoff,
		sem:        make(chan struct{}, opts.Concurrency),
		done:       make(chan struct{}),
		metric:     NewMetrics(id),
		logger:     lg,
		logEnabled: enabled,
	}
}

func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// InFlight is the number of executions currently running.
func (w *Worker) InFlight() int {
	return int(w.inFlight.Load())
}

func (w *Worker) Metrics() *Metrics {
	return w.metric
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) logContext(ctx context.Context) context.Context {
	return WithLogWorkerID(WithEnabled(ctx, w.logEnabled), w.id)
}

// Start launches the poll loop and returns immediately. Cancelling ctx has
// the same effect as Stop without waiting.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	switch w.State() {
	case StateNotStarted:
	case StateStopped:
		w.lifecycle.Unlock()
		return core.ErrWorkerStopped
	default:
		w.lifecycle.Unlock()
		return core.ErrAlreadyRunning
	}
	w.ctx, w.cancel = context.WithCancel(w.logContext(ctx))
	w.state.Store(int32(StateRunning))
	w.lifecycle.Unlock()

	w.logger.InfoContext(w.ctx, "start worker",
		slog.Any("queues", w.opts.Queues),
		slog.Int("concurrency", w.opts.Concurrency),
	)

	w.releaseStale()
	go w.loop()
	return nil
}

// Run starts the worker and blocks until ctx is cancelled or a MaxJobs or
// MaxRuntime limit ends it.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		w.Stop()
	case <-w.done:
	}
	return nil
}

// Stop cancels in-flight executions and waits up to ShutdownTimeout for
// them to return.
func (w *Worker) Stop() {
	w.lifecycle.Lock()
	switch w.State() {
	case StateNotStarted:
		w.state.Store(int32(StateStopped))
		close(w.done)
		w.lifecycle.Unlock()
		return
	case StateRunning:
		if w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			w.logger.InfoContext(w.ctx, "stop worker")
		}
		w.cancel()
	}
	w.lifecycle.Unlock()

	<-w.done
}

func (w *Worker) releaseStale() {
	if w.opts.StaleAfter <= 0 {
		return
	}
	releaser, ok := w.driver.(core.StaleReleaser)
	if !ok {
		return
	}

	for _, queue := range w.opts.Queues {
		ctx := WithLogQueue(w.ctx, queue)
		n, err := releaser.ReleaseStale(ctx, queue, w.opts.StaleAfter)
		if err != nil {
			w.logger.WarnContext(ctx, "driver.ReleaseStale", "error", err)
			continue
		}
		if n > 0 {
			w.logger.InfoContext(ctx, "released stale reservations", slog.Int("count", n))
		}
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	pollCtx := w.ctx
	if w.opts.MaxRuntime > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(w.ctx, w.opts.MaxRuntime)
		defer cancel()
	}

	err := wait.PollUntilContextCancel(pollCtx, w.opts.PollInterval, true, w.poll)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		w.logger.ErrorContext(w.ctx, "poll loop", "error", err)
	}

	w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	w.drain()
	w.cancel()
	w.state.Store(int32(StateStopped))

	w.logger.InfoContext(w.ctx, "worker stopped", slog.Any("metrics", w.metric))
}

// drain waits for in-flight executions, at most ShutdownTimeout.
func (w *Worker) drain() {
	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	t := time.NewTimer(w.opts.ShutdownTimeout)
	defer t.Stop()

	select {
	case <-finished:
	case <-t.C:
		w.logger.WarnContext(w.ctx, "shutdown timeout reached with jobs still running",
			slog.Int64("in_flight", w.inFlight.Load()),
		)
	}
}

func (w *Worker) limitReached() bool {
	return w.opts.MaxJobs > 0 && w.started.Load() >= int64(w.opts.MaxJobs)
}

// poll is one cycle: it drains the queues in order while execution slots
// are free. It never returns an error; storage failures count as empty.
func (w *Worker) poll(ctx context.Context) (bool, error) {
	for _, queue := range w.opts.Queues {
		for {
			if w.limitReached() || ctx.Err() != nil {
				return true, nil
			}

			select {
			case w.sem <- struct{}{}:
			default:
				return false, nil
			}

			job, err := w.driver.Pop(ctx, queue)
			if err != nil || job == nil {
				<-w.sem
				if err != nil && ctx.Err() == nil {
					w.logger.WarnContext(WithLogQueue(ctx, queue), "driver.Pop", "error", err)
				}
				break
			}

			w.started.Add(1)
			w.inFlight.Add(1)
			w.wg.Add(1)
			go func() {
				defer func() {
					w.inFlight.Add(-1)
					<-w.sem
					w.wg.Done()
				}()
				w.process(w.ctx, job)
			}()
		}
	}
	return w.limitReached(), nil
}

func (w *Worker) process(ctx context.Context, job *core.Job) {
	ctx = withLogJob(ctx, job.Queue, job.ID, job.Name, job.Attempts)
	w.logger.DebugContext(ctx, "processing job")

	res, def, found := w.exec.execute(ctx, job)
	w.resolve(ctx, job, res, def, found)
}

// resolve records the outcome in the driver: complete on success, release
// with backoff while attempts remain, otherwise fail and run OnFailure.
func (w *Worker) resolve(ctx context.Context, job *core.Job, res core.JobResult, def Definition, found bool) {
	// the outcome is persisted even when the worker is being cancelled
	mctx := context.WithoutCancel(ctx)
	w.metric.RecordProcessingTime(res.Duration)

	if res.Success {
		if err := w.driver.Complete(mctx, job.ID); err != nil {
			w.logger.ErrorContext(ctx, "driver.Complete", "error", err)
		}
		w.metric.IncProcessed()
		if res.Skipped {
			w.metric.IncSkipped()
		}
		w.logger.InfoContext(ctx, "processed job", slog.Duration("duration", res.Duration), slog.Bool("skipped", res.Skipped))
		return
	}

	if job.Attempts < job.MaxAttempts {
		strategy := w.fallback
		if found {
			strategy = def.Backoff
		}
		delay := strategy.Delay(job.Attempts)

		if err := w.driver.Release(mctx, job.ID, delay); err != nil {
			w.logger.ErrorContext(ctx, "driver.Release", "error", err)
		}
		w.metric.IncReleased()
		w.logger.WarnContext(ctx, "job failed, released for retry",
			slog.String("error", res.Message()),
			slog.Duration("delay", delay),
		)
		return
	}

	if err := w.driver.Fail(mctx, job.ID, res.Message()); err != nil {
		w.logger.ErrorContext(ctx, "driver.Fail", "error", err)
	}
	w.metric.IncFailed()

	exhausted := &core.ExhaustedRetriesError{ID: job.ID, Name: job.Name, Attempts: job.Attempts, Err: res.Err}
	w.logger.ErrorContext(ctx, "job failed permanently", "error", exhausted)

	if found && def.OnFailure != nil {
		w.onFailure(mctx, def.OnFailure, job, exhausted)
	}
}

func (w *Worker) onFailure(ctx context.Context, fn FailureFunc, job *core.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "on-failure callback panicked", slog.Any("panic", r))
		}
	}()

	if cbErr := fn(ctx, job, err); cbErr != nil {
		w.logger.ErrorContext(ctx, "on-failure callback", "error", cbErr)
	}
}

// ProcessBatch fetches and executes jobs sequentially until the queues are
// empty, MaxJobs is reached or budget elapses. Executions are bounded by
// the same deadline. It is meant for request-scoped callers that cannot
// run a long-lived poll loop and must not be used while the worker runs.
func (w *Worker) ProcessBatch(ctx context.Context, budget time.Duration) (int, error) {
	if w.State() == StateRunning || w.State() == StateStopping {
		return 0, core.ErrAlreadyRunning
	}

	ctx = w.logContext(ctx)
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	processed := 0
	for _, queue := range w.opts.Queues {
		for {
			if ctx.Err() != nil || (w.opts.MaxJobs > 0 && processed >= w.opts.MaxJobs) {
				return processed, nil
			}

			job, err := w.driver.Pop(ctx, queue)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.WarnContext(WithLogQueue(ctx, queue), "driver.Pop", "error", err)
				}
				break
			}
			if job == nil {
				break
			}

			processed++
			w.inFlight.Add(1)
			w.process(ctx, job)
			w.inFlight.Add(-1)
		}
	}
	return processed, nil
}
