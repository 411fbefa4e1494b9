package go_dispatch_lite

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go-dispatch-lite/core"
)

// Sentinel results of Dispatch. They are markers, never job ids.
const (
	DispatchDisabled  = "disabled"
	DispatchDuplicate = "duplicate"
)

// Options override a definition's defaults for one dispatch.
type Options struct {
	Queue       string
	Priority    *core.Priority
	Delay       time.Duration
	AvailableAt time.Time
	MaxAttempts int
	Metadata    core.Metadata
	// UniqueKey skips the dispatch while a job with the same key was
	// dispatched within UniqueTTL.
	UniqueKey string
	UniqueTTL time.Duration
}

func (o Options) validate() error {
	if o.Delay < 0 {
		return &core.ValidationError{Field: "Delay", Message: "must not be negative"}
	}
	if o.Delay > 0 && !o.AvailableAt.IsZero() {
		return &core.ValidationError{Field: "Delay", Message: "cannot be combined with AvailableAt"}
	}
	if o.MaxAttempts < 0 {
		return &core.ValidationError{Field: "MaxAttempts", Message: "must not be negative"}
	}
	if o.UniqueTTL < 0 {
		return &core.ValidationError{Field: "UniqueTTL", Message: "must not be negative"}
	}
	return nil
}

// Item is one entry of a batch or chain.
type Item struct {
	Name    string
	Payload any
	Options Options
}

type Dispatcher struct {
	cfg      Config
	registry *Registry
	driver   core.Driver
	exec     *executor
	now      func() time.Time

	logger     *slog.Logger
	logEnabled bool
}

func NewDispatcher(cfg Config, registry *Registry, driver core.Driver) *Dispatcher {
	lg, enabled := newLogger(cfg.Logger)
	return &Dispatcher{
		cfg:        cfg,
		registry:   registry,
		driver:     driver,
		exec:       &executor{registry: registry, logger: lg},
		now:        func() time.Time { return time.Now().UTC() },
		logger:     lg,
		logEnabled: enabled,
	}
}

// Dispatch builds a job for the registered name and pushes it. It returns
// the new job id, or DispatchDisabled / DispatchDuplicate.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload any, opts Options) (string, error) {
	ctx = WithLogJobName(WithEnabled(ctx, d.logEnabled), name)

	if d.cfg.Disabled {
		d.logger.DebugContext(ctx, "dispatch disabled")
		return DispatchDisabled, nil
	}

	job, err := d.build(name, payload, opts)
	if err != nil {
		return "", err
	}
	ctx = WithLogQueue(WithLogJobID(ctx, job.ID), job.Queue)

	var unique core.UniqueDriver
	if opts.UniqueKey != "" {
		var ok bool
		if unique, ok = d.driver.(core.UniqueDriver); !ok {
			return "", fmt.Errorf("unique dispatch: %w", core.ErrDriverUnsupported)
		}
		exists, err := unique.HasUniqueKey(ctx, opts.UniqueKey)
		if err != nil {
			return "", err
		}
		if exists {
			d.logger.InfoContext(ctx, "duplicate dispatch skipped", slog.String("unique_key", opts.UniqueKey))
			return DispatchDuplicate, nil
		}
	}

	if err = d.driver.Push(ctx, job); err != nil {
		d.logger.ErrorContext(ctx, "driver.Push", "error", err)
		return "", err
	}

	if unique != nil {
		ttl := opts.UniqueTTL
		if ttl == 0 {
			ttl = d.cfg.DefaultUniqueTTL
		}
		// the job is already queued; a lost key only weakens deduplication
		if err = unique.SetUniqueKey(ctx, opts.UniqueKey, job.ID, ttl); err != nil {
			d.logger.WarnContext(ctx, "driver.SetUniqueKey", "error", err)
		}
	}

	d.logger.DebugContext(ctx, "dispatched", slog.Time("available_at", job.AvailableAt))
	return job.ID, nil
}

func (d *Dispatcher) build(name string, payload any, opts Options) (*core.Job, error) {
	def, ok := d.registry.Get(name)
	if !ok {
		return nil, &core.RegistrationError{Name: name}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	job := core.NewJob(name).
		SetQueue(def.Queue).
		SetPriority(*def.Priority).
		SetMaxAttempts(def.MaxAttempts)

	now := d.now()
	job.CreatedAt = now
	job.AvailableAt = now

	if err := job.Encode(payload); err != nil {
		return nil, &core.ValidationError{Field: "Payload", Message: err.Error()}
	}
	if opts.Queue != "" {
		job.SetQueue(opts.Queue)
	}
	if opts.Priority != nil {
		job.SetPriority(*opts.Priority)
	}
	if opts.MaxAttempts > 0 {
		job.SetMaxAttempts(opts.MaxAttempts)
	}
	switch {
	case opts.Delay > 0:
		job.SetAvailableAt(now.Add(opts.Delay))
	case !opts.AvailableAt.IsZero():
		job.SetAvailableAt(opts.AvailableAt)
	}
	if len(opts.Metadata) > 0 {
		job.Metadata = maps.Clone(opts.Metadata)
	}

	return job, nil
}

// DispatchSync runs the handler in the calling goroutine without touching
// the driver. Failures come back inside the result.
func (d *Dispatcher) DispatchSync(ctx context.Context, name string, payload any) core.JobResult {
	ctx = WithLogJobName(WithEnabled(ctx, d.logEnabled), name)

	job, err := d.build(name, payload, Options{})
	if err != nil {
		return core.Failed(err)
	}
	job.Attempts = 1

	ctx = withLogJob(ctx, job.Queue, job.ID, job.Name, job.Attempts)
	res, _, _ := d.exec.execute(ctx, job)
	if !res.Success {
		d.logger.WarnContext(ctx, "sync dispatch failed", "error", res.Err)
	}
	return res
}

// DispatchBatch dispatches every item. The returned ids line up with items;
// failed entries are empty and reported through a BatchError.
func (d *Dispatcher) DispatchBatch(ctx context.Context, items []Item) ([]string, error) {
	ids := make([]string, len(items))
	var batchErr *core.BatchError

	for i, item := range items {
		id, err := d.Dispatch(ctx, item.Name, item.Payload, item.Options)
		if err != nil {
			if batchErr == nil {
				batchErr = &core.BatchError{Total: len(items), FirstError: err}
			}
			batchErr.Failed++
			continue
		}
		ids[i] = id
	}

	if batchErr != nil {
		return ids, batchErr
	}
	return ids, nil
}

// Chain dispatches items with one extra second of delay per position.
// This spaces the jobs out but does not wait for the previous one to
// finish, so retries can reorder them.
func (d *Dispatcher) Chain(ctx context.Context, items []Item) ([]string, error) {
	ids := make([]string, 0, len(items))

	for i, item := range items {
		opts := item.Options
		step := time.Duration(i) * time.Second
		if !opts.AvailableAt.IsZero() {
			opts.AvailableAt = opts.AvailableAt.Add(step)
		} else {
			opts.Delay += step
		}

		id, err := d.Dispatch(ctx, item.Name, item.Payload, opts)
		if err != nil {
			return ids, fmt.Errorf("chain link %d (%s): %w", i, item.Name, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// Job starts a fluent dispatch.
func (d *Dispatcher) Job(name string, payload any) *PendingDispatch {
	return &PendingDispatch{d: d, name: name, payload: payload}
}
