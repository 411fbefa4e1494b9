package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// HandlerFunc executes one attempt of a job.
type HandlerFunc func(jc *JobContext, payload json.RawMessage) error

// Handle adapts a typed handler. The payload is decoded from JSON into T
// before fn is called.
func Handle[T any](fn func(jc *JobContext, payload T) error) HandlerFunc {
	return func(jc *JobContext, payload json.RawMessage) error {
		var v T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		return fn(jc, v)
	}
}

// JobContext is created per execution attempt. It is a context.Context
// whose cancellation signals shutdown or timeout to the handler.
type JobContext struct {
	context.Context
	cancel context.CancelFunc

	Job         *Job
	Attempt     int
	MaxAttempts int
	Metadata    Metadata

	logger *slog.Logger
}

func NewJobContext(ctx context.Context, job *Job, logger *slog.Logger) *JobContext {
	if logger == nil {
		logger = slog.Default()
	}
	cctx, cancel := context.WithCancel(ctx)
	return &JobContext{
		Context:     cctx,
		cancel:      cancel,
		Job:         job,
		Attempt:     job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Metadata:    job.Metadata,
		logger:      logger,
	}
}

// WithContext returns a shallow copy bound to ctx. Cancelling the copy does
// not cancel the original.
func (c *JobContext) WithContext(ctx context.Context) *JobContext {
	cp := *c
	cp.Context, cp.cancel = context.WithCancel(ctx)
	return &cp
}

func (c *JobContext) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *JobContext) Logger() *slog.Logger {
	return c.logger
}

func (c *JobContext) IsLastAttempt() bool {
	return c.Attempt >= c.MaxAttempts
}

// MiddlewareContext pairs the job with its execution context for the
// middleware chain.
type MiddlewareContext struct {
	Job *Job
	Ctx *JobContext
}

func (mc *MiddlewareContext) WithContext(ctx context.Context) *MiddlewareContext {
	return &MiddlewareContext{Job: mc.Job, Ctx: mc.Ctx.WithContext(ctx)}
}

// JobResult is the outcome of one execution. Failures travel as values,
// never as panics or returned errors.
type JobResult struct {
	Success  bool
	Skipped  bool
	Err      error
	Duration time.Duration
}

func Succeeded() JobResult {
	return JobResult{Success: true}
}

func Failed(err error) JobResult {
	return JobResult{Success: false, Err: err}
}

func Skipped() JobResult {
	return JobResult{Success: true, Skipped: true}
}

func (r JobResult) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
