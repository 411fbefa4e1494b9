package go_dispatch_lite

import (
	"context"
	"log/slog"
)

type dispatchLoggerContext struct {
	Queue    string
	WorkerID int
	JobID    string
	JobName  string
	Attempt  int
	Disabled bool
}

type keyType int

const key = keyType(0)

// LogHandlerMiddleware decorates records with the execution attributes
// carried in the context and drops them when logging is disabled there.
type LogHandlerMiddleware struct {
	next slog.Handler
}

func NewLogHandlerMiddleware(next slog.Handler) *LogHandlerMiddleware {
	return &LogHandlerMiddleware{next: next}
}

func (h *LogHandlerMiddleware) Enabled(ctx context.Context, rec slog.Level) bool {
	if c, ok := ctx.Value(key).(dispatchLoggerContext); ok {
		return !c.Disabled && h.next.Enabled(ctx, rec)
	}
	return h.next.Enabled(ctx, rec)
}

func (h *LogHandlerMiddleware) Handle(ctx context.Context, rec slog.Record) error {
	if c, ok := ctx.Value(key).(dispatchLoggerContext); ok {
		if c.Queue != "" {
			rec.Add("queue", c.Queue)
		}
		if c.WorkerID != 0 {
			rec.Add("worker_id", c.WorkerID)
		}
		if c.JobID != "" {
			rec.Add("job_id", c.JobID)
		}
		if c.JobName != "" {
			rec.Add("job_name", c.JobName)
		}
		if c.Attempt != 0 {
			rec.Add("attempt", c.Attempt)
		}
	}
	return h.next.Handle(ctx, rec)
}

func (h *LogHandlerMiddleware) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandlerMiddleware{next: h.next.WithAttrs(attrs)}
}

func (h *LogHandlerMiddleware) WithGroup(name string) slog.Handler {
	return &LogHandlerMiddleware{next: h.next.WithGroup(name)}
}

func withLogContext(ctx context.Context, fn func(c *dispatchLoggerContext)) context.Context {
	c, _ := ctx.Value(key).(dispatchLoggerContext)
	fn(&c)
	return context.WithValue(ctx, key, c)
}

func WithLogQueue(ctx context.Context, queue string) context.Context {
	return withLogContext(ctx, func(c *dispatchLoggerContext) { c.Queue = queue })
}

func WithLogWorkerID(ctx context.Context, workerID int) context.Context {
	return withLogContext(ctx, func(c *dispatchLoggerContext) { c.WorkerID = workerID })
}

func WithLogJobID(ctx context.Context, jobID string) context.Context {
	return withLogContext(ctx, func(c *dispatchLoggerContext) { c.JobID = jobID })
}

func WithLogJobName(ctx context.Context, name string) context.Context {
	return withLogContext(ctx, func(c *dispatchLoggerContext) { c.JobName = name })
}

func WithLogAttempt(ctx context.Context, attempt int) context.Context {
	return withLogContext(ctx, func(c *dispatchLoggerContext) { c.Attempt = attempt })
}

// WithEnabled switches logging on or off for everything logged with ctx.
func WithEnabled(ctx context.Context, e bool) context.Context {
	return withLogContext(ctx, func(c *dispatchLoggerContext) { c.Disabled = !e })
}

// withLogJob attaches every attribute of one execution.
func withLogJob(ctx context.Context, queue, id, name string, attempt int) context.Context {
	return withLogContext(ctx, func(c *dispatchLoggerContext) {
		c.Queue = queue
		c.JobID = id
		c.JobName = name
		c.Attempt = attempt
	})
}

// newLogger wraps lg, or slog.Default when lg is nil, and reports whether
// logging should be enabled.
func newLogger(lg *slog.Logger) (*slog.Logger, bool) {
	enabled := lg != nil
	if lg == nil {
		lg = slog.Default()
	}
	return slog.New(NewLogHandlerMiddleware(lg.Handler())), enabled
}
