package middleware

import (
	"log/slog"
	"time"

	"go-dispatch-lite/core"
)

// Logging writes structured start/success/failure records with timing.
// A nil logger uses the execution's own logger.
func Logging(logger *slog.Logger) Middleware {
	return Func(func(mc *core.MiddlewareContext, next Next) core.JobResult {
		lg := logger
		if lg == nil {
			lg = mc.Ctx.Logger()
		}

		lg.InfoContext(mc.Ctx, "job started",
			slog.String("job_name", mc.Job.Name),
			slog.String("job_id", mc.Job.ID),
			slog.Int("attempt", mc.Ctx.Attempt),
		)

		start := time.Now()
		res := next(mc)
		elapsed := time.Since(start)

		switch {
		case !res.Success:
			lg.ErrorContext(mc.Ctx, "job failed",
				slog.String("job_name", mc.Job.Name),
				slog.String("job_id", mc.Job.ID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", res.Message()),
			)
		case res.Skipped:
			lg.InfoContext(mc.Ctx, "job skipped",
				slog.String("job_name", mc.Job.Name),
				slog.String("job_id", mc.Job.ID),
			)
		default:
			lg.InfoContext(mc.Ctx, "job completed",
				slog.String("job_name", mc.Job.Name),
				slog.String("job_id", mc.Job.ID),
				slog.Duration("elapsed", elapsed),
			)
		}
		return res
	})
}
