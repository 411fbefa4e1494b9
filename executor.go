package go_dispatch_lite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go-dispatch-lite/core"
	"go-dispatch-lite/middleware"
)

// executor runs one attempt of a job through its middleware chain. The
// definition timeout is the innermost wrapper.
type executor struct {
	registry *Registry
	logger   *slog.Logger
}

func (e *executor) execute(ctx context.Context, job *core.Job) (res core.JobResult, def Definition, found bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = core.Failed(&core.ExecutionError{Name: job.Name, Err: fmt.Errorf("panic: %v", r)})
		}
		res.Duration = time.Since(start)
	}()

	def, found = e.registry.Get(job.Name)
	if !found {
		return core.Failed(&core.ExecutionError{Name: job.Name, Err: &core.RegistrationError{Name: job.Name}}), def, false
	}

	jc := core.NewJobContext(ctx, job, e.logger)
	defer jc.Cancel()

	mws := e.registry.Middleware(job.Name)
	if def.Timeout > 0 {
		mws = append(mws, middleware.Timeout(def.Timeout))
	}

	run := middleware.Chain(mws, func(mc *core.MiddlewareContext) core.JobResult {
		return invoke(def, mc)
	})
	return run(&core.MiddlewareContext{Job: job, Ctx: jc}), def, true
}

func invoke(def Definition, mc *core.MiddlewareContext) (res core.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			res = core.Failed(&core.ExecutionError{Name: def.Name, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if err := def.Handler(mc.Ctx, mc.Job.Payload); err != nil {
		return core.Failed(&core.ExecutionError{Name: def.Name, Err: err})
	}
	return core.Succeeded()
}
