package middleware

import (
	"context"
	"fmt"
	"time"

	"go-dispatch-lite/core"
)

type timeout struct {
	d time.Duration
}

// Timeout races the rest of the chain against d. On expiry it cancels the
// execution context and returns a failed result carrying a TimeoutError;
// the abandoned call keeps running until it observes the cancellation.
func Timeout(d time.Duration) Middleware {
	return &timeout{d: d}
}

func (t *timeout) Handle(mc *core.MiddlewareContext, next Next) core.JobResult {
	if t.d <= 0 {
		return next(mc)
	}

	ctx, cancel := context.WithTimeout(mc.Ctx, t.d)
	defer cancel()
	inner := mc.WithContext(ctx)

	done := make(chan core.JobResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- core.Failed(&core.ExecutionError{Name: mc.Job.Name, Err: fmt.Errorf("panic: %v", r)})
			}
		}()
		done <- next(inner)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		inner.Ctx.Cancel()
		if mc.Ctx.Err() != nil {
			return core.Failed(mc.Ctx.Err())
		}
		return core.Failed(&core.TimeoutError{Name: mc.Job.Name, Timeout: t.d})
	}
}
