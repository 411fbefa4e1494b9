package middleware

import (
	"time"

	"go-dispatch-lite/core"
)

type retry struct {
	times int
	delay time.Duration
}

// Retry re-runs the rest of the chain inline up to times extra tries,
// waiting delay in between, and returns the last failure. It does not
// consume job attempts.
func Retry(times int, delay time.Duration) Middleware {
	return &retry{times: times, delay: delay}
}

func (r *retry) Handle(mc *core.MiddlewareContext, next Next) core.JobResult {
	res := next(mc)
	for i := 0; i < r.times && !res.Success; i++ {
		if r.delay > 0 {
			t := time.NewTimer(r.delay)
			select {
			case <-t.C:
			case <-mc.Ctx.Done():
				t.Stop()
				return res
			}
		} else if mc.Ctx.Err() != nil {
			return res
		}

		mc.Ctx.Logger().DebugContext(mc.Ctx, "inline retry", "try", i+2, "error", res.Message())
		res = next(mc)
	}
	return res
}
