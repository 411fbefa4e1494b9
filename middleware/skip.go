package middleware

import "go-dispatch-lite/core"

// Skip bypasses execution and reports success when cond holds.
func Skip(cond func(mc *core.MiddlewareContext) bool) Middleware {
	return Func(func(mc *core.MiddlewareContext, next Next) core.JobResult {
		if cond(mc) {
			return core.Skipped()
		}
		return next(mc)
	})
}

// SkipIf is Skip with a condition evaluated without the context.
func SkipIf(cond func() bool) Middleware {
	return Skip(func(*core.MiddlewareContext) bool { return cond() })
}
