// Package middleware provides composable wrappers around job execution.
// A chain is an ordered list: the first element is the outermost wrapper.
package middleware

import (
	"encoding/json"

	"go-dispatch-lite/core"
)

// Next invokes the remainder of the chain and ultimately the handler.
type Next func(mc *core.MiddlewareContext) core.JobResult

// Middleware wraps one execution. Implementations call next to continue
// or return a result directly to short-circuit.
type Middleware interface {
	Handle(mc *core.MiddlewareContext, next Next) core.JobResult
}

// Func adapts an ordinary function to Middleware.
type Func func(mc *core.MiddlewareContext, next Next) core.JobResult

func (f Func) Handle(mc *core.MiddlewareContext, next Next) core.JobResult {
	return f(mc, next)
}

// Chain folds mws around final from right to left, so mws[0] runs first.
func Chain(mws []Middleware, final Next) Next {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], h
		h = func(mc *core.MiddlewareContext) core.JobResult {
			return mw.Handle(mc, inner)
		}
	}
	return h
}

// KeyFunc derives the key a stateful middleware tracks an execution under.
type KeyFunc func(mc *core.MiddlewareContext) string

// ByName keys executions by job name.
func ByName(mc *core.MiddlewareContext) string {
	return mc.Job.Name
}

// ByNameAndPayload keys executions by job name and compacted payload.
func ByNameAndPayload(mc *core.MiddlewareContext) string {
	return mc.Job.Name + ":" + compact(mc.Job.Payload)
}

func compact(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	// map keys are sorted by encoding/json, so equal payloads share a key
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
