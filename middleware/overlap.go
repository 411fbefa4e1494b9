package middleware

import (
	"sync"

	"go-dispatch-lite/core"
)

// Overlap skips executions whose key is already running in this process.
type Overlap struct {
	key     KeyFunc
	mu      sync.Mutex
	running map[string]struct{}
}

// WithoutOverlapping keys by job name and payload when key is nil.
func WithoutOverlapping(key KeyFunc) *Overlap {
	if key == nil {
		key = ByNameAndPayload
	}
	return &Overlap{key: key, running: make(map[string]struct{})}
}

func (o *Overlap) Handle(mc *core.MiddlewareContext, next Next) core.JobResult {
	k := o.key(mc)

	o.mu.Lock()
	if _, busy := o.running[k]; busy {
		o.mu.Unlock()
		mc.Ctx.Logger().InfoContext(mc.Ctx, "overlapping execution skipped", "key", k)
		return core.Skipped()
	}
	o.running[k] = struct{}{}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.running, k)
		o.mu.Unlock()
	}()

	return next(mc)
}

func (o *Overlap) Running(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[key]
	return ok
}
