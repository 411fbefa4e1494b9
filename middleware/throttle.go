package middleware

import (
	"sync"
	"time"

	"go-dispatch-lite/core"
)

type failures struct {
	consecutive int
	pausedUntil time.Time
}

// Throttle pauses a key after a run of consecutive failures.
type Throttle struct {
	mu          sync.Mutex
	maxFailures int
	pause       time.Duration
	key         KeyFunc
	state       map[string]*failures
	now         func() time.Time
}

// ThrottlesExceptions fails fast for pause once maxFailures consecutive
// failures were seen for a key. A success resets the counter.
func ThrottlesExceptions(maxFailures int, pause time.Duration, key KeyFunc) *Throttle {
	if key == nil {
		key = ByName
	}
	return &Throttle{
		maxFailures: maxFailures,
		pause:       pause,
		key:         key,
		state:       make(map[string]*failures),
		now:         time.Now,
	}
}

func (t *Throttle) Handle(mc *core.MiddlewareContext, next Next) core.JobResult {
	k := t.key(mc)

	t.mu.Lock()
	st, ok := t.state[k]
	if !ok {
		st = &failures{}
		t.state[k] = st
	}
	if now := t.now(); now.Before(st.pausedUntil) {
		until := st.pausedUntil
		t.mu.Unlock()
		return core.Failed(&core.ThrottledError{Key: k, Until: until})
	}
	t.mu.Unlock()

	res := next(mc)

	t.mu.Lock()
	defer t.mu.Unlock()
	if res.Success {
		st.consecutive = 0
		return res
	}

	st.consecutive++
	if st.consecutive >= t.maxFailures {
		st.consecutive = 0
		st.pausedUntil = t.now().Add(t.pause)
		mc.Ctx.Logger().WarnContext(mc.Ctx, "throttling after consecutive failures",
			"key", k, "until", st.pausedUntil)
	}
	return res
}
