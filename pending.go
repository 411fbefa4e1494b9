package go_dispatch_lite

import (
	"context"
	"time"

	"go-dispatch-lite/core"
)

// PendingDispatch collects options for one dispatch. Nothing is queued
// until Dispatch is called.
type PendingDispatch struct {
	d       *Dispatcher
	name    string
	payload any
	opts    Options
}

func (p *PendingDispatch) OnQueue(name string) *PendingDispatch {
	p.opts.Queue = name
	return p
}

func (p *PendingDispatch) Priority(priority core.Priority) *PendingDispatch {
	p.opts.Priority = &priority
	return p
}

func (p *PendingDispatch) Critical() *PendingDispatch {
	return p.Priority(core.PriorityCritical)
}

func (p *PendingDispatch) High() *PendingDispatch {
	return p.Priority(core.PriorityHigh)
}

func (p *PendingDispatch) Normal() *PendingDispatch {
	return p.Priority(core.PriorityDefault)
}

func (p *PendingDispatch) Low() *PendingDispatch {
	return p.Priority(core.PriorityLow)
}

func (p *PendingDispatch) Delay(d time.Duration) *PendingDispatch {
	p.opts.Delay = d
	p.opts.AvailableAt = time.Time{}
	return p
}

func (p *PendingDispatch) DelaySeconds(s int) *PendingDispatch {
	return p.Delay(time.Duration(s) * time.Second)
}

func (p *PendingDispatch) DelayMinutes(m int) *PendingDispatch {
	return p.Delay(time.Duration(m) * time.Minute)
}

func (p *PendingDispatch) DelayHours(h int) *PendingDispatch {
	return p.Delay(time.Duration(h) * time.Hour)
}

func (p *PendingDispatch) At(t time.Time) *PendingDispatch {
	p.opts.AvailableAt = t
	p.opts.Delay = 0
	return p
}

func (p *PendingDispatch) MaxAttempts(n int) *PendingDispatch {
	p.opts.MaxAttempts = n
	return p
}

func (p *PendingDispatch) Meta(key string, value any) *PendingDispatch {
	if p.opts.Metadata == nil {
		p.opts.Metadata = core.Metadata{}
	}
	p.opts.Metadata[key] = value
	return p
}

func (p *PendingDispatch) CorrelationID(id string) *PendingDispatch {
	return p.Meta(core.MetaCorrelationID, id)
}

func (p *PendingDispatch) Tags(tags ...string) *PendingDispatch {
	return p.Meta(core.MetaTags, tags)
}

// Unique deduplicates on key for ttl; zero ttl uses the configured default.
func (p *PendingDispatch) Unique(key string, ttl time.Duration) *PendingDispatch {
	p.opts.UniqueKey = key
	p.opts.UniqueTTL = ttl
	return p
}

func (p *PendingDispatch) Options() Options {
	return p.opts
}

func (p *PendingDispatch) Dispatch(ctx context.Context) (string, error) {
	return p.d.Dispatch(ctx, p.name, p.payload, p.opts)
}
