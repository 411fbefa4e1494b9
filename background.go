package go_dispatch_lite

import (
	"context"
	"log/slog"
	"sync"

	"go-dispatch-lite/core"
)

type submission struct {
	ctx  context.Context
	item Item
}

// BackgroundDispatcher dispatches submitted items from a single goroutine
// so callers can hand work off without waiting on the driver.
type BackgroundDispatcher struct {
	d  *Dispatcher
	ch chan submission

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBackgroundDispatcher starts the dispatch goroutine. size bounds the
// number of pending submissions.
func NewBackgroundDispatcher(d *Dispatcher, size int) *BackgroundDispatcher {
	if size < 1 {
		size = 1
	}
	b := &BackgroundDispatcher{
		d:    d,
		ch:   make(chan submission, size),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

// Submit queues item without blocking. ctx values (not its cancellation)
// are carried over to the dispatch.
func (b *BackgroundDispatcher) Submit(ctx context.Context, item Item) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return core.ErrBackgroundClosed
	}

	select {
	case b.ch <- submission{ctx: context.WithoutCancel(ctx), item: item}:
		return nil
	default:
		return core.ErrBackgroundFull
	}
}

func (b *BackgroundDispatcher) run() {
	defer close(b.done)

	for s := range b.ch {
		ctx := WithLogJobName(WithEnabled(s.ctx, b.d.logEnabled), s.item.Name)
		if _, err := b.d.Dispatch(s.ctx, s.item.Name, s.item.Payload, s.item.Options); err != nil {
			b.d.logger.ErrorContext(ctx, "background dispatch failed", slog.Any("error", err))
		}
	}
}

// Close stops accepting submissions and waits for the pending ones to be
// dispatched or for ctx to end.
func (b *BackgroundDispatcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
