// Package memory is a process-local driver. Reservation is atomic inside
// one process only; run a single engine instance per store when using it.
package memory

import (
	"context"
	"sync"
	"time"

	"go-dispatch-lite/core"
)

type uniqueKey struct {
	jobID     string
	expiresAt time.Time
}

type Source struct {
	mu     sync.Mutex
	jobs   map[string]*core.Job
	queue  map[string][]string
	unique map[string]uniqueKey
	now    func() time.Time
}

func NewMemorySource() *Source {
	return &Source{
		jobs:   make(map[string]*core.Job),
		queue:  make(map[string][]string),
		unique: make(map[string]uniqueKey),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Source) Push(_ context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[job.ID] = job.Clone()
	m.queue[job.Queue] = append(m.queue[job.Queue], job.ID)

	return nil
}

func (m *Source) Pop(_ context.Context, queue string) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var next *core.Job
	for _, id := range m.queue[queue] {
		job := m.jobs[id]
		if !job.IsAvailable(now) {
			continue
		}
		if next == nil || job.Before(next) {
			next = job
		}
	}

	if next == nil {
		return nil, nil
	}

	next.ReservedAt = &now
	next.Attempts++

	return next.Clone(), nil
}

func (m *Source) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return core.ErrJobNotFound
	}

	now := m.now()
	job.ReservedAt = nil
	job.CompletedAt = &now
	m.removeJobFromQueue(job.Queue, id)

	return nil
}

func (m *Source) Fail(_ context.Context, id string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return core.ErrJobNotFound
	}

	now := m.now()
	job.ReservedAt = nil
	job.FailedAt = &now
	job.Error = &message
	m.removeJobFromQueue(job.Queue, id)

	return nil
}

func (m *Source) Release(_ context.Context, id string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return core.ErrJobNotFound
	}
	if job.IsTerminal() {
		return nil
	}

	job.ReservedAt = nil
	job.AvailableAt = m.now().Add(delay)

	return nil
}

func (m *Source) Get(_ context.Context, id string) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil, core.ErrJobNotFound
	}

	return job.Clone(), nil
}

func (m *Source) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return core.ErrJobNotFound
	}

	delete(m.jobs, id)
	m.removeJobFromQueue(job.Queue, id)

	return nil
}

func (m *Source) Size(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue[queue]), nil
}

func (m *Source) Clear(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.queue[queue] {
		delete(m.jobs, id)
	}
	delete(m.queue, queue)

	return nil
}

func (m *Source) HasUniqueKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, exists := m.unique[key]
	if !exists {
		return false, nil
	}
	if !m.now().Before(u.expiresAt) {
		delete(m.unique, key)
		return false, nil
	}

	return true, nil
}

func (m *Source) SetUniqueKey(_ context.Context, key, jobID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unique[key] = uniqueKey{jobID: jobID, expiresAt: m.now().Add(ttl)}

	return nil
}

// ReleaseStale returns expired reservations to pending. Jobs that were
// reserved on their last attempt are failed instead.
func (m *Source) ReleaseStale(_ context.Context, queue string, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-olderThan)
	released := 0
	for _, id := range append([]string(nil), m.queue[queue]...) {
		job := m.jobs[id]
		if job.ReservedAt == nil || job.ReservedAt.After(cutoff) {
			continue
		}

		job.ReservedAt = nil
		if job.Attempts >= job.MaxAttempts {
			message := core.StaleFinalAttemptMessage
			job.FailedAt = &now
			job.Error = &message
			m.removeJobFromQueue(queue, id)
			continue
		}

		job.AvailableAt = now
		released++
	}

	return released, nil
}

func (m *Source) Close() error {
	return nil
}

// removeJobFromQueue drops id from the queue index. The index only holds
// non-terminal jobs; the arena keeps terminal ones for Get.
func (m *Source) removeJobFromQueue(queue, id string) {
	ids := m.queue[queue]
	for i, v := range ids {
		if v == id {
			m.queue[queue] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}
