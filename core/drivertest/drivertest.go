// Package drivertest is the conformance suite every core.Driver runs in
// its own tests.
package drivertest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-dispatch-lite/core"
)

// Factory returns an empty driver. The suite closes it.
type Factory func(t *testing.T) core.Driver

func Run(t *testing.T, newDriver Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d core.Driver)
	}{
		{"PushGet", testPushGet},
		{"PopEmpty", testPopEmpty},
		{"PopOrder", testPopOrder},
		{"PopOrderSameInstant", testPopOrderSameInstant},
		{"PopSkipsDelayed", testPopSkipsDelayed},
		{"PopReserves", testPopReserves},
		{"Complete", testComplete},
		{"Fail", testFail},
		{"Release", testRelease},
		{"SizeClear", testSizeClear},
		{"Delete", testDelete},
		{"ConcurrentPop", testConcurrentPop},
		{"UniqueKeys", testUniqueKeys},
		{"ReleaseStale", testReleaseStale},
		{"ReleaseStaleFinalAttempt", testReleaseStaleFinalAttempt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDriver(t)
			t.Cleanup(func() { _ = d.Close() })
			tt.fn(t, d)
		})
	}
}

func newJob(queue string, priority core.Priority, created time.Time) *core.Job {
	j := core.NewJob("test.job").SetQueue(queue).SetPriority(priority).SetMaxAttempts(3)
	j.CreatedAt = created.UTC().Truncate(time.Millisecond)
	j.AvailableAt = j.CreatedAt
	return j
}

func push(t *testing.T, d core.Driver, j *core.Job) *core.Job {
	t.Helper()
	require.NoError(t, d.Push(context.Background(), j))
	return j
}

func testPushGet(t *testing.T, d core.Driver) {
	ctx := context.Background()
	j := newJob("mail", core.PriorityHigh, time.Now())
	j.Payload = json.RawMessage(`{"to":"a@example.com","n":2}`)
	j.Metadata = core.Metadata{core.MetaCorrelationID: "corr-1", core.MetaTags: []any{"a", "b"}}
	push(t, d, j)

	got, err := d.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "test.job", got.Name)
	assert.Equal(t, "mail", got.Queue)
	assert.Equal(t, core.PriorityHigh, got.Priority)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.JSONEq(t, string(j.Payload), string(got.Payload))
	assert.Equal(t, "corr-1", got.Metadata.CorrelationID())
	assert.WithinDuration(t, j.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.WithinDuration(t, j.AvailableAt, got.AvailableAt, time.Millisecond)
	assert.Equal(t, core.StatusPending, got.Status())
	assert.Nil(t, got.Error)

	_, err = d.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func testPopEmpty(t *testing.T, d core.Driver) {
	got, err := d.Pop(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testPopOrder(t *testing.T, d core.Driver) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	low := push(t, d, newJob("q", core.PriorityLow, base))
	def1 := push(t, d, newJob("q", core.PriorityDefault, base.Add(1*time.Second)))
	crit := push(t, d, newJob("q", core.PriorityCritical, base.Add(2*time.Second)))
	def0 := push(t, d, newJob("q", core.PriorityDefault, base.Add(-1*time.Second)))
	high := push(t, d, newJob("q", core.PriorityHigh, base.Add(3*time.Second)))
	push(t, d, newJob("other", core.PriorityCritical, base))

	for _, want := range []*core.Job{crit, high, def0, def1, low} {
		got, err := d.Pop(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
	}

	got, err := d.Pop(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testPopOrderSameInstant(t *testing.T, d core.Driver) {
	ctx := context.Background()
	created := time.Now()
	jobs := make([]*core.Job, 5)
	for i := range jobs {
		jobs[i] = newJob("tie", core.PriorityDefault, created)
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		push(t, d, jobs[i])
	}

	for _, want := range jobs {
		got, err := d.Pop(ctx, "tie")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
	}
}

func testPopSkipsDelayed(t *testing.T, d core.Driver) {
	ctx := context.Background()
	j := newJob("delayed", core.PriorityDefault, time.Now())
	j.SetAvailableAt(time.Now().Add(400 * time.Millisecond))
	push(t, d, j)

	later := newJob("delayed", core.PriorityDefault, time.Now())
	later.SetAvailableAt(time.Now().Add(time.Hour))
	push(t, d, later)

	got, err := d.Pop(ctx, "delayed")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.Eventually(t, func() bool {
		got, err = d.Pop(ctx, "delayed")
		return err == nil && got != nil
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, j.ID, got.ID)
	assert.False(t, time.Now().Before(j.AvailableAt))
}

func testPopReserves(t *testing.T, d core.Driver) {
	ctx := context.Background()
	j := push(t, d, newJob("r", core.PriorityDefault, time.Now()))

	got, err := d.Pop(ctx, "r")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ReservedAt)
	assert.Equal(t, core.StatusReserved, got.Status())

	again, err := d.Pop(ctx, "r")
	require.NoError(t, err)
	assert.Nil(t, again)

	stored, err := d.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusReserved, stored.Status())
	assert.Equal(t, 1, stored.Attempts)
}

func testComplete(t *testing.T, d core.Driver) {
	ctx := context.Background()
	j := push(t, d, newJob("c", core.PriorityDefault, time.Now()))
	_, err := d.Pop(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, d.Complete(ctx, j.ID))

	got, err := d.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status())
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ReservedAt)

	// terminal jobs never come back, even when released
	require.NoError(t, d.Release(ctx, j.ID, 0))
	next, err := d.Pop(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func testFail(t *testing.T, d core.Driver) {
	ctx := context.Background()
	j := push(t, d, newJob("f", core.PriorityDefault, time.Now()))
	_, err := d.Pop(ctx, "f")
	require.NoError(t, err)

	require.NoError(t, d.Fail(ctx, j.ID, "boom"))

	got, err := d.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status())
	assert.Equal(t, "boom", got.LastError())
	assert.NotNil(t, got.FailedAt)
	assert.Nil(t, got.ReservedAt)

	next, err := d.Pop(ctx, "f")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func testRelease(t *testing.T, d core.Driver) {
	ctx := context.Background()
	j := push(t, d, newJob("rel", core.PriorityDefault, time.Now()))

	_, err := d.Pop(ctx, "rel")
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx, j.ID, time.Hour))

	got, err := d.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, got.Status())
	assert.True(t, got.AvailableAt.After(time.Now().Add(59*time.Minute)))

	next, err := d.Pop(ctx, "rel")
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, d.Release(ctx, j.ID, 0))
	next, err = d.Pop(ctx, "rel")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Attempts)
}

func testSizeClear(t *testing.T, d core.Driver) {
	ctx := context.Background()
	done := push(t, d, newJob("s", core.PriorityDefault, time.Now().Add(-time.Second)))
	push(t, d, newJob("s", core.PriorityDefault, time.Now()))
	push(t, d, newJob("s", core.PriorityDefault, time.Now()))
	push(t, d, newJob("keep", core.PriorityDefault, time.Now()))

	popped, err := d.Pop(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, done.ID, popped.ID)
	require.NoError(t, d.Complete(ctx, done.ID))

	n, err := d.Size(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, d.Clear(ctx, "s"))

	n, err = d.Size(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = d.Size(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = d.Get(ctx, done.ID)
	assert.NoError(t, err, "terminal jobs survive clear")
}

func testDelete(t *testing.T, d core.Driver) {
	ctx := context.Background()
	j := push(t, d, newJob("d", core.PriorityDefault, time.Now()))

	require.NoError(t, d.Delete(ctx, j.ID))
	_, err := d.Get(ctx, j.ID)
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	n, err := d.Size(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testConcurrentPop(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const jobs, workers = 30, 6
	for i := 0; i < jobs; i++ {
		push(t, d, newJob("cc", core.PriorityDefault, time.Now().Add(time.Duration(i)*time.Millisecond)))
	}

	var (
		mu   sync.Mutex
		seen []string
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := d.Pop(ctx, "cc")
				if err != nil {
					// sqlite may report a busy database under contention
					if core.IsStorage(err) {
						continue
					}
					t.Error(err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen = append(seen, j.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Strings(seen)
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i], "job reserved twice")
	}
	assert.Len(t, seen, jobs)
}

func testUniqueKeys(t *testing.T, d core.Driver) {
	u, ok := d.(core.UniqueDriver)
	if !ok {
		t.Skip("driver has no unique key support")
	}
	ctx := context.Background()

	has, err := u.HasUniqueKey(ctx, "report:1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, u.SetUniqueKey(ctx, "report:1", "job-1", time.Hour))
	has, err = u.HasUniqueKey(ctx, "report:1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, u.SetUniqueKey(ctx, "short", "job-2", 300*time.Millisecond))
	require.Eventually(t, func() bool {
		has, err := u.HasUniqueKey(ctx, "short")
		return err == nil && !has
	}, 3*time.Second, 50*time.Millisecond)

	// expired keys can be set again
	require.NoError(t, u.SetUniqueKey(ctx, "short", "job-3", time.Hour))
	has, err = u.HasUniqueKey(ctx, "short")
	require.NoError(t, err)
	assert.True(t, has)
}

func testReleaseStale(t *testing.T, d core.Driver) {
	r, ok := d.(core.StaleReleaser)
	if !ok {
		t.Skip("driver cannot release stale reservations")
	}
	ctx := context.Background()
	j := push(t, d, newJob("stale", core.PriorityDefault, time.Now()))
	_, err := d.Pop(ctx, "stale")
	require.NoError(t, err)

	n, err := r.ReleaseStale(ctx, "stale", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(20 * time.Millisecond)
	n, err = r.ReleaseStale(ctx, "stale", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := d.Pop(ctx, "stale")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, 2, got.Attempts)
}

func testReleaseStaleFinalAttempt(t *testing.T, d core.Driver) {
	r, ok := d.(core.StaleReleaser)
	if !ok {
		t.Skip("driver cannot release stale reservations")
	}
	ctx := context.Background()
	last := push(t, d, newJob("stale", core.PriorityHigh, time.Now()).SetMaxAttempts(1))
	retry := push(t, d, newJob("stale", core.PriorityDefault, time.Now()))
	for range 2 {
		got, err := d.Pop(ctx, "stale")
		require.NoError(t, err)
		require.NotNil(t, got)
	}

	time.Sleep(20 * time.Millisecond)
	n, err := r.ReleaseStale(ctx, "stale", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed, err := d.Get(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, failed.Status())
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, core.StaleFinalAttemptMessage, failed.LastError())

	got, err := d.Pop(ctx, "stale")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, retry.ID, got.ID)

	got, err = d.Pop(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, got)
}
