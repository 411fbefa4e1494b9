package go_dispatch_lite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"go-dispatch-lite/backoff"
	"go-dispatch-lite/core"
	"go-dispatch-lite/middleware"
	"go-dispatch-lite/sources/memory"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = time.Second
	}
	e, err := NewWithDriver(context.Background(), cfg, memory.NewMemorySource())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func noop(*core.JobContext, json.RawMessage) error { return nil }

func waitForStatus(t *testing.T, e *Engine, id string, status core.Status) *core.Job {
	t.Helper()
	var job *core.Job
	err := wait.PollUntilContextTimeout(context.Background(), 10*time.Millisecond, 5*time.Second, true,
		func(ctx context.Context) (bool, error) {
			j, err := e.GetJob(ctx, id)
			if err != nil {
				return false, err
			}
			job = j
			return j.Status() == status, nil
		})
	require.NoError(t, err, "job %s never reached %s", id, status)
	return job
}

func TestRetryUntilThirdAttemptSucceeds(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	var calls atomic.Int32
	require.NoError(t, e.Register(Definition{
		Name:        "x",
		MaxAttempts: 3,
		Backoff:     backoff.NewFixed(0),
		Handler: func(jc *core.JobContext, _ json.RawMessage) error {
			calls.Add(1)
			if jc.Attempt < 3 {
				return errors.New("flaky")
			}
			return nil
		},
	}))

	id, err := e.Dispatch(ctx, "x", map[string]any{"n": 1}, Options{})
	require.NoError(t, err)

	w := e.NewWorker(WorkerOptions{})
	require.NoError(t, w.Start(ctx))

	job := waitForStatus(t, e, id, core.StatusCompleted)
	assert.Equal(t, 3, job.Attempts)
	assert.EqualValues(t, 3, calls.Load())

	w.Stop()
	assert.Equal(t, StateStopped, w.State())
	assert.EqualValues(t, 1, w.Metrics().GetProcessed())
	assert.EqualValues(t, 2, w.Metrics().GetReleased())
}

func TestPermanentFailureRunsOnFailure(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	failed := make(chan error, 1)
	require.NoError(t, e.Register(Definition{
		Name:        "doomed",
		MaxAttempts: 2,
		Backoff:     backoff.NewFixed(0),
		Handler: func(*core.JobContext, json.RawMessage) error {
			return errors.New("smtp down")
		},
		OnFailure: func(_ context.Context, job *core.Job, err error) error {
			failed <- err
			panic("callback panics are contained")
		},
	}))

	id, err := e.Dispatch(ctx, "doomed", nil, Options{})
	require.NoError(t, err)

	w := e.NewWorker(WorkerOptions{})
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	job := waitForStatus(t, e, id, core.StatusFailed)
	assert.Equal(t, 2, job.Attempts)
	assert.Contains(t, job.LastError(), "smtp down")
	assert.Nil(t, job.ReservedAt)

	select {
	case err := <-failed:
		assert.True(t, core.IsExhaustedRetries(err))
	case <-time.After(2 * time.Second):
		t.Fatal("on-failure callback not called")
	}

	// terminal jobs are never handed out again
	got, err := e.Driver().Pop(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	var running, peak atomic.Int32
	entered := make(chan string, 3)
	release := make(chan struct{})
	require.NoError(t, e.Register(Definition{
		Name: "slow",
		Handler: func(jc *core.JobContext, _ json.RawMessage) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			entered <- jc.Job.ID
			<-release
			running.Add(-1)
			return nil
		},
	}))

	ids := make([]string, 3)
	for i := range ids {
		id, err := e.Dispatch(ctx, "slow", nil, Options{})
		require.NoError(t, err)
		ids[i] = id
	}

	w := e.NewWorker(WorkerOptions{Concurrency: 2})
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("first two jobs did not start")
		}
	}

	select {
	case <-entered:
		t.Fatal("third job started while two were running")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 2, w.InFlight())

	release <- struct{}{}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("third job did not start after a slot freed")
	}
	release <- struct{}{}
	release <- struct{}{}

	for _, id := range ids {
		waitForStatus(t, e, id, core.StatusCompleted)
	}
	assert.EqualValues(t, 2, peak.Load())
}

func TestTimeoutFailsAndFreesSlot(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	require.NoError(t, e.Register(Definition{
		Name:        "hang",
		MaxAttempts: 1,
		Timeout:     100 * time.Millisecond,
		Handler: func(jc *core.JobContext, _ json.RawMessage) error {
			<-jc.Done()
			return jc.Err()
		},
	}))

	id, err := e.Dispatch(ctx, "hang", nil, Options{})
	require.NoError(t, err)

	w := e.NewWorker(WorkerOptions{})
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	job := waitForStatus(t, e, id, core.StatusFailed)
	assert.Contains(t, job.LastError(), "timed out")
	assert.Eventually(t, func() bool { return w.InFlight() == 0 }, time.Second, 10*time.Millisecond)
}

func TestUniqueDispatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "report", Handler: noop}))

	first, err := e.Job("report", nil).Unique("report:2024", time.Minute).Dispatch(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, DispatchDuplicate, first)

	second, err := e.Job("report", nil).Unique("report:2024", time.Minute).Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchDuplicate, second)

	size, err := e.QueueSize(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestDelayedDispatchIsNotAvailable(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "later", Handler: noop}))

	before := time.Now()
	id, err := e.Job("later", nil).DelaySeconds(60).Dispatch(ctx)
	require.NoError(t, err)

	got, err := e.Driver().Pop(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Nil(t, got)

	job, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, job.AvailableAt.Before(before.Add(60*time.Second)))
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, core.StatusPending, job.Status())
}

func TestDispatchErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "known", Handler: noop}))

	_, err := e.Dispatch(ctx, "missing", nil, Options{})
	assert.True(t, core.IsRegistration(err))

	_, err = e.Dispatch(ctx, "known", nil, Options{Delay: -time.Second})
	assert.True(t, core.IsValidation(err))

	_, err = e.Dispatch(ctx, "known", nil, Options{Delay: time.Second, AvailableAt: time.Now()})
	assert.True(t, core.IsValidation(err))

	_, err = e.Dispatch(ctx, "known", func() {}, Options{})
	assert.True(t, core.IsValidation(err))
}

func TestDisabledDispatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{Disabled: true})
	require.NoError(t, e.Register(Definition{Name: "mail", Handler: noop}))

	id, err := e.Dispatch(ctx, "mail", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DispatchDisabled, id)

	size, err := e.QueueSize(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDispatchOverridesDefinition(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "mail", Queue: "mails", Handler: noop}))

	id, err := e.Job("mail", map[string]string{"to": "a@example.com"}).
		OnQueue("urgent").
		High().
		MaxAttempts(7).
		CorrelationID("req-1").
		Dispatch(ctx)
	require.NoError(t, err)

	job, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "urgent", job.Queue)
	assert.Equal(t, core.PriorityHigh, job.Priority)
	assert.Equal(t, 7, job.MaxAttempts)
	assert.Equal(t, "req-1", job.Metadata.CorrelationID())
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(job.Payload))

	id, err = e.Dispatch(ctx, "mail", nil, Options{})
	require.NoError(t, err)
	job, err = e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "mails", job.Queue)
	assert.Equal(t, 3, job.MaxAttempts)
}

func TestDispatchSync(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	type payload struct {
		N int `json:"n"`
	}
	var got int
	require.NoError(t, e.Register(Definition{
		Name: "sum",
		Handler: core.Handle(func(jc *core.JobContext, p payload) error {
			got = p.N
			assert.Equal(t, 1, jc.Attempt)
			return nil
		}),
	}))
	require.NoError(t, e.Register(Definition{
		Name:    "boom",
		Handler: func(*core.JobContext, json.RawMessage) error { panic("kaboom") },
	}))

	res := e.DispatchSync(ctx, "sum", payload{N: 5})
	assert.True(t, res.Success)
	assert.Equal(t, 5, got)

	res = e.DispatchSync(ctx, "boom", nil)
	assert.False(t, res.Success)
	assert.True(t, core.IsExecution(res.Err))
	assert.Contains(t, res.Message(), "kaboom")

	res = e.DispatchSync(ctx, "missing", nil)
	assert.True(t, core.IsRegistration(res.Err))

	size, err := e.QueueSize(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestMiddlewareOrderGlobalFirst(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	var order []string
	trace := func(name string) middleware.Middleware {
		return middleware.Func(func(mc *core.MiddlewareContext, next middleware.Next) core.JobResult {
			order = append(order, name+"-enter")
			res := next(mc)
			order = append(order, name+"-exit")
			return res
		})
	}

	e.Use(trace("global"))
	require.NoError(t, e.Register(Definition{
		Name:       "traced",
		Middleware: []middleware.Middleware{trace("job")},
		Handler: func(*core.JobContext, json.RawMessage) error {
			order = append(order, "handler")
			return nil
		},
	}))

	require.True(t, e.DispatchSync(ctx, "traced", nil).Success)
	assert.Equal(t, []string{"global-enter", "job-enter", "handler", "job-exit", "global-exit"}, order)
}

func TestDispatchBatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "a", Handler: noop}))

	ids, err := e.DispatchBatch(ctx, []Item{
		{Name: "a"},
		{Name: "nope"},
		{Name: "a"},
	})
	require.Error(t, err)

	var be *core.BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 3, be.Total)
	assert.Equal(t, 1, be.Failed)
	assert.True(t, core.IsRegistration(be.FirstError))

	assert.NotEmpty(t, ids[0])
	assert.Empty(t, ids[1])
	assert.NotEmpty(t, ids[2])
}

func TestChainSpacesJobs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "step", Handler: noop}))

	ids, err := e.Chain(ctx, []Item{{Name: "step"}, {Name: "step"}, {Name: "step"}})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	var prev time.Time
	for i, id := range ids {
		job, err := e.GetJob(ctx, id)
		require.NoError(t, err)
		if i > 0 {
			assert.InDelta(t, time.Second, job.AvailableAt.Sub(prev), float64(50*time.Millisecond))
		}
		prev = job.AvailableAt
	}

	_, err = e.Chain(ctx, []Item{{Name: "step"}, {Name: "missing"}})
	assert.True(t, core.IsRegistration(err))
}

func TestClearQueueKeepsTerminalJobs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "a", Handler: noop}))

	done, err := e.Dispatch(ctx, "a", nil, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, mustProcess(t, e, WorkerOptions{MaxJobs: 1}))

	for i := 0; i < 3; i++ {
		_, err = e.Dispatch(ctx, "a", nil, Options{})
		require.NoError(t, err)
	}

	require.NoError(t, e.ClearQueue(ctx, core.DefaultQueue))
	size, err := e.QueueSize(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, size)

	job, err := e.GetJob(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, job.Status())

	require.NoError(t, e.DeleteJob(ctx, done))
	_, err = e.GetJob(ctx, done)
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func mustProcess(t *testing.T, e *Engine, opts WorkerOptions) int {
	t.Helper()
	n, err := e.NewWorker(opts).ProcessBatch(context.Background(), 5*time.Second)
	require.NoError(t, err)
	return n
}

func TestProcessBatchDrainsQueuesInOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	var mu sync.Mutex
	var seen []string
	record := func(jc *core.JobContext, _ json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, jc.Job.Queue)
		return nil
	}
	require.NoError(t, e.Register(Definition{Name: "r", Handler: record}))

	for _, q := range []string{"low", "high", "low"} {
		_, err := e.Job("r", nil).OnQueue(q).Dispatch(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, mustProcess(t, e, WorkerOptions{Queues: []string{"high", "low"}}))
	assert.Equal(t, []string{"high", "low", "low"}, seen)
}

func TestWorkerStopsAtMaxJobs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "a", Handler: noop}))

	for i := 0; i < 3; i++ {
		_, err := e.Dispatch(ctx, "a", nil, Options{})
		require.NoError(t, err)
	}

	w := e.NewWorker(WorkerOptions{MaxJobs: 2, Concurrency: 1})
	require.NoError(t, w.Run(ctx))
	assert.Equal(t, StateStopped, w.State())

	size, err := e.QueueSize(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestWorkerStopsAtMaxRuntime(t *testing.T) {
	e := newTestEngine(t, Config{})
	w := e.NewWorker(WorkerOptions{MaxRuntime: 50 * time.Millisecond})

	start := time.Now()
	require.NoError(t, w.Run(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, w.State())
}

func TestWorkerLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	w := e.NewWorker(WorkerOptions{})
	assert.Equal(t, StateNotStarted, w.State())
	require.NoError(t, w.Start(ctx))
	assert.ErrorIs(t, w.Start(ctx), core.ErrAlreadyRunning)

	_, err := w.ProcessBatch(ctx, time.Second)
	assert.ErrorIs(t, err, core.ErrAlreadyRunning)

	w.Stop()
	assert.Equal(t, StateStopped, w.State())
	assert.ErrorIs(t, w.Start(ctx), core.ErrWorkerStopped)
	w.Stop()
}

func TestWorkerConcurrentStartStop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	for i := 0; i < 50; i++ {
		w := e.NewWorker(WorkerOptions{})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := w.Start(ctx)
			if err != nil {
				assert.ErrorIs(t, err, core.ErrWorkerStopped)
			}
		}()
		go func() {
			defer wg.Done()
			w.Stop()
		}()
		wg.Wait()

		w.Stop()
		assert.Equal(t, StateStopped, w.State())
	}
}

func TestWorkerReleasesStaleReservations(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "a", Handler: noop}))

	id, err := e.Dispatch(ctx, "a", nil, Options{})
	require.NoError(t, err)

	// a worker that crashed after reserving
	_, err = e.Driver().Pop(ctx, core.DefaultQueue)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	w := e.NewWorker(WorkerOptions{StaleAfter: 10 * time.Millisecond})
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	job := waitForStatus(t, e, id, core.StatusCompleted)
	assert.Equal(t, 2, job.Attempts)
}

func TestBackgroundDispatcher(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "a", Handler: noop}))

	bg := e.Background(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, bg.Submit(ctx, Item{Name: "a"}))
	}
	require.NoError(t, bg.Submit(ctx, Item{Name: "unknown"}))

	require.NoError(t, bg.Close(ctx))
	assert.ErrorIs(t, bg.Submit(ctx, Item{Name: "a"}), core.ErrBackgroundClosed)

	size, err := e.QueueSize(ctx, core.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestRegistryDefaultsAndReRegistration(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	e := newTestEngine(t, cfg)

	require.NoError(t, e.Register(Definition{Name: "x", Handler: noop}))
	def, ok := e.Registry().Get("x")
	require.True(t, ok)
	assert.Equal(t, core.DefaultQueue, def.Queue)
	assert.Equal(t, 3, def.MaxAttempts)
	assert.Equal(t, 60*time.Second, def.Timeout)
	assert.Equal(t, backoff.Default(), def.Backoff)
	assert.Empty(t, def.Middleware)

	require.NoError(t, e.Register(Definition{Name: "x", Queue: "other", Handler: noop}))
	def, _ = e.Registry().Get("x")
	assert.Equal(t, "other", def.Queue)
	assert.Contains(t, buf.String(), "job re-registered")
	assert.Contains(t, buf.String(), `"job_name":"x"`)

	assert.True(t, core.IsValidation(e.Register(Definition{Name: "", Handler: noop})))
	assert.True(t, core.IsValidation(e.Register(Definition{Name: "y"})))

	assert.Equal(t, []string{"x"}, e.Registry().Names())
	e.Registry().Reset()
	_, ok = e.Registry().Get("x")
	assert.False(t, ok)
}

func TestDefinitionPriorityOverridesConfiguredDefault(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{DefaultPriority: core.PriorityHigh})

	require.NoError(t, e.Register(Definition{Name: "inherit", Handler: noop}))
	require.NoError(t, e.Register(Definition{Name: "normal", Handler: noop, Priority: core.PriorityDefault.Ptr()}))

	def, ok := e.Registry().Get("inherit")
	require.True(t, ok)
	require.NotNil(t, def.Priority)
	assert.Equal(t, core.PriorityHigh, *def.Priority)

	id, err := e.Dispatch(ctx, "normal", nil, Options{})
	require.NoError(t, err)
	job, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityDefault, job.Priority)

	id, err = e.Dispatch(ctx, "inherit", nil, Options{})
	require.NoError(t, err)
	job, err = e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityHigh, job.Priority)
}

func TestUnknownJobAtExecutionIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Register(Definition{Name: "gone", MaxAttempts: 1, Handler: noop}))

	id, err := e.Dispatch(ctx, "gone", nil, Options{})
	require.NoError(t, err)
	e.Registry().Reset()

	require.Equal(t, 1, mustProcess(t, e, WorkerOptions{}))
	job, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status())
	assert.Contains(t, job.LastError(), "job not registered")
}
