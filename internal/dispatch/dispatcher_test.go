package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/queuedjobs/internal/config"
	"github.com/mattjoyce/queuedjobs/internal/events"
	"github.com/mattjoyce/queuedjobs/internal/execution"
	"github.com/mattjoyce/queuedjobs/internal/hooks"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/jobtype"
	"github.com/mattjoyce/queuedjobs/internal/log"
	"github.com/mattjoyce/queuedjobs/internal/queue"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store    *queue.MemoryStore
	registry *jobtype.Registry
	hooks    *hooks.Registry
	hub      *events.Hub
	clock    *fakeClock
	disp     *Dispatcher
}

func newHarness(t *testing.T, cfg config.DispatchConfig) *harness {
	t.Helper()
	h := &harness{
		store:    queue.NewMemoryStore(),
		registry: jobtype.NewRegistry(),
		hooks:    hooks.New(nil),
		hub:      events.NewHub(100),
		clock:    newClock(),
	}
	hooks.PublishTo(h.hooks, h.hub)
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	h.disp = New(h.store, h.registry, cfg,
		WithClock(h.clock.Now), WithHooks(h.hooks), WithHub(h.hub))
	return h
}

func (h *harness) register(t *testing.T, name string, fn jobtype.BodyFunc) {
	t.Helper()
	require.NoError(t, h.registry.Register(jobtype.Type(name), fn))
}

// enqueue stores a queued descriptor due now.
func (h *harness) enqueue(t *testing.T, jobType string, opts job.Options) *job.Descriptor {
	t.Helper()
	d, err := job.New(jobType, json.RawMessage(`{"n":1}`), opts)
	require.NoError(t, err)
	now := h.clock.Now()
	require.NoError(t, d.MarkQueued(now.Add(opts.Delay), now))
	require.NoError(t, h.store.Put(context.Background(), d))
	return d
}

func (h *harness) get(t *testing.T, id string) *job.Descriptor {
	t.Helper()
	d, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, ev := range h.hub.SnapshotSince(0) {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunOnceCompletes(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{})
	h.register(t, "report", func(_ context.Context, payload json.RawMessage, ec *execution.Context) (jobtype.Result, error) {
		ec.ReportProgress(0.5)
		ec.Log("halfway")
		return jobtype.Result{Output: json.RawMessage(`{"echo":` + string(payload) + `}`)}, nil
	})
	d := h.enqueue(t, "report", job.Options{})

	n, err := h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"echo":{"n":1}}`, string(got.Result))
	assert.Equal(t, []string{"halfway"}, got.Messages)
	assert.InDelta(t, 0.5, got.Progress, 1e-9)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	types := h.eventTypes()
	assert.Contains(t, types, events.JobClaimed)
	assert.Contains(t, types, events.JobProgress)
	assert.Contains(t, types, events.JobMessage)
	assert.Contains(t, types, events.JobCompleted)

	// Nothing left to do.
	n, err = h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceSkipsFutureAndPaused(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{})
	var runs atomic.Int32
	h.register(t, "report", func(context.Context, json.RawMessage, *execution.Context) (jobtype.Result, error) {
		runs.Add(1)
		return jobtype.Result{}, nil
	})
	future := h.enqueue(t, "report", job.Options{Delay: time.Minute})

	paused := h.enqueue(t, "report", job.Options{})
	require.NoError(t, paused.MarkPaused(h.clock.Now()))
	require.NoError(t, h.store.Put(context.Background(), paused))

	n, err := h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Minute)
	n, err = h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, job.StatusCompleted, h.get(t, future.ID).Status)
	assert.Equal(t, job.StatusPaused, h.get(t, paused.ID).Status)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRecoverableFailuresBackOffThenBreak(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{BackoffBase: time.Second})
	h.register(t, "flaky", func(context.Context, json.RawMessage, *execution.Context) (jobtype.Result, error) {
		return jobtype.Result{}, errors.New("upstream unavailable")
	})
	d := h.enqueue(t, "flaky", job.Options{MaxAttempts: 4})

	var broken atomic.Int32
	h.hooks.On(hooks.AfterBroken, "alert", func(context.Context, *job.Descriptor) error {
		broken.Add(1)
		return nil
	})

	for attempt, wait := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		ranAt := h.clock.Now()
		n, err := h.disp.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got := h.get(t, d.ID)
		assert.Equal(t, job.StatusQueued, got.Status)
		assert.Equal(t, attempt+1, got.Attempts)
		assert.Equal(t, ranAt.Add(wait), got.ScheduledFor)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "upstream unavailable", *got.LastError)

		// Not due until the backoff has elapsed.
		n, err = h.disp.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		h.clock.Advance(wait)
	}

	n, err := h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusBroken, got.Status)
	assert.Equal(t, 4, got.Attempts)
	assert.Equal(t, int32(1), broken.Load())
	assert.Contains(t, h.eventTypes(), events.JobRetry)
	assert.Contains(t, h.eventTypes(), events.JobBroken)
}

func TestDefaultThreeAttemptsThenBroken(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{})
	h.register(t, "flaky", func(context.Context, json.RawMessage, *execution.Context) (jobtype.Result, error) {
		return jobtype.Result{}, job.Retry(errors.New("again"))
	})
	d := h.enqueue(t, "flaky", job.Options{})

	for i := 0; i < 3; i++ {
		n, err := h.disp.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		h.clock.Advance(time.Hour)
	}

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusBroken, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestFatalErrorBreaksImmediately(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{})
	h.register(t, "strict", func(context.Context, json.RawMessage, *execution.Context) (jobtype.Result, error) {
		return jobtype.Result{}, job.Fatal(errors.New("payload rejected"))
	})
	d := h.enqueue(t, "strict", job.Options{})

	_, err := h.disp.RunOnce(context.Background())
	require.NoError(t, err)

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusBroken, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "payload rejected", *got.LastError)
}

func TestUnknownTypeBreaks(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{})
	d := h.enqueue(t, "nobody-handles-this", job.Options{})

	n, err := h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusBroken, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "unknown job type")
}

func TestPanicIsRecoverable(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{})
	h.register(t, "crashy", func(context.Context, json.RawMessage, *execution.Context) (jobtype.Result, error) {
		panic("nil map write")
	})
	d := h.enqueue(t, "crashy", job.Options{})

	n, err := h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "nil map write")
}

func TestRunOnceHonoursCapacityAndPriority(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{Capacity: 2})
	var mu sync.Mutex
	var ran []int
	h.register(t, "report", func(_ context.Context, payload json.RawMessage, _ *execution.Context) (jobtype.Result, error) {
		var p struct{ Priority int }
		_ = json.Unmarshal(payload, &p)
		mu.Lock()
		ran = append(ran, p.Priority)
		mu.Unlock()
		return jobtype.Result{}, nil
	})

	for _, prio := range []int{1, 5, 3} {
		d, err := job.New("report", json.RawMessage(`{"Priority":`+strconv.Itoa(prio)+`}`), job.Options{Priority: prio})
		require.NoError(t, err)
		require.NoError(t, d.MarkQueued(h.clock.Now(), h.clock.Now()))
		require.NoError(t, h.store.Put(context.Background(), d))
	}

	n, err := h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []int{5, 3}, ran)

	depth, err := h.store.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestClaimedJobsRunConcurrently(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{Capacity: 2})
	var arrived sync.WaitGroup
	arrived.Add(2)
	h.register(t, "pair", func(ctx context.Context, _ json.RawMessage, _ *execution.Context) (jobtype.Result, error) {
		arrived.Done()
		done := make(chan struct{})
		go func() {
			arrived.Wait()
			close(done)
		}()
		select {
		case <-done:
			return jobtype.Result{}, nil
		case <-time.After(5 * time.Second):
			return jobtype.Result{}, errors.New("peer never started")
		}
	})
	a := h.enqueue(t, "pair", job.Options{})
	b := h.enqueue(t, "pair", job.Options{})

	_, err := h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, h.get(t, a.ID).Status)
	assert.Equal(t, job.StatusCompleted, h.get(t, b.ID).Status)
}

func TestCompetingDispatchersRunEachJobOnce(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{Capacity: 8})
	var mu sync.Mutex
	runs := map[string]int{}
	h.register(t, "report", func(_ context.Context, _ json.RawMessage, ec *execution.Context) (jobtype.Result, error) {
		mu.Lock()
		runs[ec.JobID()]++
		mu.Unlock()
		return jobtype.Result{}, nil
	})
	for i := 0; i < 20; i++ {
		h.enqueue(t, "report", job.Options{})
	}

	workers := make([]*Dispatcher, 4)
	for i := range workers {
		workers[i] = New(h.store, h.registry, config.DispatchConfig{Capacity: 8}, WithClock(h.clock.Now))
	}

	var total atomic.Int32
	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := w.RunOnce(context.Background())
				assert.NoError(t, err)
				total.Add(int32(n))
			}()
		}
		wg.Wait()
	}

	assert.Equal(t, int32(20), total.Load())
	require.Len(t, runs, 20)
	for id, n := range runs {
		assert.Equal(t, 1, n, "job %s ran %d times", id, n)
	}
}

func TestWriteBackConflictIsDropped(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{})
	h.register(t, "report", func(ctx context.Context, _ json.RawMessage, ec *execution.Context) (jobtype.Result, error) {
		// Someone else rewrites the descriptor while the body runs.
		other, err := h.store.Get(ctx, ec.JobID())
		if err != nil {
			return jobtype.Result{}, err
		}
		other.Priority = 42
		return jobtype.Result{Output: json.RawMessage(`1`)}, h.store.Put(ctx, other)
	})
	d := h.enqueue(t, "report", job.Options{})

	n, err := h.disp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Equal(t, 42, got.Priority)
	assert.Nil(t, got.Result)
	assert.NotContains(t, h.eventTypes(), events.JobCompleted)
}

type failingStore struct {
	queue.Store
}

func (failingStore) FetchDue(context.Context, time.Time, int) iter.Seq2[*job.Descriptor, error] {
	return func(yield func(*job.Descriptor, error) bool) {
		yield(nil, errors.New("database is locked"))
	}
}

func TestRunOnceSurfacesStoreErrors(t *testing.T) {
	disp := New(failingStore{Store: queue.NewMemoryStore()}, jobtype.NewRegistry(), config.DispatchConfig{})
	_, err := disp.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

func claimAt(t *testing.T, h *harness, d *job.Descriptor, at time.Time) {
	t.Helper()
	ok, err := h.store.Claim(context.Background(), d.ID, d.Version, at)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReconcileRequeuesStaleRun(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{StaleAfter: 15 * time.Minute})
	d := h.enqueue(t, "report", job.Options{})
	claimAt(t, h, d, h.clock.Now())

	// Still fresh.
	n, err := h.disp.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(16 * time.Minute)
	n, err = h.disp.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, job.ErrStaleRun.Error())
	assert.True(t, got.ScheduledFor.After(h.clock.Now()))
	assert.Contains(t, h.eventTypes(), events.DispatchReconciled)

	// Exactly once: the descriptor is no longer running.
	n, err = h.disp.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileBreaksExhaustedRun(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{StaleAfter: time.Minute})
	d := h.enqueue(t, "report", job.Options{MaxAttempts: 1})
	claimAt(t, h, d, h.clock.Now())
	h.clock.Advance(2 * time.Minute)

	n, err := h.disp.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusBroken, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestLateWorkerLosesToReconciler(t *testing.T) {
	h := newHarness(t, config.DispatchConfig{StaleAfter: time.Minute})
	release := make(chan struct{})
	started := make(chan struct{})
	h.register(t, "slow", func(context.Context, json.RawMessage, *execution.Context) (jobtype.Result, error) {
		close(started)
		<-release
		return jobtype.Result{}, nil
	})
	d := h.enqueue(t, "slow", job.Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.disp.RunOnce(context.Background())
	}()
	<-started

	h.clock.Advance(2 * time.Minute)
	n, err := h.disp.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	close(release)
	<-done

	got := h.get(t, d.ID)
	assert.Equal(t, job.StatusQueued, got.Status, "reconciler owns the descriptor")
	assert.Equal(t, 1, got.Attempts)
}
