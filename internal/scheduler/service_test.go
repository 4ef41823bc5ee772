package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostagent/internal/domain"
)

type run struct {
	id string
	at time.Time
}

type stubRunner struct {
	mu    sync.Mutex
	runs  []run
	codes map[string]int
	gate  chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, activityID, command string) domain.ExecutionResult {
	r.mu.Lock()
	r.runs = append(r.runs, run{id: activityID, at: time.Now()})
	gate := r.gate
	code := r.codes[activityID]
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return domain.ExecutionResult{ActivityID: activityID, ReturnCode: code, Timestamp: time.Now(), Output: command}
}

func (r *stubRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.runs {
		if x.id == id {
			n++
		}
	}
	return n
}

func (r *stubRunner) first(id string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.runs {
		if x.id == id {
			return x.at
		}
	}
	return time.Time{}
}

type stubSink struct {
	mu      sync.Mutex
	results []domain.ExecutionResult
}

func (s *stubSink) Send(ctx context.Context, r domain.ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *stubSink) all() []domain.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ExecutionResult(nil), s.results...)
}

// slowOpts keeps periodic runs far away so only first runs are observed.
func slowOpts() Options {
	return Options{Unit: time.Second, Step: 30 * time.Millisecond, Window: 300 * time.Millisecond}
}

func newTestService(t *testing.T, opts Options) (*Service, *stubRunner, *stubSink) {
	t.Helper()
	r := &stubRunner{codes: map[string]int{}}
	sink := &stubSink{}
	s := NewService(r, sink, opts)
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, r, sink
}

func TestAddActivityTwiceKeepsOneJob(t *testing.T) {
	s, r, _ := newTestService(t, slowOpts())
	a := domain.Activity{ID: "a", ActivityName: "top", Command: "top", Interval: 60}

	require.True(t, s.AddActivity(a))
	require.True(t, s.AddActivity(a))

	assert.Len(t, s.Activities(), 1)
	assert.Len(t, s.cron.Entries(), 1)

	require.Eventually(t, func() bool { return r.count("a") >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, r.count("a"), "the replaced job's first run must have been cancelled")
}

func TestActivitiesAddedTogetherAreStaggered(t *testing.T) {
	opts := slowOpts()
	s, r, _ := newTestService(t, opts)

	require.True(t, s.AddActivity(domain.Activity{ID: "a", Command: "x", Interval: 60}))
	require.True(t, s.AddActivity(domain.Activity{ID: "b", Command: "y", Interval: 60}))

	require.Eventually(t, func() bool { return r.count("a") == 1 && r.count("b") == 1 }, time.Second, 5*time.Millisecond)
	gap := r.first("b").Sub(r.first("a"))
	assert.GreaterOrEqual(t, gap, opts.Step-5*time.Millisecond)
}

func TestPeriodicRunsAndFailuresAreDelivered(t *testing.T) {
	s, r, sink := newTestService(t, Options{Unit: 10 * time.Millisecond, Step: 5 * time.Millisecond, Window: 40 * time.Millisecond})
	r.codes["a"] = 2

	require.True(t, s.AddActivity(domain.Activity{ID: "a", Command: "exit 2", Interval: 3}))

	require.Eventually(t, func() bool { return r.count("a") >= 4 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.all()) >= 4 }, time.Second, 5*time.Millisecond)
	for _, res := range sink.all() {
		assert.Equal(t, "a", res.ActivityID)
		assert.Equal(t, 2, res.ReturnCode)
	}
}

func TestRemoveActivityStopsFiring(t *testing.T) {
	s, r, _ := newTestService(t, Options{Unit: 10 * time.Millisecond, Step: 5 * time.Millisecond, Window: 40 * time.Millisecond})

	require.True(t, s.AddActivity(domain.Activity{ID: "a", Command: "x", Interval: 2}))
	require.Eventually(t, func() bool { return r.count("a") >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, s.RemoveActivity("a"))
	assert.False(t, s.RemoveActivity("a"))
	time.Sleep(20 * time.Millisecond)
	n := r.count("a")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, r.count("a"))
	assert.Empty(t, s.cron.Entries())
}

func TestRemoveBeforeFirstRun(t *testing.T) {
	s, r, _ := newTestService(t, Options{Unit: time.Second, Step: 50 * time.Millisecond, Window: time.Second})
	require.True(t, s.AddActivity(domain.Activity{ID: "a", Command: "x", Interval: 60}))
	require.True(t, s.RemoveActivity("a"))
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, r.count("a"))
}

func TestActivityWithoutCommandIsSkipped(t *testing.T) {
	s, _, _ := newTestService(t, slowOpts())
	assert.False(t, s.AddActivity(domain.Activity{ID: "a", ActivityName: "empty"}))
	assert.Empty(t, s.Activities())
}

func TestIntervalBounds(t *testing.T) {
	s := NewService(&stubRunner{}, &stubSink{}, Options{})
	assert.Equal(t, 300*time.Second, s.interval(domain.Activity{}))
	assert.Equal(t, 300*time.Second, s.interval(domain.Activity{Interval: 604801}))
	assert.Equal(t, 604800*time.Second, s.interval(domain.Activity{Interval: 604800}))
	assert.Equal(t, time.Second, s.interval(domain.Activity{Interval: 1}))
	assert.Equal(t, 60*time.Second, s.interval(domain.Activity{Interval: 60}))
	assert.Equal(t, 300*time.Second, s.interval(domain.Activity{Interval: 10_000_000_000}))
	assert.Equal(t, 300*time.Second, s.interval(domain.Activity{Interval: 1 << 40}))
}

func TestAlignedEveryDoesNotDrift(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := alignedEvery{start: start, every: time.Second}

	assert.Equal(t, start, sched.Next(start.Add(-time.Hour)))
	assert.Equal(t, start.Add(time.Second), sched.Next(start))

	next := sched.Next(start.Add(-time.Millisecond))
	for i := 0; i < 1000; i++ {
		// every wake-up comes 2ms late
		next = sched.Next(next.Add(2 * time.Millisecond))
	}
	assert.Equal(t, start.Add(1000*time.Second), next)

	// a wake-up that overslept whole periods skips them
	assert.Equal(t, start.Add(4*time.Second), sched.Next(start.Add(3500*time.Millisecond)))
}

func TestPeriodicStartIsAlignedToWindow(t *testing.T) {
	opts := Options{Unit: time.Second, Step: 30 * time.Millisecond, Window: time.Hour, MaxInterval: 24 * time.Hour}
	s, _, _ := newTestService(t, opts)

	// a gap of one window is at least 70% of an hour: no extra period
	require.True(t, s.AddActivity(domain.Activity{ID: "a", Command: "x", Interval: 3600}))
	// but less than 70% of two hours: start one period later
	require.True(t, s.AddActivity(domain.Activity{ID: "b", Command: "x", Interval: 7200}))

	s.mu.Lock()
	origin := s.origin
	entryA, entryB := s.jobs["a"].entry, s.jobs["b"].entry
	s.mu.Unlock()

	assert.WithinDuration(t, origin.Add(opts.Window), s.cron.Entry(entryA).Next, time.Millisecond)
	assert.WithinDuration(t, origin.Add(opts.Window+opts.Step+2*time.Hour), s.cron.Entry(entryB).Next, time.Millisecond)
}

func TestBoundaryRunDependsOnGap(t *testing.T) {
	opts := Options{Unit: 10 * time.Millisecond, Step: 5 * time.Millisecond, Window: 200 * time.Millisecond}
	wide, rw, _ := newTestService(t, opts)
	narrow, rn, _ := newTestService(t, opts)

	// 200ms window against a 200ms interval: periodic runs start at the boundary
	require.True(t, wide.AddActivity(domain.Activity{ID: "a", Command: "x", Interval: 20}))
	// 200ms window against a 300ms interval: below 70%, the boundary run is skipped
	require.True(t, narrow.AddActivity(domain.Activity{ID: "a", Command: "x", Interval: 30}))

	time.Sleep(320 * time.Millisecond)
	assert.Equal(t, 2, rw.count("a"))
	assert.Equal(t, 1, rn.count("a"))
}

type panicRunner struct{ calls atomic.Int32 }

func (r *panicRunner) Run(ctx context.Context, activityID, command string) domain.ExecutionResult {
	r.calls.Add(1)
	panic("runner blew up")
}

func TestPanickingFirstRunIsRecovered(t *testing.T) {
	r := &panicRunner{}
	sink := &stubSink{}
	s := NewService(r, sink, Options{Unit: time.Second, Step: 5 * time.Millisecond, Window: time.Hour})
	s.Start()

	require.True(t, s.AddActivity(domain.Activity{ID: "a", Command: "x", Interval: 60}))
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, sink.all())
}

func TestSlotsAreRecycled(t *testing.T) {
	s, _, _ := newTestService(t, Options{Unit: time.Second, Step: time.Second, Window: time.Hour})
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, s.AddActivity(domain.Activity{ID: id, Command: "x", Interval: 60}))
	}
	require.True(t, s.RemoveActivity("b"))
	require.True(t, s.AddActivity(domain.Activity{ID: "d", Command: "x", Interval: 60}))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.jobs["d"].slot)
	assert.Equal(t, []string{"a", "d", "c"}, s.slots)
}

func TestReconcileLeavesUnchangedActivitiesAlone(t *testing.T) {
	s, _, _ := newTestService(t, slowOpts())
	A := domain.Activity{ID: "A", Command: "cmd1", Interval: 60}
	B := domain.Activity{ID: "B", Command: "cmd2", Interval: 30}
	C := domain.Activity{ID: "C", Command: "cmd3", Interval: 10}

	s.Reconcile([]domain.Activity{A, B})
	s.mu.Lock()
	entryA := s.jobs["A"].entry
	s.mu.Unlock()

	d := s.Reconcile([]domain.Activity{A, C})
	assert.Equal(t, []string{"B"}, d.Remove)
	assert.Equal(t, []domain.Activity{C}, d.Add)
	assert.Equal(t, []string{"A"}, d.Unchanged)
	assert.Empty(t, d.Replace)

	s.mu.Lock()
	assert.Equal(t, entryA, s.jobs["A"].entry, "A must not be restarted")
	s.mu.Unlock()
	assert.True(t, s.Has("C"))
	assert.False(t, s.Has("B"))
}

func TestReconcileReplacesAndRenames(t *testing.T) {
	s, _, _ := newTestService(t, slowOpts())
	s.Reconcile([]domain.Activity{
		{ID: "A", ActivityName: "top", Command: "top", Interval: 60},
		{ID: "B", ActivityName: "df", Command: "df", Interval: 60},
	})
	s.mu.Lock()
	entryB := s.jobs["B"].entry
	s.mu.Unlock()

	d := s.Reconcile([]domain.Activity{
		{ID: "A", ActivityName: "top", Command: "top -b", Interval: 60},
		{ID: "B", ActivityName: "disk", Command: "df", Interval: 60},
	})
	require.Len(t, d.Replace, 1)
	assert.Equal(t, "A", d.Replace[0].ID)
	require.Len(t, d.Rename, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "top -b", s.jobs["A"].activity.Command)
	assert.Equal(t, "disk", s.jobs["B"].activity.ActivityName)
	assert.Equal(t, entryB, s.jobs["B"].entry)
}

func TestComputeDiffIgnoresDuplicatesAndEmptyIDs(t *testing.T) {
	live := map[string]domain.Activity{"A": {ID: "A", Command: "x", Interval: 5}}
	d := ComputeDiff(live, []domain.Activity{
		{ID: "A", Command: "x", Interval: 5},
		{ID: "A", Command: "y", Interval: 5},
		{ID: "", Command: "z"},
	})
	assert.True(t, d.Empty())
	assert.Equal(t, []string{"A"}, d.Unchanged)
}

func TestShutdownWaitsForInFlightAndRejectsNewWork(t *testing.T) {
	r := &stubRunner{gate: make(chan struct{})}
	sink := &stubSink{}
	s := NewService(r, sink, Options{Unit: time.Second, Step: 5 * time.Millisecond, Window: time.Second})
	s.Start()

	require.True(t, s.AddActivity(domain.Activity{ID: "a", Command: "x", Interval: 60}))
	require.Eventually(t, func() bool { return r.count("a") == 1 }, time.Second, 2*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.Shutdown(ctx)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(r.gate)
	require.NoError(t, <-done)
	assert.Len(t, sink.all(), 1, "the in-flight run still delivers")

	assert.False(t, s.AddActivity(domain.Activity{ID: "b", Command: "x", Interval: 60}))
	assert.Empty(t, s.Activities())
}

func TestShutdownDeadline(t *testing.T) {
	r := &stubRunner{gate: make(chan struct{})}
	defer close(r.gate)
	s := NewService(r, &stubSink{}, Options{Unit: time.Second, Step: 5 * time.Millisecond, Window: time.Second})
	s.Start()
	require.True(t, s.AddActivity(domain.Activity{ID: "a", Command: "x", Interval: 60}))
	require.Eventually(t, func() bool { return r.count("a") == 1 }, time.Second, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
}
