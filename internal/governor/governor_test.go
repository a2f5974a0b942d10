package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskgate/internal/configstore"
	logx "taskgate/pkg/logx"
)

type countingNotifier struct {
	mu     sync.Mutex
	calls  int
	titles []string
}

func (n *countingNotifier) Notify(_ context.Context, title, _ string) {
	n.mu.Lock()
	n.calls++
	n.titles = append(n.titles, title)
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type failingStore struct{ configstore.Store }

func (failingStore) CronConcurrency(context.Context) (int, bool, error) {
	return 0, false, errors.New("store unavailable")
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func instantRun(context.Context) error { return nil }

func newTestGovernor(t *testing.T, ceiling int) (*Governor, *countingNotifier) {
	t.Helper()
	n := &countingNotifier{}
	g := New(Config{CronConcurrency: ceiling}, configstore.NewMemory(), n, logx.Nop(), nil)
	return g, n
}

func TestDuplicateRunCap(t *testing.T) {
	t.Parallel()
	g, n := newTestGovernor(t, 4)
	task := TaskRef{ID: "backup", Name: "Nightly Backup"}

	// Four instant runs leave four tracked backlog entries (release is the
	// caller's duty and has not happened yet).
	for i := 0; i < 4; i++ {
		if err := g.SubmitScheduledRun(context.Background(), task, instantRun, Options{}); err != nil {
			t.Fatalf("submission %d: %v", i+1, err)
		}
	}
	if got := g.Snapshot().TrackedRuns; got != 4 {
		t.Fatalf("tracked runs = %d, want 4", got)
	}

	// The attempt that would reach the cap is refused: no enqueue, exactly
	// one alert, and the caller sees "did not run".
	err := g.SubmitScheduledRun(context.Background(), task, instantRun, Options{})
	if !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("5th submission error = %v, want ErrDuplicateRun", err)
	}
	if got := g.Snapshot().TrackedRuns; got != 4 {
		t.Fatalf("tracked runs after refusal = %d, want 4 (no residue)", got)
	}
	if n.count() != 1 {
		t.Fatalf("notifications = %d, want exactly 1", n.count())
	}

	// Releasing one entry makes room again.
	g.ReleaseQueuedRun(task.ID)
	if err := g.SubmitScheduledRun(context.Background(), task, instantRun, Options{}); err != nil {
		t.Fatalf("submission after release: %v", err)
	}
	if n.count() != 1 {
		t.Fatalf("notifications = %d after accepted submission, want still 1", n.count())
	}
}

func TestDuplicateRunPendingCount(t *testing.T) {
	t.Parallel()
	const ceiling = 2
	g, n := newTestGovernor(t, ceiling)
	task := TaskRef{ID: "slow"}

	release := make(chan struct{})
	never := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.SubmitScheduledRun(context.Background(), task, never, Options{})
		}()
		want := i + 1
		waitUntil(t, "backlog grows", func() bool { return g.Snapshot().TrackedRuns == want })
	}
	waitUntil(t, "queue fills", func() bool {
		return g.ActiveCount() == ceiling && g.PendingCount() == 4-ceiling
	})

	if err := g.SubmitScheduledRun(context.Background(), task, never, Options{}); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("5th submission error = %v, want ErrDuplicateRun", err)
	}
	if n.count() != 1 {
		t.Fatalf("notifications = %d, want exactly 1", n.count())
	}
	if got := g.PendingCount(); got != 4-ceiling {
		t.Fatalf("pending = %d, want %d", got, 4-ceiling)
	}

	close(release)
	wg.Wait()
	for i := 0; i < 4; i++ {
		g.ReleaseQueuedRun(task.ID)
	}
	if got := g.Snapshot().TrackedRuns; got != 0 {
		t.Fatalf("tracked runs after releases = %d, want 0", got)
	}
}

func TestReleaseQueuedRunFloorsAtZero(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, 2)

	// Releasing an id that was never tracked is a no-op.
	g.ReleaseQueuedRun("ghost")

	task := TaskRef{ID: "t1"}
	for i := 0; i < 3; i++ {
		if err := g.SubmitScheduledRun(context.Background(), task, instantRun, Options{}); err != nil {
			t.Fatalf("submission %d: %v", i+1, err)
		}
	}
	for i := 0; i < 5; i++ { // more releases than entries
		g.ReleaseQueuedRun(task.ID)
	}
	if got := g.Snapshot().TrackedRuns; got != 0 {
		t.Fatalf("tracked runs = %d, want 0", got)
	}
	if _, ok := g.FirstQueuedTaskID(); ok {
		t.Fatal("FirstQueuedTaskID reported an entry after full release")
	}
}

func TestFirstQueuedTaskIDInsertionOrder(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, 4)

	for _, id := range []string{"alpha", "beta", "alpha"} {
		if err := g.SubmitScheduledRun(context.Background(), TaskRef{ID: id}, instantRun, Options{}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	if id, ok := g.FirstQueuedTaskID(); !ok || id != "alpha" {
		t.Fatalf("first queued = %q/%v, want alpha", id, ok)
	}
	g.ReleaseQueuedRun("alpha")
	if id, ok := g.FirstQueuedTaskID(); !ok || id != "beta" {
		t.Fatalf("first queued after release = %q/%v, want beta", id, ok)
	}
	g.ReleaseQueuedRun("beta")
	if id, ok := g.FirstQueuedTaskID(); !ok || id != "alpha" {
		t.Fatalf("first queued = %q/%v, want remaining alpha entry", id, ok)
	}
}

func TestDependencySetLifecycle(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, 2)

	ids := []string{"node", "python", "ffmpeg"}
	for _, id := range ids {
		dep := DependencyRef{ID: id, Name: id}
		if err := g.SubmitDependencyInstall(context.Background(), dep, instantRun, Options{}); err != nil {
			t.Fatalf("install %s: %v", id, err)
		}
	}
	for _, id := range ids {
		if !g.DependencyActive(id) {
			t.Fatalf("dependency %s not tracked before release", id)
		}
	}

	for _, id := range ids {
		g.ReleaseDependency(id)
	}
	if got := len(g.ActiveDependencies()); got != 0 {
		t.Fatalf("active set size = %d after releases, want 0", got)
	}
	for _, id := range ids {
		if g.DependencyActive(id) {
			t.Fatalf("stale dependency entry for %s", id)
		}
	}
	// Releasing again is a no-op.
	g.ReleaseDependency("node")
}

func TestSerializedQueuesNeverOverlap(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, 4)

	var inFlight, peak int32
	tracked := func(context.Context) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			dep := DependencyRef{ID: fmt.Sprintf("dep-%d", i)}
			_ = g.SubmitDependencyInstall(context.Background(), dep, tracked, Options{})
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.SubmitLogAppend(context.Background(), tracked, Options{})
		}()
	}
	wg.Wait()

	// installs and logops are independent serialized queues: at most one
	// active each, so the shared gauge peaks at 2.
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("peak concurrency across serialized queues = %d, want <= 2", got)
	}
}

func TestLogAppendsRunInSubmissionOrder(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, 4)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.SubmitLogAppend(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			}, Options{})
		}()
		want := i
		waitUntil(t, "append settles or queues", func() bool {
			mu.Lock()
			done := len(order)
			mu.Unlock()
			return done > want
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("log append order = %v, want sequential", order)
		}
	}
}

func TestReconfigureFromStore(t *testing.T) {
	t.Parallel()
	store := configstore.NewMemory()
	n := &countingNotifier{}
	g := New(Config{CronConcurrency: 4}, store, n, logx.Nop(), nil)

	release := make(chan struct{})
	blocked := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := TaskRef{ID: fmt.Sprintf("job-%d", i)}
			_ = g.SubmitScheduledRun(context.Background(), task, blocked, Options{})
		}()
	}
	waitUntil(t, "4 active / 4 pending", func() bool {
		return g.ActiveCount() == 4 && g.PendingCount() == 4
	})

	// Absent store value: ceilings unchanged.
	if err := g.Reconfigure(context.Background()); err != nil {
		t.Fatalf("Reconfigure with empty store: %v", err)
	}
	if g.ActiveCount() != 4 {
		t.Fatalf("active = %d after no-op reconfigure, want 4", g.ActiveCount())
	}

	// Stored value applies without aborting the original 4.
	if err := store.SetCronConcurrency(context.Background(), 8); err != nil {
		t.Fatalf("SetCronConcurrency: %v", err)
	}
	if err := g.Reconfigure(context.Background()); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	waitUntil(t, "8 active", func() bool { return g.ActiveCount() == 8 })
	if g.PendingCount() != 0 {
		t.Fatalf("pending = %d after raise, want 0", g.PendingCount())
	}

	close(release)
	wg.Wait()
}

func TestReconfigureFetchFailurePropagates(t *testing.T) {
	t.Parallel()
	g := New(Config{CronConcurrency: 4}, failingStore{}, &countingNotifier{}, logx.Nop(), nil)
	if err := g.Reconfigure(context.Background()); err == nil {
		t.Fatal("expected error from failing store")
	}
}

func TestWorkErrorPropagatesVerbatim(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, 2)

	boom := errors.New("exit status 3")
	err := g.SubmitScheduledRun(context.Background(), TaskRef{ID: "flaky"}, func(context.Context) error {
		return boom
	}, Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	g.ReleaseQueuedRun("flaky")

	if err := g.SubmitManualRun(context.Background(), func(context.Context) error { return boom }, Options{}); !errors.Is(err, boom) {
		t.Fatalf("manual run error = %v, want %v", err, boom)
	}
}

func TestManualRunsHaveNoDuplicateCap(t *testing.T) {
	t.Parallel()
	g, n := newTestGovernor(t, 2)

	for i := 0; i < 10; i++ {
		if err := g.SubmitManualRun(context.Background(), instantRun, Options{}); err != nil {
			t.Fatalf("manual run %d: %v", i+1, err)
		}
	}
	if n.count() != 0 {
		t.Fatalf("notifications = %d for manual runs, want 0", n.count())
	}
}

func TestDefaultCeilingFloor(t *testing.T) {
	t.Parallel()
	if got := defaultCeiling(); got < 4 {
		t.Fatalf("default ceiling = %d, want >= 4", got)
	}
}
