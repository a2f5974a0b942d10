package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskgate/internal/eventbus"
	logx "taskgate/pkg/logx"
)

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

// blockingRun returns a run func that parks until release is closed.
func blockingRun(release <-chan struct{}) RunFunc {
	return func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestCeilingNeverExceeded(t *testing.T) {
	t.Parallel()
	q := New("test", 2, logx.Nop(), nil)

	release := make(chan struct{})
	var inFlight, peak int32
	run := func(ctx context.Context) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&inFlight, -1)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), Item{Label: "burst", Run: run})
		}()
	}

	waitUntil(t, "2 active", func() bool { return q.Active() == 2 })
	waitUntil(t, "6 pending", func() bool { return q.Pending() == 6 })
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}

	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("peak concurrency after drain = %d, want <= 2", got)
	}
	if q.Active() != 0 || q.Pending() != 0 {
		t.Fatalf("queue not drained: active=%d pending=%d", q.Active(), q.Pending())
	}
}

func TestSerialQueueRunsInSubmissionOrder(t *testing.T) {
	t.Parallel()
	q := New("serial", 1, logx.Nop(), nil)

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Submit(context.Background(), Item{Label: "head", Run: func(context.Context) error {
			<-gate
			return nil
		}})
	}()
	waitUntil(t, "head active", func() bool { return q.Active() == 1 })

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), Item{Label: "tail", Run: func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			}})
		}()
		waitUntil(t, "tail pending", func() bool { return q.Pending() == i })
	}

	close(gate)
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("execution order = %v, want [1 2 3]", order)
	}
}

func TestPriorityDispatchesFirst(t *testing.T) {
	t.Parallel()
	q := New("prio", 1, logx.Nop(), nil)

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Submit(context.Background(), Item{Label: "head", Run: func(context.Context) error {
			<-gate
			return nil
		}})
	}()
	waitUntil(t, "head active", func() bool { return q.Active() == 1 })

	var mu sync.Mutex
	var order []int
	for i, prio := range []int{0, 5, 1} {
		prio := prio
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), Item{Label: "tail", Priority: prio, Run: func(context.Context) error {
				mu.Lock()
				order = append(order, prio)
				mu.Unlock()
				return nil
			}})
		}()
		waitUntil(t, "pending grows", func() bool { return q.Pending() == i+1 })
	}

	close(gate)
	wg.Wait()

	if len(order) != 3 || order[0] != 5 || order[1] != 1 || order[2] != 0 {
		t.Fatalf("execution order = %v, want [5 1 0]", order)
	}
}

func TestSetCeilingExpandsMidFlight(t *testing.T) {
	t.Parallel()
	q := New("grow", 4, logx.Nop(), nil)

	release := make(chan struct{})
	run := blockingRun(release)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), Item{Label: "unit", Run: run})
		}()
	}
	waitUntil(t, "4 active / 4 pending", func() bool { return q.Active() == 4 && q.Pending() == 4 })

	// None of the original 4 finished, yet the 4 pending units start.
	q.SetCeiling(8)
	waitUntil(t, "8 active", func() bool { return q.Active() == 8 })
	if q.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", q.Pending())
	}

	close(release)
	wg.Wait()
}

func TestSubmitReturnsWorkError(t *testing.T) {
	t.Parallel()
	q := New("err", 2, logx.Nop(), nil)

	boom := errors.New("boom")
	if err := q.Submit(context.Background(), Item{Label: "bad", Run: func(context.Context) error { return boom }}); !errors.Is(err, boom) {
		t.Fatalf("Submit error = %v, want %v", err, boom)
	}
	// A failing unit must not wedge the queue.
	if err := q.Submit(context.Background(), Item{Label: "good", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Submit after failure: %v", err)
	}
}

func TestSubmitRecoversPanic(t *testing.T) {
	t.Parallel()
	q := New("panic", 1, logx.Nop(), nil)

	err := q.Submit(context.Background(), Item{Label: "kaboom", Run: func(context.Context) error {
		panic("kaboom")
	}})
	if err == nil {
		t.Fatal("expected error from panicking unit")
	}
	if q.Active() != 0 {
		t.Fatalf("active = %d after panic, want 0", q.Active())
	}
}

func TestCancelPendingWithdrawsItem(t *testing.T) {
	t.Parallel()
	q := New("cancel", 1, logx.Nop(), nil)

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Submit(context.Background(), Item{Label: "head", Run: func(context.Context) error {
			<-gate
			return nil
		}})
	}()
	waitUntil(t, "head active", func() bool { return q.Active() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- q.Submit(ctx, Item{Label: "doomed", Run: func(context.Context) error {
			close(ran)
			return nil
		}})
	}()
	waitUntil(t, "doomed pending", func() bool { return q.Pending() == 1 })

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit error = %v, want context.Canceled", err)
	}
	if q.Pending() != 0 {
		t.Fatalf("pending = %d after cancel, want 0", q.Pending())
	}

	close(gate)
	wg.Wait()

	select {
	case <-ran:
		t.Fatal("withdrawn item must never run")
	default:
	}
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	q := New("events", 1, logx.Nop(), bus)

	boom := errors.New("boom")
	_ = q.Submit(context.Background(), Item{ID: "a", Label: "ok", Run: func(context.Context) error { return nil }})
	_ = q.Submit(context.Background(), Item{ID: "b", Label: "bad", Run: func(context.Context) error { return boom }})

	var types []string
	drained := 0
	deadline := time.After(5 * time.Second)
	for drained < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			if ev.Type == EventDrained {
				drained++
			}
			if qe, ok := ev.Data.(QueueEvent); ok {
				if qe.Active < 0 || qe.Pending < 0 {
					t.Fatalf("negative gauges in %s: %+v", ev.Type, qe)
				}
			}
		case <-deadline:
			t.Fatalf("timed out; saw %v", types)
		}
	}

	want := []string{
		EventAdded, EventStarted, EventCompleted, EventAdvanced, EventDrained,
		EventAdded, EventStarted, EventErrored, EventAdvanced, EventDrained,
	}
	if len(types) != len(want) {
		t.Fatalf("event stream = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (stream %v)", i, types[i], want[i], types)
		}
	}
}
