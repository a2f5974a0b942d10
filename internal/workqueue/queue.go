package workqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"taskgate/internal/eventbus"
	logx "taskgate/pkg/logx"
)

// Queue is a concurrency-bounded dispatch gate.
//
// Items run on their submitter's goroutine once a slot frees up; the queue
// itself owns no workers. The ceiling can be raised or lowered at any time
// and only affects future dispatch decisions, never running items.
type Queue struct {
	name string
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	ceiling int
	active  int
	waiters []*waiter
	seq     uint64
}

type waiter struct {
	item  Item
	seq   uint64
	ready chan struct{}
}

func New(name string, ceiling int, log logx.Logger, bus eventbus.Bus) *Queue {
	if ceiling <= 0 {
		ceiling = 1
	}
	return &Queue{name: name, ceiling: ceiling, log: log, bus: bus}
}

func (q *Queue) Name() string { return q.name }

// Ceiling returns the current concurrency ceiling.
func (q *Queue) Ceiling() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ceiling
}

// SetCeiling changes the concurrency ceiling.
//
// Raising it dispatches eligible backlog immediately; lowering it lets the
// excess active items run to completion. No lower bound is enforced: the
// caller owns the policy.
func (q *Queue) SetCeiling(n int) {
	q.mu.Lock()
	prev := q.ceiling
	q.ceiling = n
	q.dispatchLocked()
	q.mu.Unlock()

	if prev != n {
		q.log.Info("queue ceiling changed", logx.String("queue", q.name), logx.Int("from", prev), logx.Int("to", n))
	}
}

// Active returns the number of currently executing items.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Pending returns the number of items waiting for a slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Submit runs the item under the queue's ceiling and blocks until it settles,
// returning the item's own error verbatim.
//
// Cancelling ctx while the item is still pending withdraws it with no side
// effects. Once the item is active, cancellation is forwarded through the
// run ctx and honored only as far as the work unit observes it.
func (q *Queue) Submit(ctx context.Context, item Item) error {
	if item.Run == nil {
		return fmt.Errorf("workqueue %s: item Run is nil", q.name)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w := &waiter{item: item, ready: make(chan struct{})}

	q.mu.Lock()
	q.seq++
	w.seq = q.seq
	q.waiters = append(q.waiters, w)
	q.publishLocked(EventAdded, item, nil)
	q.dispatchLocked()
	q.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		q.mu.Lock()
		if q.removeWaiterLocked(w) {
			// Still pending: withdrawn, never started, no events.
			q.mu.Unlock()
			return ctx.Err()
		}
		q.mu.Unlock()
		// Lost the race: a slot was granted while we were cancelling.
		// The item is considered active and must run to settle the books.
		<-w.ready
	}

	err := q.runItem(ctx, item)
	q.settle(item, err)
	return err
}

func (q *Queue) runItem(ctx context.Context, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.log.Error("queue item panicked",
				logx.String("queue", q.name),
				logx.String("item", item.Label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return item.Run(ctx)
}

func (q *Queue) settle(item Item, err error) {
	q.mu.Lock()
	q.active--
	if err != nil {
		q.publishLocked(EventErrored, item, err)
	} else {
		q.publishLocked(EventCompleted, item, nil)
	}
	// Advanced fires after every settle, before the next pending item (if any)
	// is dispatched, carrying the refreshed gauges.
	q.publishLocked(EventAdvanced, Item{}, nil)
	q.dispatchLocked()
	drained := q.active == 0 && len(q.waiters) == 0
	if drained {
		q.publishLocked(EventDrained, Item{}, nil)
	}
	active, pending := q.active, len(q.waiters)
	q.mu.Unlock()

	if err != nil {
		q.log.Warn("queue item failed",
			logx.String("queue", q.name),
			logx.String("item", item.Label),
			logx.Err(err),
			logx.Int("active", active),
			logx.Int("pending", pending),
		)
	} else {
		q.log.Debug("queue item completed",
			logx.String("queue", q.name),
			logx.String("item", item.Label),
			logx.Int("active", active),
			logx.Int("pending", pending),
		)
	}
}

// dispatchLocked grants slots to backlog while capacity allows.
// Order: highest priority first, FIFO within a priority.
func (q *Queue) dispatchLocked() {
	for len(q.waiters) > 0 && q.active < q.ceiling {
		best := 0
		for i := 1; i < len(q.waiters); i++ {
			w, b := q.waiters[i], q.waiters[best]
			if w.item.Priority > b.item.Priority ||
				(w.item.Priority == b.item.Priority && w.seq < b.seq) {
				best = i
			}
		}
		w := q.waiters[best]
		q.waiters = append(q.waiters[:best], q.waiters[best+1:]...)
		q.active++
		q.publishLocked(EventStarted, w.item, nil)
		close(w.ready)
	}
}

func (q *Queue) removeWaiterLocked(w *waiter) bool {
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) publishLocked(typ string, item Item, err error) {
	if q.bus == nil {
		return
	}
	ev := QueueEvent{
		Queue:   q.name,
		ItemID:  item.ID,
		Label:   item.Label,
		Active:  q.active,
		Pending: len(q.waiters),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
