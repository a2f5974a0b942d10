package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskgate/internal/configstore"
	"taskgate/internal/eventbus"
	"taskgate/internal/notify"
	"taskgate/internal/workqueue"
	logx "taskgate/pkg/logx"
)

// Governor composes the four queues and layers policy on top: duplicate-run
// detection, dependency tracking, dynamic reconfiguration and alerting.
//
// Construct exactly one per host and pass the handle to every caller; there
// is deliberately no package-level instance.
type Governor struct {
	log      logx.Logger
	store    configstore.Store
	notifier notify.Notifier

	scheduled *workqueue.Queue
	manual    *workqueue.Queue
	installs  *workqueue.Queue
	logOps    *workqueue.Queue

	// mu guards backlog and activeDeps. Dispatch decisions read and write
	// them non-atomically relative to each other otherwise.
	mu         sync.Mutex
	seq        uint64
	backlog    map[string][]runRecord
	activeDeps map[string]DependencyRef
}

func New(cfg Config, store configstore.Store, notifier notify.Notifier, log logx.Logger, bus eventbus.Bus) *Governor {
	ceiling := cfg.CronConcurrency
	if ceiling <= 0 {
		ceiling = defaultCeiling()
	}
	if notifier == nil {
		notifier = notify.Nop()
	}
	g := &Governor{
		log:        log,
		store:      store,
		notifier:   notifier,
		scheduled:  workqueue.New("scheduled", ceiling, log, bus),
		manual:     workqueue.New("manual", ceiling, log, bus),
		installs:   workqueue.New("installs", 1, log, bus),
		logOps:     workqueue.New("logops", 1, log, bus),
		backlog:    make(map[string][]runRecord),
		activeDeps: make(map[string]DependencyRef),
	}
	log.Info("governor ready", logx.Int("ceiling", ceiling))
	return g
}

// SubmitScheduledRun gates one scheduler-fired invocation of task.
//
// The run is tracked in the task's backlog until the caller invokes
// ReleaseQueuedRun. If tracking would blow the per-task cap the submission is
// refused with ErrDuplicateRun: nothing is enqueued and a single duplicate-run
// alert names the task. Otherwise the call blocks until the work unit settles
// and returns its error verbatim.
func (g *Governor) SubmitScheduledRun(ctx context.Context, task TaskRef, run workqueue.RunFunc, opt Options) error {
	if task.ID == "" {
		return fmt.Errorf("scheduled run: task id is required")
	}
	rec, ok := g.trackQueuedRun(task.ID)
	if !ok {
		g.log.Warn("duplicate scheduled run refused",
			logx.String("task", task.label()),
			logx.Int("backlog", maxTaskBacklog-1),
		)
		g.notifier.Notify(ctx, "Duplicate run skipped",
			fmt.Sprintf("Task %q already has %d queued runs; this fire was skipped.", task.label(), maxTaskBacklog-1))
		return ErrDuplicateRun
	}

	return g.scheduled.Submit(ctx, workqueue.Item{
		ID:       rec.id,
		Label:    task.label(),
		Priority: opt.Priority,
		Run:      run,
	})
}

// SubmitManualRun gates one user-initiated run. Manual runs are one-off and
// user-directed, so there is no duplicate cap and no backlog tracking.
func (g *Governor) SubmitManualRun(ctx context.Context, run workqueue.RunFunc, opt Options) error {
	return g.manual.Submit(ctx, workqueue.Item{
		ID:       uuid.NewString(),
		Label:    "manual",
		Priority: opt.Priority,
		Run:      run,
	})
}

// SubmitDependencyInstall serializes one environment/dependency setup
// operation. The dependency id is recorded as active before dispatch and
// stays active until the caller invokes ReleaseDependency, whatever the
// outcome. Installs are always accepted.
func (g *Governor) SubmitDependencyInstall(ctx context.Context, dep DependencyRef, run workqueue.RunFunc, opt Options) error {
	if dep.ID == "" {
		return fmt.Errorf("dependency install: dependency id is required")
	}
	g.mu.Lock()
	g.activeDeps[dep.ID] = dep
	g.mu.Unlock()

	label := dep.Name
	if label == "" {
		label = dep.ID
	}
	return g.installs.Submit(ctx, workqueue.Item{
		ID:       uuid.NewString(),
		Label:    label,
		Priority: opt.Priority,
		Run:      run,
	})
}

// SubmitLogAppend serializes one log-mutation side effect. No tracking:
// strict submission order alone guarantees safety.
func (g *Governor) SubmitLogAppend(ctx context.Context, run workqueue.RunFunc, opt Options) error {
	return g.logOps.Submit(ctx, workqueue.Item{
		ID:       uuid.NewString(),
		Label:    "logappend",
		Priority: opt.Priority,
		Run:      run,
	})
}

// ReleaseQueuedRun removes the oldest tracked backlog entry for taskID.
// No-op when nothing is tracked. Callers invoke this once per concluded run,
// success or failure, so accounting stays correct even if a queue-level
// completion event was missed.
func (g *Governor) ReleaseQueuedRun(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.backlog[taskID]
	if len(list) == 0 {
		return
	}
	list = list[1:]
	if len(list) == 0 {
		delete(g.backlog, taskID)
		return
	}
	g.backlog[taskID] = list
}

// ReleaseDependency removes id from the active set. No-op if absent.
func (g *Governor) ReleaseDependency(id string) {
	g.mu.Lock()
	delete(g.activeDeps, id)
	g.mu.Unlock()
}

// DependencyActive reports whether id is currently tracked as installing.
func (g *Governor) DependencyActive(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.activeDeps[id]
	return ok
}

// ActiveDependencies returns the ids currently tracked as installing.
func (g *Governor) ActiveDependencies() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.activeDeps))
	for id := range g.activeDeps {
		out = append(out, id)
	}
	return out
}

// Reconfigure re-reads the persisted concurrency setting and applies it to
// both run queues. An absent value leaves the ceilings unchanged. A failed
// read is returned to the caller: running with a silently wrong ceiling could
// violate capacity assumptions.
//
// Idempotent and safe while queues are busy; changes affect future dispatch
// decisions only, never running work.
func (g *Governor) Reconfigure(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	n, ok, err := g.store.CronConcurrency(ctx)
	if err != nil {
		return fmt.Errorf("fetch concurrency config: %w", err)
	}
	if !ok {
		g.log.Debug("no persisted concurrency override; ceilings unchanged")
		return nil
	}
	g.SetCeiling(n)
	return nil
}

// SetCeiling applies an explicit ceiling to both run queues immediately.
// Explicit overrides supersede the default floor; no lower bound is enforced.
func (g *Governor) SetCeiling(n int) {
	g.scheduled.SetCeiling(n)
	g.manual.SetCeiling(n)
}

// ActiveCount reports currently executing scheduled runs.
func (g *Governor) ActiveCount() int { return g.scheduled.Active() }

// PendingCount reports scheduled runs waiting for a slot.
func (g *Governor) PendingCount() int { return g.scheduled.Pending() }

// FirstQueuedTaskID returns the task id owning the oldest still-tracked
// backlog entry, in insertion order, or false when no backlog exists.
// Diagnostic aid for identifying a stuck task.
func (g *Governor) FirstQueuedTaskID() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var (
		bestID  string
		bestSeq uint64
		found   bool
	)
	for id, list := range g.backlog {
		if len(list) == 0 {
			continue
		}
		if !found || list[0].seq < bestSeq {
			bestID, bestSeq, found = id, list[0].seq, true
		}
	}
	return bestID, found
}

// Snapshot returns a point-in-time diagnostic view of all four queues.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	tracked := 0
	for _, list := range g.backlog {
		tracked += len(list)
	}
	deps := len(g.activeDeps)
	g.mu.Unlock()

	return Snapshot{
		Ceiling:          g.scheduled.Ceiling(),
		ScheduledActive:  g.scheduled.Active(),
		ScheduledPending: g.scheduled.Pending(),
		ManualActive:     g.manual.Active(),
		ManualPending:    g.manual.Pending(),
		InstallActive:    g.installs.Active(),
		InstallPending:   g.installs.Pending(),
		LogActive:        g.logOps.Active(),
		LogPending:       g.logOps.Pending(),
		TrackedRuns:      tracked,
		ActiveDeps:       deps,
	}
}

// trackQueuedRun appends a backlog record for taskID and checks the cap.
// The check runs after the append, so the cap counts the incoming attempt;
// on refusal the probe record is rolled back and nothing stays tracked.
func (g *Governor) trackQueuedRun(taskID string) (runRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	rec := runRecord{id: uuid.NewString(), taskID: taskID, seq: g.seq, at: time.Now()}
	list := append(g.backlog[taskID], rec)
	if len(list) >= maxTaskBacklog {
		// Roll back the probe: a refused submission leaves no residue.
		return runRecord{}, false
	}
	g.backlog[taskID] = list
	return rec, true
}
