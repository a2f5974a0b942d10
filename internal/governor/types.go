package governor

import (
	"runtime"
	"time"
)

// maxTaskBacklog caps tracked backlog entries per task id. The check counts
// the incoming attempt: with 4 entries tracked, the next submission is the
// one refused. Mirrors the origin's append-then-check behavior.
const maxTaskBacklog = 5

// Config controls the governor.
//
// CronConcurrency is the explicit ceiling for both run queues. Zero means
// "use the default": max(host logical cores, 4). Values from the persisted
// store are applied later via Reconfigure.
type Config struct {
	CronConcurrency int
}

// TaskRef identifies one schedulable task at the governor boundary. The task
// body and its definition live with the caller.
type TaskRef struct {
	ID   string
	Name string
}

func (t TaskRef) label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// DependencyRef identifies one dependency whose install must not overlap
// another install of the same id.
type DependencyRef struct {
	ID   string
	Name string
}

// Options are per-submission knobs. Priority follows workqueue semantics:
// higher dispatches first, zero is the default lane.
type Options struct {
	Priority int
}

// runRecord is one tracked backlog entry for a scheduled run.
type runRecord struct {
	id     string
	taskID string
	seq    uint64
	at     time.Time
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Ceiling          int
	ScheduledActive  int
	ScheduledPending int
	ManualActive     int
	ManualPending    int
	InstallActive    int
	InstallPending   int
	LogActive        int
	LogPending       int
	TrackedRuns      int
	ActiveDeps       int
}

func defaultCeiling() int {
	n := runtime.NumCPU()
	if n < 4 {
		n = 4
	}
	return n
}
