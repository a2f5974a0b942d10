package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"taskgate/internal/governor"
	logx "taskgate/pkg/logx"
)

// RunEntry is one line of the run-history file.
type RunEntry struct {
	JobID    string        `json:"job_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunLog appends run history through the governor's log queue, so concurrent
// runs never interleave writes: the queue's strict submission order is the
// only synchronization.
type RunLog struct {
	path string
	gov  *governor.Governor
	log  logx.Logger
}

func NewRunLog(path string, gov *governor.Governor, log logx.Logger) *RunLog {
	return &RunLog{path: path, gov: gov, log: log}
}

// Append records the entry. Best effort: history must never fail a run.
func (r *RunLog) Append(ctx context.Context, e RunEntry) {
	err := r.gov.SubmitLogAppend(ctx, func(context.Context) error {
		return r.writeLine(e)
	}, governor.Options{})
	if err != nil {
		r.log.Warn("run history append failed", logx.String("job", e.JobID), logx.Err(err))
	}
}

func (r *RunLog) writeLine(e RunEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}
