// Package scheduler is the cron host that feeds the governor.
//
// It decides *when* jobs fire; the governor decides whether and when they may
// run. Every fire becomes a scheduled-run submission, and the backlog entry
// is released when the run concludes, success or failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskgate/internal/config"
	"taskgate/internal/governor"
	logx "taskgate/pkg/logx"
)

type Config struct {
	Jobs []config.JobConfig

	// HistoryPath is the run-history file appended through the governor's
	// log queue. Empty disables history.
	HistoryPath string
}

type jobDef struct {
	cfg     config.JobConfig
	spec    ParsedSpec
	timeout time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	gov *governor.Governor
	cfg Config

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	runlog *RunLog

	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, gov *governor.Governor, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		gov:    gov,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply replaces the job table. If the scheduler is running, cron restarts
// with the new definitions; in-flight runs are unaffected.
func (s *Service) Apply(cfg Config) error {
	defs, err := buildDefs(cfg.Jobs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.defs = defs
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	defs, err := buildDefs(s.cfg.Jobs)
	if err != nil {
		return err
	}
	s.defs = defs

	if strings.TrimSpace(s.cfg.HistoryPath) != "" {
		s.runlog = NewRunLog(s.cfg.HistoryPath, s.gov, s.log)
	}

	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.restartLocked()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.defs)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.c = cron.New(cron.WithParser(s.parser))
	for _, d := range s.defs {
		def := d
		if _, err := s.c.AddFunc(def.spec.CronSpec(), func() { s.fire(def) }); err != nil {
			s.log.Error("cron registration failed", logx.String("job", def.cfg.ID), logx.Err(err))
		}
	}
	s.c.Start()
}

func buildDefs(jobs []config.JobConfig) ([]jobDef, error) {
	defs := make([]jobDef, 0, len(jobs))
	for i, j := range jobs {
		spec, err := ParseSchedule(j.Schedule)
		if err != nil {
			return nil, fmt.Errorf("jobs[%d] (%s): %w", i, j.ID, err)
		}
		timeout, err := config.ParseDurationField(fmt.Sprintf("jobs[%d].timeout", i), j.Timeout)
		if err != nil {
			return nil, err
		}
		defs = append(defs, jobDef{cfg: j, spec: spec, timeout: timeout})
	}
	return defs, nil
}

// fire hands one cron trigger to the governor without blocking the cron loop.
func (s *Service) fire(def jobDef) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.runOnce(ctx, def)
	}()
}

func (s *Service) runOnce(ctx context.Context, def jobDef) {
	task := governor.TaskRef{ID: def.cfg.ID, Name: def.cfg.Name}
	started := time.Now()

	err := s.gov.SubmitScheduledRun(ctx, task, func(rctx context.Context) error {
		return s.runCommand(rctx, def)
	}, governor.Options{Priority: def.cfg.Priority})

	if errors.Is(err, governor.ErrDuplicateRun) {
		// Nothing was tracked, so nothing to release.
		s.log.Debug("fire skipped: duplicate run", logx.String("job", def.cfg.ID))
		return
	}
	s.gov.ReleaseQueuedRun(def.cfg.ID)

	if s.runlog != nil {
		s.runlog.Append(ctx, RunEntry{
			JobID:    def.cfg.ID,
			Started:  started,
			Duration: time.Since(started),
			Error:    errString(err),
		})
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduled run failed", logx.String("job", def.cfg.ID), logx.Err(err))
	}
}

func (s *Service) runCommand(ctx context.Context, def jobDef) error {
	rctx := ctx
	if def.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, def.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(rctx, def.cfg.Command, def.cfg.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("job %s: %w (output: %s)", def.cfg.ID, err, truncate(string(out), 512))
	}
	s.log.Debug("job command finished", logx.String("job", def.cfg.ID), logx.Int("output_bytes", len(out)))
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
