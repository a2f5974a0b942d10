package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	logx "taskgate/pkg/logx"
)

const dropWarnEvery = 5 * time.Second

type item struct {
	title string
	body  string
}

// Service implements Notifier as an async pipeline:
// bounded queue + worker pool + rate limit + bounded retry.
//
// It is safe for concurrent use. When the service is not running (disabled or
// stopped), notifications degrade to a log line so they are never lost
// silently.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender

	cfg     Config
	limiter *rate.Limiter

	queue     chan item
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	dropped      uint64
	lastDropWarn int64
	hmu          sync.Mutex
	history      []HistoryItem
	historyLimit int
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	s := &Service{log: log, sender: sender, historyLimit: 300}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan item, s.cfg.QueueSize)
	rctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	queue := s.queue
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.worker(rctx, queue)
		}()
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.queue = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		s.log.Warn("notifier stop timed out", logx.Err(ctx.Err()))
	}
}

// Notify enqueues without blocking. When the pipeline is full or not running,
// the alert is logged instead so operators still see it.
func (s *Service) Notify(_ context.Context, title, body string) {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()

	if queue == nil {
		s.log.Info("notification (channel inactive)", logx.String("title", title), logx.String("body", body))
		s.record(HistoryItem{At: time.Now(), Title: title, Body: body, Error: "channel inactive"})
		return
	}

	select {
	case queue <- item{title: title, body: body}:
	default:
		atomic.AddUint64(&s.dropped, 1)
		if s.shouldWarnDrop(time.Now()) {
			s.log.Warn("notification dropped: queue full",
				logx.String("title", title),
				logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)),
			)
		}
	}
}

// History returns a copy of recent deliveries, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) worker(ctx context.Context, queue <-chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-queue:
			s.deliver(ctx, it)
		}
	}
}

func (s *Service) deliver(ctx context.Context, it item) {
	s.mu.Lock()
	lim := s.limiter
	cfg := s.cfg
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0 // attempts are bounded by WithMaxRetries

	err := backoff.Retry(func() error {
		return sender.Send(ctx, it.title, it.body)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.RetryMax)), ctx))

	h := HistoryItem{At: time.Now(), Title: it.title, Body: it.body}
	if err != nil {
		h.Error = err.Error()
		s.log.Warn("notification send failed", logx.String("title", it.title), logx.Err(err))
	} else {
		s.log.Debug("notification sent", logx.String("title", it.title))
	}
	s.record(h)
}

func (s *Service) record(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarnDrop(now time.Time) bool {
	prev := atomic.LoadInt64(&s.lastDropWarn)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(dropWarnEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(&s.lastDropWarn, prev, n)
}
