package configstore

import (
	"context"
	"fmt"
	"sync"
)

// memStore keeps settings in-process. Used by tests and hosts that do not
// want ceiling overrides to survive a restart.
type memStore struct {
	mu  sync.Mutex
	n   int
	set bool
}

func NewMemory() Store { return &memStore{} }

func (m *memStore) CronConcurrency(context.Context) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set || m.n <= 0 {
		return 0, false, nil
	}
	return m.n, true, nil
}

func (m *memStore) SetCronConcurrency(_ context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("cron concurrency must be positive, got %d", n)
	}
	m.mu.Lock()
	m.n = n
	m.set = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) Close() error { return nil }
