// Package configstore persists governor settings across restarts.
//
// The governor treats this as its single source of truth for queue ceilings:
// it reads the store at construction and again on every Reconfigure. An
// absent value means "retain the current ceiling"; a failed read is
// propagated, never silently defaulted.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "taskgate/pkg/logx"
)

var ErrDisabled = errors.New("config store disabled")

// Config selects and configures a driver.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process map (tests, ephemeral hosts)
//
// If Driver is empty or "none", the store is disabled: reads report absence
// and writes fail with ErrDisabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Store interface {
	// CronConcurrency returns the persisted queue ceiling.
	// ok is false when no (positive) value has been stored.
	CronConcurrency(ctx context.Context) (n int, ok bool, err error)

	SetCronConcurrency(ctx context.Context, n int) error

	Close() error
}

func Open(cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return disabledStore{}, nil
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown config store driver %q", cfg.Driver)
	}
}

type disabledStore struct{}

func (disabledStore) CronConcurrency(context.Context) (int, bool, error) { return 0, false, nil }
func (disabledStore) SetCronConcurrency(context.Context, int) error      { return ErrDisabled }
func (disabledStore) Close() error                                       { return nil }
