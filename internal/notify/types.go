// Package notify delivers operator alerts.
//
// The channel is strictly fire-and-forget: callers hand over a title and a
// body and move on. Delivery failures are retried a few times, then logged
// and dropped; they are never surfaced back to the caller.
package notify

import (
	"context"
	"time"
)

// Notifier is the one-way alert channel consumed by the governor.
type Notifier interface {
	Notify(ctx context.Context, title, body string)
}

// Sender is a concrete delivery backend (telegram, log, ...).
type Sender interface {
	Send(ctx context.Context, title, body string) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type HistoryItem struct {
	At    time.Time
	Title string
	Body  string
	Error string
}
