package config

// Config is the host configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Governor GovernorConfig `json:"governor"`
	Store    StoreConfig    `json:"store"`
	Notify   NotifyConfig   `json:"notify"`
	Jobs     []JobConfig    `json:"jobs"`

	// RunHistoryPath is the run-history file appended through the governor's
	// log queue. Empty disables history.
	RunHistoryPath string `json:"run_history_path,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"` // nil means enabled
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// GovernorConfig controls queue ceilings.
//
// CronConcurrency in the file is an explicit override applied at load and on
// reload. Zero/omitted defers to the persisted store value, and failing that
// to the default of max(host logical cores, 4).
type GovernorConfig struct {
	CronConcurrency int `json:"cron_concurrency,omitempty"`
}

// StoreConfig selects the persisted-settings backend.
type StoreConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite", "memory", "" (disabled)
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// NotifyConfig controls the alert pipeline.
//
// Enabled is a pointer so "omitted" defaults to true while an explicit false
// still turns the channel off.
type NotifyConfig struct {
	Enabled       *bool           `json:"enabled,omitempty"`
	Workers       int             `json:"workers,omitempty"`
	QueueSize     int             `json:"queue_size,omitempty"`
	RatePerSec    int             `json:"rate_per_sec,omitempty"`
	RetryMax      int             `json:"retry_max,omitempty"`
	RetryBase     string          `json:"retry_base,omitempty"`
	RetryMaxDelay string          `json:"retry_max_delay,omitempty"`
	Telegram      *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// JobConfig defines one scheduled job the host fires into the governor.
//
// Schedule accepts a 5-field cron expression, an @every descriptor, or a bare
// Go duration ("10m").
type JobConfig struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Schedule string   `json:"schedule"`
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

func (c *LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

func (c *NotifyConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
