package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Relay controls the relay engine defaults. Per-task overrides are applied
	// on top of this block at admission time.
	Relay RelayConfig `json:"relay"`

	Storage     *StorageConfig     `json:"storage,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// LogChatID receives warn+ log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// RelayConfig holds engine-wide defaults.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_tasks: 20
//   - max_tasks_per_principal: 3
//   - checkpoint_every: "10s"
//   - task_deadline: "0s" (disabled)
type RelayConfig struct {
	MaxTasks             int    `json:"max_tasks,omitempty"`
	MaxTasksPerPrincipal int    `json:"max_tasks_per_principal,omitempty"`
	CheckpointEvery      string `json:"checkpoint_every,omitempty"`
	TaskDeadline         string `json:"task_deadline,omitempty"`

	Limiter  LimiterConfig  `json:"limiter"`
	Batch    BatchConfig    `json:"batch"`
	Delivery DeliveryConfig `json:"delivery"`
}

// LimiterConfig controls the adaptive pacing of outbound sends.
//
// Defaults: base "6s", min "3s", max "30s", 6 sends/minute.
type LimiterConfig struct {
	BaseDelay    string `json:"base_delay,omitempty"`
	MinDelay     string `json:"min_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	MaxPerMinute int    `json:"max_per_minute,omitempty"`
}

// BatchConfig controls the streaming fetcher's windowing.
//
// Defaults: first 500, min 200, max 1000, step 100, group_probe 50,
// sparse_probe 100, fast_window "2s", slow_window "5s", fetch_retry_max 3.
type BatchConfig struct {
	First         int    `json:"first,omitempty"`
	Min           int    `json:"min,omitempty"`
	Max           int    `json:"max,omitempty"`
	Step          int    `json:"step,omitempty"`
	GroupProbe    int    `json:"group_probe,omitempty"`
	SparseProbe   int    `json:"sparse_probe,omitempty"`
	FastWindow    string `json:"fast_window,omitempty"`
	SlowWindow    string `json:"slow_window,omitempty"`
	FetchRetryMax int    `json:"fetch_retry_max,omitempty"`
}

// DeliveryConfig controls the transfer pipeline.
//
// Defaults: group_cap 10, queue_size 8, retry_max 3, retry_base "1s".
type DeliveryConfig struct {
	GroupCap  int    `json:"group_cap,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	RetryMax  int    `json:"retry_max,omitempty"`
	RetryBase string `json:"retry_base,omitempty"`
}

// StorageConfig controls the checkpoint persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig controls background housekeeping cron jobs.
//
// Defaults: checkpoint flush every minute, sweep hourly, sweep_after "24h".
type MaintenanceConfig struct {
	CheckpointFlushSpec string `json:"checkpoint_flush_spec,omitempty"`
	SweepSpec           string `json:"sweep_spec,omitempty"`
	SweepAfter          string `json:"sweep_after,omitempty"`
}
