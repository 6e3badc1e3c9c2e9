package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Reminder ReminderConfig `json:"reminder"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// SendRatePerSec bounds outbound API calls (panel/notification sends).
	// Zero means the default (1/s), matching Telegram's per-chat guidance.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the SQLite persistence layer.
//
// Example:
//
//	"storage": { "path": "./remindbot.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ReminderConfig controls reminder scheduling.
//
// All durations are Go duration strings (e.g. "15s", "45m").
//
// Defaults (when fields are omitted/zero):
//   - delay: "45m"
//   - test_delay: "15s" (only used when test_mode is true)
//   - retention_days: 30
//   - cleanup_schedule: "0 4 * * *"
type ReminderConfig struct {
	// Delay between a detected trigger and the reminder notification.
	Delay string `json:"delay,omitempty"`

	// TestMode replaces Delay with TestDelay so the full lifecycle can be
	// exercised without waiting out the production delay.
	TestMode  bool   `json:"test_mode,omitempty"`
	TestDelay string `json:"test_delay,omitempty"`

	RetentionDays int `json:"retention_days,omitempty"`

	// CleanupSchedule is a cron spec for the retention sweep.
	CleanupSchedule string `json:"cleanup_schedule,omitempty"`

	// Triggers maps a service tag name ("washer", "dryer") to the keyword
	// that marks an incoming group message as a trigger. The empty key ""
	// configures the tag-less lineage.
	Triggers map[string]string `json:"triggers,omitempty"`
}
