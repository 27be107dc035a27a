// Package config loads timepie's JSON or YAML configuration.
//
// Decoding is strict: unknown keys are rejected so a typo never silently
// falls back to a default. All durations are Go duration strings
// ("500ms", "45m"). Secrets may be supplied through TIMEPIE_* environment
// variables instead of the file.
package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
	Slack     *SlackConfig    `json:"slack,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote mirrors warnings and errors to the notifier sinks.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the reminder state machine.
//
// Defaults (when omitted):
//   - interval: "45m"
//   - manifest_version: 1
//   - alarm_id: "ping"
//   - queue_size: 64
//   - store_timeout: "5s"
type SchedulerConfig struct {
	Interval        string `json:"interval,omitempty"`
	ManifestVersion int    `json:"manifest_version,omitempty"`
	AlarmID         string `json:"alarm_id,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	StoreTimeout    string `json:"store_timeout,omitempty"`

	// Resync is an optional cron spec (seconds field optional) that
	// periodically re-evaluates the schedule as if the app was opened.
	Resync   string `json:"resync,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig selects the persistence driver: memory, file or sqlite.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./timepie.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// NotifyChatID receives notices and pings. 0 disables the sink.
	NotifyChatID   int64  `json:"notify_chat_id,omitempty"`
	PollTimeout    string `json:"poll_timeout,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// SlackConfig enables the Slack sink. Either webhook_url or
// bot_token+channel must be set.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	BotToken   string `json:"bot_token,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Username   string `json:"username,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted the notifier runs with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	Pings         bool   `json:"pings"`
}

// DebugConfig controls the operational HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING to $NOTIFY_SOCKET. Watchdog pings follow
	// WATCHDOG_USEC automatically when set.
	Notify bool `json:"notify"`
}
