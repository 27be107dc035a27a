package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "TIMEPIE"

// Env holds the values that may be overridden from the environment,
// e.g. TIMEPIE_TELEGRAM_TOKEN. Empty values leave the file untouched.
type Env struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	SlackWebhook  string `envconfig:"SLACK_WEBHOOK_URL"`
	SlackToken    string `envconfig:"SLACK_BOT_TOKEN"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	DebugToken    string `envconfig:"DEBUG_TOKEN"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ReadEnv reads TIMEPIE_* variables.
func ReadEnv() (Env, error) {
	var e Env
	err := envconfig.Process(EnvPrefix, &e)
	return e, err
}

// Apply overlays non-empty env values onto cfg.
func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, e.TelegramToken)
	set(&cfg.Logging.Level, e.LogLevel)
	set(&cfg.Debug.Token, e.DebugToken)

	if strings.TrimSpace(e.SlackWebhook+e.SlackToken) != "" {
		if cfg.Slack == nil {
			cfg.Slack = &SlackConfig{}
		}
		set(&cfg.Slack.WebhookURL, e.SlackWebhook)
		set(&cfg.Slack.BotToken, e.SlackToken)
	}
	if strings.TrimSpace(e.StorageDriver+e.StoragePath) != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		set(&cfg.Storage.Driver, e.StorageDriver)
		set(&cfg.Storage.Path, e.StoragePath)
	}
}
