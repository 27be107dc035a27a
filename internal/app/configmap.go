package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"timepie/internal/config"
	"timepie/internal/notifier"
	"timepie/internal/observability/debug"
	"timepie/internal/scheduler"
	"timepie/internal/storage"
	"timepie/internal/transport/slack"
	"timepie/internal/transport/telegram"
	logx "timepie/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Remote: logx.RemoteConfig{
			Enabled:    l.Remote.Enabled,
			MinLevel:   l.Remote.MinLevel,
			RatePerSec: l.Remote.RatePerSec,
		},
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	interval, err := config.ParseDuration("scheduler.interval", sc.Interval)
	if err != nil {
		return scheduler.Config{}, err
	}
	storeTimeout, err := config.ParseDuration("scheduler.store_timeout", sc.StoreTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	if sc.ManifestVersion < 0 {
		return scheduler.Config{}, errors.New("scheduler.manifest_version must be >= 0")
	}
	if sc.QueueSize < 0 {
		return scheduler.Config{}, errors.New("scheduler.queue_size must be >= 0")
	}
	if err := scheduler.ValidateResync(sc.Resync); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.resync: %w", err)
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	version := sc.ManifestVersion
	if version == 0 {
		version = 1
	}
	return scheduler.Config{
		Interval:        interval,
		ManifestVersion: version,
		AlarmID:         strings.TrimSpace(sc.AlarmID),
		QueueSize:       sc.QueueSize,
		StoreTimeout:    storeTimeout,
		Resync:          strings.TrimSpace(sc.Resync),
		Timezone:        strings.TrimSpace(sc.Timezone),
	}, nil
}

// mapStorage falls back to the in-memory store when persistence is not
// configured; the schedule then lives only as long as the process.
func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, Pings: true, DedupWindow: time.Minute}, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	base, err := config.ParseDuration("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDuration("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationOr("notifier.dedup_window", n.DedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
		Pings:         n.Pings,
	}, nil
}

// mapTelegram reports false when no token is configured.
func mapTelegram(cfg *config.Config) (telegram.Config, bool, error) {
	tc := cfg.Telegram
	poll, err := config.ParseDurationOr("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	cmd, err := config.ParseDurationOr("telegram.command_timeout", tc.CommandTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false, nil
	}
	if len(tc.OwnerUserIDs) == 0 {
		return telegram.Config{}, false, errors.New("telegram.owner_user_ids must not be empty when a token is set")
	}
	return telegram.Config{
		Token:          strings.TrimSpace(tc.Token),
		PollTimeout:    poll,
		OwnerIDs:       append([]int64(nil), tc.OwnerUserIDs...),
		NotifyChatID:   tc.NotifyChatID,
		CommandTimeout: cmd,
	}, true, nil
}

func mapSlack(cfg *config.Config) (slack.Config, bool, error) {
	if cfg.Slack == nil {
		return slack.Config{}, false, nil
	}
	s := cfg.Slack
	timeout, err := config.ParseDuration("slack.timeout", s.Timeout)
	if err != nil {
		return slack.Config{}, false, err
	}
	hasBot := strings.TrimSpace(s.BotToken) != "" && strings.TrimSpace(s.Channel) != ""
	if !hasBot && strings.TrimSpace(s.WebhookURL) == "" {
		return slack.Config{}, false, errors.New("slack: webhook_url or bot_token+channel is required")
	}
	return slack.Config{
		WebhookURL: s.WebhookURL,
		BotToken:   s.BotToken,
		Channel:    s.Channel,
		Username:   s.Username,
		Timeout:    timeout,
	}, true, nil
}

func mapDebug(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	rt, err := config.ParseDurationOr("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable
	wt, err := config.ParseDuration("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

// Validate rejects configs that would fail to map. It doubles as the
// hot-reload validator.
func Validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, _, err := mapSlack(cfg); err != nil {
		return err
	}
	_, err := mapDebug(cfg)
	return err
}
