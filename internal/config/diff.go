package config

import (
	"reflect"
	"sort"
	"strings"

	logx "timepie/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns safe attrs for logging. Secrets are reported only as *_set flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.remote", newCfg.Logging.Remote.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
			logx.Int("scheduler.manifest_version", newCfg.Scheduler.ManifestVersion),
			logx.String("scheduler.resync", strings.TrimSpace(newCfg.Scheduler.Resync)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(deref(oldCfg.Storage), deref(newCfg.Storage)) {
		changed = append(changed, "storage")
		s := deref(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.notify_chat_set", newCfg.Telegram.NotifyChatID != 0),
		)
	}

	if deref(oldCfg.Slack) != deref(newCfg.Slack) {
		changed = append(changed, "slack")
		s := deref(newCfg.Slack)
		attrs = append(attrs,
			logx.Bool("slack.webhook_set", s.WebhookURL != ""),
			logx.Bool("slack.bot_token_set", s.BotToken != ""),
			logx.String("slack.channel", s.Channel),
		)
	}

	if deref(oldCfg.Notifier) != deref(newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := deref(newCfg.Notifier)
		attrs = append(attrs,
			logx.Bool("notifier.present", newCfg.Notifier != nil),
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Bool("notifier.pings", n.Pings),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "telegram", "slack", "systemd":
			out = append(out, s)
		}
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
