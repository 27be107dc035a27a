package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "remote": {"enabled": false, "min_level": "warn", "rate_per_sec": 1}},
  "scheduler": {"interval": "30m", "manifest_version": 3, "resync": "0 */6 * * *"},
  "storage": {"driver": "sqlite", "path": "./timepie.db"},
  "telegram": {"token": "t", "owner_user_ids": [42]}
}`

const sampleYAML = `
logging:
  level: info
  console: true
scheduler:
  interval: 45m
  manifest_version: 2
telegram:
  token: abc
  owner_user_ids: [1, 2]
slack:
  webhook_url: https://hooks.slack.invalid/x
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecode_JSONAndYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.json", []byte(sampleJSON))
	require.NoError(t, err)
	assert.Equal(t, "30m", cfg.Scheduler.Interval)
	assert.Equal(t, 3, cfg.Scheduler.ManifestVersion)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)

	cfg, err = Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.ManifestVersion)
	assert.Equal(t, []int64{1, 2}, cfg.Telegram.OwnerUserIDs)
	require.NotNil(t, cfg.Slack)
	assert.Equal(t, "https://hooks.slack.invalid/x", cfg.Slack.WebhookURL)
	assert.Nil(t, cfg.Storage)
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		name string
		body string
	}{
		"unknown key":    {"c.json", `{"scheduler": {"intervall": "1m"}}`},
		"trailing data":  {"c.json", `{} {}`},
		"unknown yaml":   {"c.yml", "bogus: 1\n"},
		"malformed yaml": {"c.yaml", "logging: [\n"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tt.name, []byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	d, err := ParseDuration("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationOr("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOr("x", "2m", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = ParseDuration("scheduler.interval", "-1s")
	assert.ErrorContains(t, err, "scheduler.interval")
	_, err = ParseDuration("scheduler.interval", "soon")
	assert.Error(t, err)
}

func TestEnvApply(t *testing.T) {
	t.Setenv("TIMEPIE_TELEGRAM_TOKEN", "from-env")
	t.Setenv("TIMEPIE_STORAGE_PATH", "/var/lib/timepie/db")
	t.Setenv("TIMEPIE_SLACK_WEBHOOK_URL", "https://hooks.slack.invalid/env")

	e, err := ReadEnv()
	require.NoError(t, err)

	cfg := &Config{Telegram: TelegramConfig{Token: "from-file"}}
	e.Apply(cfg)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "/var/lib/timepie/db", cfg.Storage.Path)
	require.NotNil(t, cfg.Slack)
	assert.Equal(t, "https://hooks.slack.invalid/env", cfg.Slack.WebhookURL)
	assert.Empty(t, cfg.Logging.Level)
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "TIMEPIE_DEBUG_TOKEN=dotenv\n")
	t.Setenv("TIMEPIE_DEBUG_TOKEN", "")
	require.NoError(t, os.Unsetenv("TIMEPIE_DEBUG_TOKEN"))

	require.NoError(t, LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "dotenv", os.Getenv("TIMEPIE_DEBUG_TOKEN"))
}

func TestManager_ReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "timepie.json", sampleJSON)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published, "unchanged content is not republished")

	require.NoError(t, os.WriteFile(p, []byte(`{"scheduler": {"interval": "10m"}}`), 0o600))
	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, "30m", m.Get().Scheduler.Interval)

	m.SetValidator(nil)
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)
	got := <-sub
	assert.Equal(t, "10m", got.Scheduler.Interval)
	assert.Equal(t, got, m.Get())
}

func TestManager_WatchPicksUpWrites(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "timepie.json", sampleJSON)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// wait for the watcher to be armed before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"scheduler": {"interval": "15m"}}`), 0o600))

	select {
	case got := <-sub:
		assert.Equal(t, "15m", got.Scheduler.Interval)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "secret"}}
	b := &Config{
		Telegram:  TelegramConfig{Token: "other"},
		Scheduler: SchedulerConfig{Interval: "1h"},
		Storage:   &StorageConfig{Driver: "file", Path: "x"},
	}
	sections, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"scheduler", "storage", "telegram"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage", "telegram"}, RestartRequired(sections))

	sections, _ = SummarizeChange(b, b)
	assert.Empty(t, sections)
}
