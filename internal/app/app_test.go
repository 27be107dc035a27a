package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timepie/internal/config"
	"timepie/internal/schedule"
	"timepie/internal/scheduler"
	"timepie/internal/storage"
	logx "timepie/pkg/logx"
)

func newManager(t *testing.T, cfg string) *config.Manager {
	t.Helper()
	p := filepath.Join(t.TempDir(), "timepie.json")
	require.NoError(t, os.WriteFile(p, []byte(cfg), 0o600))
	m := config.NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	return m
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		cfg     config.Config
		wantErr bool
	}{
		"zero config": {cfg: config.Config{}},
		"bad interval": {
			cfg:     config.Config{Scheduler: config.SchedulerConfig{Interval: "often"}},
			wantErr: true,
		},
		"bad resync": {
			cfg:     config.Config{Scheduler: config.SchedulerConfig{Resync: "every day"}},
			wantErr: true,
		},
		"bad timezone": {
			cfg:     config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}},
			wantErr: true,
		},
		"sqlite without path": {
			cfg:     config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}},
			wantErr: true,
		},
		"unknown driver": {
			cfg:     config.Config{Storage: &config.StorageConfig{Driver: "redis", Path: "x"}},
			wantErr: true,
		},
		"telegram without owners": {
			cfg:     config.Config{Telegram: config.TelegramConfig{Token: "t"}},
			wantErr: true,
		},
		"slack without target": {
			cfg:     config.Config{Slack: &config.SlackConfig{Username: "timepie"}},
			wantErr: true,
		},
		"negative notifier workers": {
			cfg:     config.Config{Notifier: &config.NotifierConfig{Workers: -1}},
			wantErr: true,
		},
		"full": {
			cfg: config.Config{
				Scheduler: config.SchedulerConfig{Interval: "30m", ManifestVersion: 2, Resync: "0 */6 * * *", Timezone: "UTC"},
				Storage:   &config.StorageConfig{Driver: "file", Path: "./state"},
				Slack:     &config.SlackConfig{WebhookURL: "https://hooks.slack.invalid/x"},
				Debug:     config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0"},
			},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := tt.cfg
			err := Validate(context.Background(), &cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMapScheduler_Defaults(t *testing.T) {
	t.Parallel()
	sc, err := mapScheduler(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, sc.ManifestVersion)
	assert.Zero(t, sc.Interval, "zero interval is defaulted by the scheduler")

	sc, err = mapScheduler(&config.Config{Scheduler: config.SchedulerConfig{Interval: "1h", ManifestVersion: 4}})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, sc.Interval)
	assert.Equal(t, 4, sc.ManifestVersion)
}

func TestMapNotifier_DefaultsWhenOmitted(t *testing.T) {
	t.Parallel()
	nc, err := mapNotifier(&config.Config{})
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.True(t, nc.Pings)
}

func TestApp_StartArmsAndStops(t *testing.T) {
	t.Parallel()
	m := newManager(t, `{"logging": {"level": "error"}, "scheduler": {"interval": "1h"}}`)

	a, err := New(m)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		return a.Scheduler().State() == scheduler.Armed
	}, 3*time.Second, 10*time.Millisecond)

	st := a.Status()
	require.Len(t, st.Alarms, 1)
	assert.True(t, st.Scheduler.Running)
	require.NotNil(t, st.Scheduler.NextFireAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *st.Scheduler.NextFireAt, time.Minute)
	assert.NoError(t, a.health())

	b, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"scheduler"`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSignal))
	assert.Error(t, a.health())
}

func TestApp_BootTriggerDetectsUpgrade(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	prefix := filepath.Join(dir, "state")

	seed, err := storage.Open(storage.Config{Driver: "file", Path: prefix}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, seed.SaveSchedule(context.Background(), schedule.State{
		Running:          true,
		NextFireAt:       time.Now().Add(time.Hour),
		Seed:             7,
		InstalledVersion: 1,
	}))
	require.NoError(t, seed.Close())

	cfg := `{"logging": {"level": "error"}, "scheduler": {"manifest_version": 2}, "storage": {"driver": "file", "path": "` + filepath.ToSlash(prefix) + `"}}`
	a, err := New(newManager(t, cfg))
	require.NoError(t, err)
	defer func() { _ = a.store.Close() }()

	assert.Equal(t, schedule.VersionUpgraded, a.bootTrigger(context.Background()))
}

func TestApp_BootTriggerFreshInstall(t *testing.T) {
	t.Parallel()
	a, err := New(newManager(t, `{"logging": {"level": "error"}}`))
	require.NoError(t, err)
	defer func() { _ = a.store.Close() }()

	assert.Equal(t, schedule.AppOpened, a.bootTrigger(context.Background()))
}

func TestApp_ApplyConfigReloadsInterval(t *testing.T) {
	t.Parallel()
	m := newManager(t, `{"logging": {"level": "error"}}`)
	a, err := New(m)
	require.NoError(t, err)
	defer func() { _ = a.store.Close() }()

	next := *m.Get()
	next.Scheduler.Interval = "2h"
	a.applyConfig(context.Background(), m.Get(), &next)
	assert.Equal(t, 2*time.Hour, a.Scheduler().Config().Interval)
}
