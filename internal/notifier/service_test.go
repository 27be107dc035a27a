package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timepie/internal/eventbus"
	"timepie/internal/storage"
	logx "timepie/pkg/logx"
)

type memSink struct {
	name  string
	mu    sync.Mutex
	fails int
	got   []Message
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("temporary")
	}
	m.got = append(m.got, msg)
	return nil
}

func (m *memSink) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.got))
	for _, g := range m.got {
		out = append(out, g.Text)
	}
	return out
}

func start(t *testing.T, cfg Config, sinks ...Sink) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil, sinks...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotify_FansOutToSinks(t *testing.T) {
	t.Parallel()
	a, b := &memSink{name: "a"}, &memSink{name: "b"}
	s := start(t, Config{Enabled: true, RatePerSec: 100}, a, b)

	require.NoError(t, s.Notify(Message{Level: LevelWarn, Text: "disk full"}))
	assert.Eventually(t, func() bool { return len(a.texts()) == 1 && len(b.texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "⚠️ disk full", a.texts()[0])
}

func TestNotify_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	sk := &memSink{name: "flaky", fails: 2}
	s := start(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, sk)

	require.NoError(t, s.Notify(Message{Level: LevelInfo, Text: "hello"}))
	assert.Eventually(t, func() bool { return len(sk.texts()) == 1 }, time.Second, 5*time.Millisecond)
	hist := s.History()
	require.Len(t, hist, 1)
	assert.Empty(t, hist[0].Err)
}

func TestNotify_DedupAndDisabled(t *testing.T) {
	t.Parallel()
	sk := &memSink{name: "a"}
	s := start(t, Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, sk)

	require.NoError(t, s.Notify(Message{Level: LevelWarn, Text: "same"}))
	require.NoError(t, s.Notify(Message{Level: LevelWarn, Text: "same"}))
	assert.Eventually(t, func() bool { return len(sk.texts()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sk.texts(), 1)

	off := New(Config{Enabled: false}, logx.Nop(), nil, sk)
	off.Start(context.Background())
	assert.ErrorIs(t, off.Notify(Message{Text: "x"}), ErrDisabled)
}

func TestNotify_StoppedAndPingsGate(t *testing.T) {
	t.Parallel()
	sk := &memSink{name: "a"}
	s := New(Config{Enabled: true, RatePerSec: 100}, logx.Nop(), nil, sk)
	assert.ErrorIs(t, s.Notify(Message{Text: "early"}), ErrStopped)

	s.Start(context.Background())
	require.NoError(t, s.Notify(Message{Level: LevelPing, Text: "ping"}), "pings disabled are silently skipped")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, sk.texts())
	assert.ErrorIs(t, s.Notify(Message{Text: "late"}), ErrStopped)
}

func TestWatch_ForwardsNoticesAndPings(t *testing.T) {
	t.Parallel()
	sk := &memSink{name: "a"}
	s := start(t, Config{Enabled: true, RatePerSec: 100, Pings: true}, sk)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx, bus) }()

	// Wait for the subscription before publishing.
	time.Sleep(20 * time.Millisecond)
	eventbus.Emit(bus, eventbus.TypeNotice, eventbus.Notice{Level: "warn", Title: "Reminder not scheduled", Message: "timer rejected"})
	eventbus.Emit(bus, eventbus.TypePingFired, storage.Ping{ScheduledAt: time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)})
	eventbus.Emit(bus, eventbus.TypeTransition, nil)

	assert.Eventually(t, func() bool { return len(sk.texts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{
		"⚠️ Reminder not scheduled: timer rejected",
		"⏰ Ping! What are you doing right now? (10:05)",
	}, sk.texts())
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}
