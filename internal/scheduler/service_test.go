package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timepie/internal/eventbus"
	"timepie/internal/observability/metrics"
	"timepie/internal/schedule"
	"timepie/internal/storage"
	logx "timepie/pkg/logx"
)

type fakeStore struct {
	*storage.MemoryStore

	mu      sync.Mutex
	loadErr error
	saveErr error
	saves   int
}

func newFakeStore() *fakeStore { return &fakeStore{MemoryStore: storage.NewMemory()} }

func (f *fakeStore) LoadSchedule(ctx context.Context) (schedule.State, bool, error) {
	f.mu.Lock()
	err := f.loadErr
	f.mu.Unlock()
	if err != nil {
		return schedule.State{}, false, &schedule.StorageError{Op: "load", Err: err}
	}
	return f.MemoryStore.LoadSchedule(ctx)
}

func (f *fakeStore) SaveSchedule(ctx context.Context, st schedule.State) error {
	f.mu.Lock()
	err := f.saveErr
	f.saves++
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.SaveSchedule(ctx, st)
}

func (f *fakeStore) set(loadErr, saveErr error) {
	f.mu.Lock()
	f.loadErr, f.saveErr = loadErr, saveErr
	f.mu.Unlock()
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type fakeGateway struct {
	mu        sync.Mutex
	armErr    error
	cancelErr error
	armed     map[string]time.Time
	seeds     map[string]int64
	arms      int
	cancels   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{armed: map[string]time.Time{}, seeds: map[string]int64{}}
}

func (g *fakeGateway) Arm(_ context.Context, at time.Time, id string, seed int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.armErr != nil {
		return g.armErr
	}
	g.arms++
	g.armed[id] = at
	g.seeds[id] = seed
	return nil
}

func (g *fakeGateway) Cancel(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancels++
	delete(g.armed, id)
	return nil
}

func (g *fakeGateway) armedAt(id string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.armed[id]
	return at, ok
}

func (g *fakeGateway) armedSeed(id string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seeds[id]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	store *fakeStore
	gw    *fakeGateway
	clk   *clock
	bus   eventbus.Bus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: newFakeStore(),
		gw:    newFakeGateway(),
		clk:   &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		bus:   eventbus.New(),
	}
	if cfg.Interval == 0 {
		cfg.Interval = 45 * time.Minute
	}
	if cfg.ManifestVersion == 0 {
		cfg.ManifestVersion = 2
	}
	h.svc = New(cfg, h.store, h.gw, logx.Nop(),
		WithBus(h.bus),
		WithMetrics(metrics.New()),
		WithClock(h.clk.Now),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) handle(t *testing.T, tr schedule.Trigger) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := h.svc.Handle(ctx, tr)
	require.NoError(t, err)
	return r
}

func TestService_FreshInstallArms(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	now := h.clk.Now()

	r := h.handle(t, schedule.AppOpened)
	require.NoError(t, r.Err)
	assert.Equal(t, schedule.Schedule, r.Decision.Kind)
	assert.Equal(t, Idle, r.From)
	assert.Equal(t, Armed, r.To)
	assert.Equal(t, Armed, h.svc.State())
	assert.NotEmpty(t, r.ID)

	at, ok := h.gw.armedAt(DefaultAlarmID)
	require.True(t, ok)
	assert.True(t, at.Equal(now.Add(45*time.Minute)))
	assert.Equal(t, r.Decision.Seed, h.gw.armedSeed(DefaultAlarmID), "the alarm carries the drawn seed")

	st, found, err := h.store.MemoryStore.LoadSchedule(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, st.Running)
	assert.True(t, st.NextFireAt.Equal(at))
	assert.NotZero(t, st.Seed)
	assert.Equal(t, 2, st.InstalledVersion)

	// Same trigger again: already scheduled and not stale.
	r = h.handle(t, schedule.AppOpened)
	assert.Equal(t, schedule.NoAction, r.Decision.Kind)
	assert.Equal(t, Armed, r.To)
	assert.Equal(t, 1, h.gw.arms)
}

func TestService_ToggleOffAfterOn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	r := h.handle(t, schedule.ToggleOn)
	require.NoError(t, r.Err)
	assert.Equal(t, Armed, r.To)

	r = h.handle(t, schedule.ToggleOff)
	require.NoError(t, r.Err)
	assert.Equal(t, schedule.Cancel, r.Decision.Kind)
	assert.Equal(t, Stopped, r.To)

	_, armed := h.gw.armedAt(DefaultAlarmID)
	assert.False(t, armed)

	st, _, err := h.store.MemoryStore.LoadSchedule(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.False(t, st.HasNext())
	assert.False(t, st.HasSeed())

	// An alarm that was already in flight must not re-arm a stopped tracker.
	r = h.handle(t, schedule.AlarmFired)
	assert.Equal(t, schedule.NoAction, r.Decision.Kind)
	assert.Equal(t, Stopped, r.To)
	assert.Equal(t, 1, h.gw.arms)
}

func TestService_ArmFailureKeepsStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.gw.armErr = errors.New("timer rejected")

	notices, unsub := h.bus.Subscribe(4)
	defer unsub()

	r := h.handle(t, schedule.AppOpened)
	var se *schedule.SchedulingError
	require.True(t, errors.As(r.Err, &se))
	assert.Equal(t, "arm", se.Op)
	assert.Equal(t, Idle, r.To)
	assert.Equal(t, Idle, h.svc.State())
	assert.Equal(t, 0, h.store.saveCount())

	_, found, err := h.store.MemoryStore.LoadSchedule(context.Background())
	require.NoError(t, err)
	assert.False(t, found, "nothing persisted")

	var sawNotice bool
	for i := 0; i < 2; i++ {
		ev := <-notices
		if ev.Type == eventbus.TypeNotice {
			sawNotice = true
		}
	}
	assert.True(t, sawNotice)

	// Retry on next trigger succeeds once the gateway recovers.
	h.gw.mu.Lock()
	h.gw.armErr = nil
	h.gw.mu.Unlock()
	r = h.handle(t, schedule.AppOpened)
	require.NoError(t, r.Err)
	assert.Equal(t, Armed, r.To)
}

func TestService_SaveFailureAfterArm(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.store.set(nil, errors.New("disk full"))

	r := h.handle(t, schedule.ToggleOn)
	var se *schedule.StorageError
	require.True(t, errors.As(r.Err, &se))
	assert.Equal(t, "save", se.Op)
	assert.Equal(t, Armed, r.To)
	assert.Equal(t, Armed, h.svc.State())

	mem := h.svc.Schedule()
	assert.True(t, mem.Scheduled())
	assert.True(t, mem.Running)

	// Store recovers: the stored state is still the default, so the next
	// evaluation re-arms once and persists.
	h.store.set(nil, nil)
	r = h.handle(t, schedule.AppOpened)
	require.NoError(t, r.Err)
	assert.Equal(t, schedule.Schedule, r.Decision.Kind)
	assert.Equal(t, 2, h.gw.arms)
}

func TestService_LoadFailureUsesLastKnown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	r := h.handle(t, schedule.ToggleOn)
	require.NoError(t, r.Err)

	h.store.set(errors.New("io error"), nil)
	r = h.handle(t, schedule.AppOpened)
	var se *schedule.StorageError
	require.True(t, errors.As(r.LoadErr, &se))
	assert.NoError(t, r.Err)
	assert.Equal(t, schedule.NoAction, r.Decision.Kind, "last-known state is still current")
	assert.Equal(t, Armed, r.To)
}

func TestService_LoadFailureBeforeFirstLoadUsesDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.store.set(errors.New("io error"), nil)

	r := h.handle(t, schedule.AppOpened)
	require.Error(t, r.LoadErr)
	assert.Equal(t, schedule.Schedule, r.Decision.Kind, "defaults are running and unscheduled")
	assert.Equal(t, Armed, r.To)
}

func TestService_CancelFailureKeepsPriorState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.handle(t, schedule.ToggleOn)

	h.gw.mu.Lock()
	h.gw.cancelErr = errors.New("nope")
	h.gw.mu.Unlock()

	r := h.handle(t, schedule.ToggleOff)
	var se *schedule.SchedulingError
	require.True(t, errors.As(r.Err, &se))
	assert.Equal(t, "cancel", se.Op)
	assert.Equal(t, Armed, r.To)

	st, _, err := h.store.MemoryStore.LoadSchedule(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running, "cancel not persisted")
}

func TestService_AlarmFiredRearms(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	first := h.handle(t, schedule.AppOpened)

	h.clk.Advance(45 * time.Minute)
	r := h.handle(t, schedule.AlarmFired)
	assert.Equal(t, schedule.Schedule, r.Decision.Kind)
	assert.Equal(t, "stale", r.Decision.Reason)
	assert.True(t, r.Schedule.NextFireAt.After(first.Schedule.NextFireAt))
	assert.NotEqual(t, first.Schedule.Seed, r.Schedule.Seed)
}

func TestService_UpgradeReschedulesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ManifestVersion: 1})
	h.handle(t, schedule.AppOpened)

	cfg := h.svc.Config()
	cfg.ManifestVersion = 2
	h.svc.Apply(cfg) // submits VersionUpgraded

	r := h.handle(t, schedule.VersionUpgraded)
	// Either the submitted upgrade or this one did the work; the other is a no-op.
	assert.Equal(t, schedule.NoAction, r.Decision.Kind)
	assert.Equal(t, 2, h.gw.arms)
	assert.Equal(t, 2, h.svc.Schedule().InstalledVersion)
}

func TestService_FIFOOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	order := []schedule.Trigger{schedule.ToggleOn, schedule.ToggleOff, schedule.ToggleOn, schedule.AppOpened}
	for _, tr := range order {
		require.NoError(t, h.svc.Submit(tr))
	}

	var got []schedule.Trigger
	timeout := time.After(2 * time.Second)
	for len(got) < len(order) {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeTransition {
				got = append(got, ev.Data.(Result).Trigger)
			}
		case <-timeout:
			t.Fatalf("only %d transitions", len(got))
		}
	}
	assert.Equal(t, order, got)
	assert.Equal(t, Armed, h.svc.State())
}

func TestService_QueueFullAndStopped(t *testing.T) {
	t.Parallel()
	svc := New(Config{QueueSize: 1}, newFakeStore(), newFakeGateway(), logx.Nop())

	require.NoError(t, svc.Submit(schedule.AppOpened))
	assert.ErrorIs(t, svc.Submit(schedule.AppOpened), ErrQueueFull)
	assert.Error(t, svc.Submit(schedule.Trigger(99)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, svc.Submit(schedule.AppOpened), ErrStopped)
	_, err := svc.Handle(context.Background(), schedule.AppOpened)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestService_SnapshotAndValidateResync(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Resync: "@every 1h"})
	h.handle(t, schedule.ToggleOn)

	snap := h.svc.Snapshot()
	assert.Equal(t, "armed", snap.Machine)
	assert.True(t, snap.Running)
	require.NotNil(t, snap.NextFireAt)
	require.NotNil(t, snap.LastResult)
	assert.Equal(t, "toggle_on", snap.LastResult.Trigger)
	assert.Equal(t, "@every 1h", snap.Resync)

	assert.NoError(t, ValidateResync("*/5 * * * *"))
	assert.NoError(t, ValidateResync(""))
	assert.Error(t, ValidateResync("every now and then"))
}
