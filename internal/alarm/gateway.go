package alarm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"timepie/internal/schedule"
	"timepie/internal/storage"
	logx "timepie/pkg/logx"
)

var (
	ErrStopped   = errors.New("alarm gateway stopped")
	ErrInvalidID = errors.New("alarm id is required")
	ErrZeroTime  = errors.New("alarm time is zero")
)

// Callback runs when an alarm fires with the registration that fired. It
// runs on the timer goroutine, so it should hand work off instead of blocking.
type Callback func(ctx context.Context, rec storage.AlarmRecord)

// Registry persists alarm registrations. storage.Store satisfies it.
type Registry interface {
	PutAlarm(ctx context.Context, rec storage.AlarmRecord) error
	DeleteAlarm(ctx context.Context, id string) error
	ListAlarms(ctx context.Context) ([]storage.AlarmRecord, error)
}

type Option func(*Gateway)

// WithClock overrides time.Now for delay computation.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRegistryTimeout bounds registry calls made from timer goroutines.
func WithRegistryTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.regTimeout = d
		}
	}
}

type Gateway struct {
	log        logx.Logger
	reg        Registry
	cb         Callback
	now        func() time.Time
	regTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes registry writes with timer bookkeeping, so a fire never
	// deletes a registration that a concurrent Arm just replaced.
	mu      sync.Mutex
	stopped bool
	timers  map[string]*time.Timer
	regs    map[string]storage.AlarmRecord
	ver     map[string]uint64
}

func New(reg Registry, cb Callback, log logx.Logger, opts ...Option) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		log:        log.With(logx.String("comp", "alarm")),
		reg:        reg,
		cb:         cb,
		now:        time.Now,
		regTimeout: 5 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
		timers:     map[string]*time.Timer{},
		regs:       map[string]storage.AlarmRecord{},
		ver:        map[string]uint64{},
	}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	return g
}

// Arm registers id to fire at the given time, replacing any earlier
// registration with the same id. The seed is handed back to the callback
// unchanged. Past-due times fire immediately.
func (g *Gateway) Arm(ctx context.Context, at time.Time, id string, seed int64) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &schedule.SchedulingError{Op: "arm", Err: ErrInvalidID}
	}
	if at.IsZero() {
		return &schedule.SchedulingError{Op: "arm", Err: ErrZeroTime}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return &schedule.SchedulingError{Op: "arm", Err: ErrStopped}
	}
	rec := storage.AlarmRecord{ID: id, At: at, Seed: seed}
	if g.reg != nil {
		if err := g.reg.PutAlarm(ctx, rec); err != nil {
			return &schedule.SchedulingError{Op: "arm", Err: err}
		}
	}
	delay := g.armLocked(rec)
	g.log.Debug("alarm armed", logx.String("id", id), logx.Time("at", at), logx.Int64("seed", seed), logx.Duration("in", delay))
	return nil
}

// Cancel removes id. Cancelling an unknown id succeeds. When the registry
// delete fails the alarm stays armed.
func (g *Gateway) Cancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &schedule.SchedulingError{Op: "cancel", Err: ErrInvalidID}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reg != nil {
		if err := g.reg.DeleteAlarm(ctx, id); err != nil {
			return &schedule.SchedulingError{Op: "cancel", Err: err}
		}
	}
	_, had := g.regs[id]
	g.disarmLocked(id)
	if had {
		g.log.Debug("alarm cancelled", logx.String("id", id))
	}
	return nil
}

// Restore re-arms every persisted registration. It returns how many were armed.
func (g *Gateway) Restore(ctx context.Context) (int, error) {
	if g.reg == nil {
		return 0, nil
	}
	recs, err := g.reg.ListAlarms(ctx)
	if err != nil {
		return 0, &schedule.SchedulingError{Op: "restore", Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return 0, &schedule.SchedulingError{Op: "restore", Err: ErrStopped}
	}
	n := 0
	for _, r := range recs {
		if strings.TrimSpace(r.ID) == "" || r.At.IsZero() {
			continue
		}
		delay := g.armLocked(r)
		g.log.Info("alarm restored", logx.String("id", r.ID), logx.Time("at", r.At), logx.Duration("in", delay))
		n++
	}
	return n, nil
}

// Pending returns the live registrations, soonest first.
func (g *Gateway) Pending() []storage.AlarmRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]storage.AlarmRecord, 0, len(g.regs))
	for _, r := range g.regs {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

// Stop disarms all in-process timers. Persisted registrations remain so
// they resume on the next Restore.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.stopped = true
	for id, t := range g.timers {
		_ = t.Stop()
		delete(g.timers, id)
	}
	g.regs = map[string]storage.AlarmRecord{}
	g.mu.Unlock()
	g.cancel()
}

func (g *Gateway) armLocked(rec storage.AlarmRecord) time.Duration {
	if t := g.timers[rec.ID]; t != nil {
		_ = t.Stop()
	}
	ver := g.ver[rec.ID] + 1
	g.ver[rec.ID] = ver
	g.regs[rec.ID] = rec

	delay := rec.At.Sub(g.now())
	if delay < 0 {
		delay = 0
	}
	g.timers[rec.ID] = time.AfterFunc(delay, func() { g.fire(rec, ver) })
	return delay
}

func (g *Gateway) disarmLocked(id string) {
	if t := g.timers[id]; t != nil {
		_ = t.Stop()
	}
	delete(g.timers, id)
	delete(g.regs, id)
	// Bump so an AfterFunc that already started sees itself as stale.
	g.ver[id]++
}

func (g *Gateway) fire(rec storage.AlarmRecord, ver uint64) {
	id := rec.ID
	g.mu.Lock()
	if g.stopped || g.ver[id] != ver {
		g.mu.Unlock()
		return
	}
	delete(g.timers, id)
	delete(g.regs, id)
	if g.reg != nil {
		ctx, cancel := context.WithTimeout(g.ctx, g.regTimeout)
		if err := g.reg.DeleteAlarm(ctx, id); err != nil {
			g.log.Warn("alarm registration cleanup failed", logx.String("id", id), logx.Err(err))
		}
		cancel()
	}
	cb := g.cb
	g.mu.Unlock()

	g.log.Debug("alarm fired", logx.String("id", id), logx.Time("at", rec.At), logx.Int64("seed", rec.Seed))
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("alarm callback panic", logx.String("id", id), logx.Any("panic", r))
		}
	}()
	cb(g.ctx, rec)
}

func sortRecords(rs []storage.AlarmRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].At.Equal(rs[j].At) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].At.Before(rs[j].At)
	})
}
