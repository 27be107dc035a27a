package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"timepie/internal/eventbus"
	"timepie/internal/observability/metrics"
	"timepie/internal/schedule"
	logx "timepie/pkg/logx"
)

type job struct {
	trigger  schedule.Trigger
	reply    chan Result // buffered(1); nil for Submit
	queuedAt time.Time
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option           { return func(s *Service) { s.bus = b } }
func WithMetrics(m *metrics.Metrics) Option   { return func(s *Service) { s.metrics = m } }
func WithSeeds(src schedule.SeedSource) Option { return func(s *Service) { s.seeds = src } }

// WithClock overrides time.Now for planning.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	log     logx.Logger
	store   Store
	gw      Gateway
	bus     eventbus.Bus
	metrics *metrics.Metrics
	seeds   schedule.SeedSource
	now     func() time.Time

	queue chan job
	done  chan struct{}
	once  sync.Once

	processed atomic.Uint64

	mu      sync.Mutex
	cfg     Config
	machine MachineState
	last    schedule.State // last-known schedule; defaults until the first load
	lastRes *Result

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, store Store, gw Gateway, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		log:   log.With(logx.String("comp", "scheduler")),
		store: store,
		gw:    gw,
		now:   time.Now,
		queue: make(chan job, cfg.QueueSize),
		done:  make(chan struct{}),
		cfg:   cfg,
		last:  schedule.Default(),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.setMachineMetric(Idle)
	return s
}

// Submit queues t without waiting. Used by alarm and boot paths.
func (s *Service) Submit(t schedule.Trigger) error {
	return s.enqueue(job{trigger: t, queuedAt: time.Now()})
}

// Handle queues t and waits for its Result. ctx bounds only the wait:
// once the worker has picked the trigger up it runs to completion.
func (s *Service) Handle(ctx context.Context, t schedule.Trigger) (Result, error) {
	if !t.Valid() {
		return Result{}, fmt.Errorf("invalid trigger %d", int(t))
	}
	j := job{trigger: t, reply: make(chan Result, 1), queuedAt: time.Now()}

	select {
	case <-s.done:
		return Result{}, ErrStopped
	default:
	}
	select {
	case s.queue <- j:
		s.queueMetric()
	case <-s.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case r := <-j.reply:
		return r, nil
	case <-s.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Service) enqueue(j job) error {
	if !j.trigger.Valid() {
		return fmt.Errorf("invalid trigger %d", int(j.trigger))
	}
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.queue <- j:
		s.queueMetric()
		return nil
	default:
		s.log.Warn("trigger dropped, queue full", logx.String("trigger", j.trigger.String()), logx.Int("cap", cap(s.queue)))
		return ErrQueueFull
	}
}

// Run is the single worker loop. It returns when ctx is cancelled; after
// that Submit and Handle report ErrStopped.
func (s *Service) Run(ctx context.Context) error {
	s.startResync()
	defer s.stopResync()

	s.log.Info("scheduler started", logx.Duration("interval", s.Config().Interval), logx.Int("manifest_version", s.Config().ManifestVersion))
	for {
		select {
		case <-ctx.Done():
			s.once.Do(func() { close(s.done) })
			s.log.Info("scheduler stopped", logx.Uint64("processed", s.processed.Load()))
			return ctx.Err()
		case j := <-s.queue:
			s.queueMetric()
			r := s.process(j)
			if j.reply != nil {
				j.reply <- r
			}
		}
	}
}

// Done is closed once Run has returned.
func (s *Service) Done() <-chan struct{} { return s.done }

// Apply swaps the reloadable config. Interval and version changes take
// effect on the next evaluation.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	cfg.QueueSize = old.QueueSize // queue is sized once
	s.cfg = cfg
	restart := s.c != nil && (strings.TrimSpace(old.Resync) != strings.TrimSpace(cfg.Resync) || old.Timezone != cfg.Timezone)
	s.mu.Unlock()

	if restart {
		s.stopResync()
		s.startResync()
	}
	if old.ManifestVersion != cfg.ManifestVersion {
		s.log.Info("manifest version changed", logx.Int("from", old.ManifestVersion), logx.Int("to", cfg.ManifestVersion))
		_ = s.Submit(schedule.VersionUpgraded)
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State returns the current machine state.
func (s *Service) State() MachineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine
}

// Schedule returns the last-known schedule state.
func (s *Service) Schedule() schedule.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Machine:    s.machine.String(),
		Running:    s.last.Running,
		Seed:       s.last.Seed,
		Version:    s.last.InstalledVersion,
		Manifest:   s.cfg.ManifestVersion,
		Interval:   s.cfg.Interval.String(),
		QueueDepth: len(s.queue),
		Processed:  s.processed.Load(),
		Resync:     strings.TrimSpace(s.cfg.Resync),
	}
	if s.last.HasNext() {
		t := s.last.NextFireAt
		snap.NextFireAt = &t
	}
	if s.lastRes != nil {
		snap.LastResult = s.lastRes.Brief()
	}
	return snap
}

func (s *Service) process(j job) (r Result) {
	start := time.Now()
	s.mu.Lock()
	prev := s.machine
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			s.log.Error("evaluation panicked", logx.String("trigger", j.trigger.String()), logx.Any("panic", p))
			s.setMachine(prev)
			r = Result{Trigger: j.trigger, From: prev, To: prev, Err: fmt.Errorf("evaluation panic: %v", p), At: start}
		}
		r.Took = time.Since(start)
		s.processed.Add(1)
		s.finish(r)
	}()
	return s.evaluate(j.trigger)
}

func (s *Service) finish(r Result) {
	s.mu.Lock()
	rc := r
	s.lastRes = &rc
	s.mu.Unlock()

	log := s.log.With(
		logx.String("eval", r.ID),
		logx.String("trigger", r.Trigger.String()),
		logx.String("decision", r.Decision.Kind.String()),
		logx.String("from", r.From.String()),
		logx.String("to", r.To.String()),
		logx.Duration("took", r.Took),
	)
	if r.Err != nil {
		log.Warn("evaluation finished with error", logx.Err(r.Err))
	} else {
		log.Debug("evaluation finished", logx.String("reason", r.Decision.Reason))
	}

	if m := s.metrics; m != nil {
		m.Evaluations.WithLabelValues(r.Trigger.String(), r.Decision.Kind.String()).Inc()
		m.EvaluationDuration.WithLabelValues(r.Trigger.String()).Observe(r.Took.Seconds())
		m.SetSchedule(r.Schedule.Running, r.Schedule.NextFireAt)
		s.countErr(r.LoadErr)
		s.countErr(r.Err)
	}
	eventbus.Emit(s.bus, eventbus.TypeTransition, r)
}

func (s *Service) countErr(err error) {
	if err == nil || s.metrics == nil {
		return
	}
	var (
		se *schedule.StorageError
		ce *schedule.SchedulingError
	)
	switch {
	case errors.As(err, &se):
		s.metrics.Errors.WithLabelValues("storage", se.Op).Inc()
	case errors.As(err, &ce):
		s.metrics.Errors.WithLabelValues("scheduling", ce.Op).Inc()
	default:
		s.metrics.Errors.WithLabelValues("other", "").Inc()
	}
}

func (s *Service) setMachine(m MachineState) {
	s.mu.Lock()
	s.machine = m
	s.mu.Unlock()
	s.setMachineMetric(m)
}

func (s *Service) setMachineMetric(m MachineState) {
	if s.metrics == nil {
		return
	}
	all := make([]string, 0, len(MachineStates))
	for _, st := range MachineStates {
		all = append(all, st.String())
	}
	s.metrics.SetMachineState(m.String(), all)
}

func (s *Service) queueMetric() {
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
	}
}

func newEvalID() string { return uuid.NewString() }
