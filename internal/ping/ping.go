// Package ping turns an alarm wake-up into a recorded reminder and hands
// the scheduler its AlarmFired trigger.
package ping

import (
	"context"
	"errors"
	"time"

	"timepie/internal/eventbus"
	"timepie/internal/observability/metrics"
	"timepie/internal/schedule"
	"timepie/internal/scheduler"
	"timepie/internal/storage"
	logx "timepie/pkg/logx"
)

// Log is the part of storage.Store that holds the ping log.
type Log interface {
	AppendPing(ctx context.Context, p storage.Ping) error
	ListPings(ctx context.Context, f storage.PingFilter) ([]storage.Ping, error)
}

// Submitter is satisfied by scheduler.Service.
type Submitter interface {
	Submit(t schedule.Trigger) error
}

type Service struct {
	log       logx.Logger
	pings     Log
	scheduler Submitter
	bus       eventbus.Bus
	metrics   *metrics.Metrics
	now       func() time.Time
	timeout   time.Duration
	retry     time.Duration
}

func New(pings Log, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "ping")),
		pings:   pings,
		now:     time.Now,
		timeout: 5 * time.Second,
		retry:   10 * time.Millisecond,
	}
}

// Wire attaches collaborators that are built after the ping service.
func (s *Service) Wire(sched Submitter, bus eventbus.Bus, m *metrics.Metrics) {
	s.scheduler = sched
	s.bus = bus
	s.metrics = m
}

// Fire is the alarm.Callback. It records the ping with the seed the alarm
// was armed with, publishes it and submits AlarmFired so the scheduler arms
// the next one.
func (s *Service) Fire(ctx context.Context, rec storage.AlarmRecord) {
	at := rec.At
	firedAt := s.now()
	p := storage.Ping{ScheduledAt: at, FiredAt: firedAt, Seed: rec.Seed}

	if s.pings != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		if err := s.pings.AppendPing(wctx, p); err != nil {
			s.log.Warn("ping not recorded", logx.Err(err))
		}
		cancel()
	}

	late := firedAt.Sub(at)
	if m := s.metrics; m != nil {
		m.PingsFired.Inc()
		if late > 0 {
			m.PingLateness.Observe(late.Seconds())
		} else {
			m.PingLateness.Observe(0)
		}
	}
	s.log.Info("ping", logx.String("alarm", rec.ID), logx.Time("scheduled", at), logx.Duration("late", late), logx.Int64("seed", p.Seed))
	eventbus.Emit(s.bus, eventbus.TypePingFired, p)

	if s.scheduler == nil {
		return
	}
	s.submitFired(ctx)
}

// submitFired queues AlarmFired, retrying while the scheduler queue is full.
// A dropped AlarmFired leaves nothing armed until the next app open.
func (s *Service) submitFired(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wait := s.retry
	for attempt := 1; ; attempt++ {
		err := s.scheduler.Submit(schedule.AlarmFired)
		if err == nil {
			return
		}
		if !errors.Is(err, scheduler.ErrQueueFull) {
			s.log.Warn("alarm trigger not queued", logx.Err(err))
			return
		}
		select {
		case <-ctx.Done():
			s.log.Error("alarm trigger dropped; next ping not armed",
				logx.Int("attempts", attempt),
				logx.Err(err),
			)
			return
		case <-time.After(wait):
		}
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}
}

// Recent returns the latest n pings.
func (s *Service) Recent(ctx context.Context, n int) ([]storage.Ping, error) {
	if s.pings == nil {
		return nil, nil
	}
	return s.pings.ListPings(ctx, storage.PingFilter{Limit: n})
}
