package scheduler

import (
	"context"
	"errors"

	"timepie/internal/eventbus"
	"timepie/internal/schedule"
	logx "timepie/pkg/logx"
)

// evaluate runs one trigger to completion. Store and gateway calls get
// their own bounded context so a shutdown never tears an evaluation.
func (s *Service) evaluate(t schedule.Trigger) Result {
	cfg := s.Config()
	now := s.now()

	s.mu.Lock()
	prev := s.machine
	s.mu.Unlock()
	s.setMachine(Evaluating)

	r := Result{ID: newEvalID(), Trigger: t, From: prev, At: now}
	log := s.log.With(logx.String("eval", r.ID), logx.String("trigger", t.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()

	st, found, err := s.store.LoadSchedule(ctx)
	if err != nil {
		r.LoadErr = asStorageErr("load", err)
		st = s.Schedule()
		log.Warn("schedule load failed, using last-known state", logx.Err(err), logx.String("state", st.String()))
	} else {
		if !found {
			log.Info("no stored schedule, using defaults")
		}
		s.remember(st)
	}

	p := schedule.Planner{Interval: cfg.Interval, Seeds: s.seeds}
	d := p.Plan(st, now, cfg.ManifestVersion, t)
	r.Decision = d
	r.Schedule = st

	switch d.Kind {
	case schedule.NoAction:
		r.To = settled(prev, st)

	case schedule.Schedule:
		next := d.Apply(st, cfg.ManifestVersion)
		if err := s.gw.Arm(ctx, d.At, cfg.AlarmID, d.Seed); err != nil {
			r.Err = asSchedulingErr("arm", err)
			r.To = prev
			s.notice("warn", "Reminder not scheduled", r.Err)
			break
		}
		r.To = Armed
		r.Schedule = next
		// The timer is live either way, so the in-memory state advances
		// even if the save fails.
		s.remember(next)
		if err := s.store.SaveSchedule(ctx, next); err != nil {
			r.Err = asStorageErr("save", err)
			s.notice("warn", "Reminder armed but not saved", r.Err)
		}
		log.Info("reminder armed", logx.Time("at", d.At), logx.String("reason", d.Reason))

	case schedule.Cancel:
		next := d.Apply(st, cfg.ManifestVersion)
		if err := s.gw.Cancel(ctx, cfg.AlarmID); err != nil {
			r.Err = asSchedulingErr("cancel", err)
			r.To = prev
			s.notice("warn", "Reminder not cancelled", r.Err)
			break
		}
		r.To = Stopped
		r.Schedule = next
		s.remember(next)
		if err := s.store.SaveSchedule(ctx, next); err != nil {
			r.Err = asStorageErr("save", err)
			s.notice("warn", "Reminder cancelled but not saved", r.Err)
		}
		log.Info("reminder cancelled")
	}

	s.setMachine(r.To)
	return r
}

// settled resolves a NoAction outcome. Idle only means "nothing evaluated
// yet", so the first NoAction reports the state the stored schedule implies.
func settled(prev MachineState, st schedule.State) MachineState {
	if prev != Idle && prev != Evaluating {
		return prev
	}
	switch {
	case !st.Running:
		return Stopped
	case st.Scheduled():
		return Armed
	default:
		return Idle
	}
}

func (s *Service) remember(st schedule.State) {
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
}

func (s *Service) notice(level, title string, err error) {
	eventbus.Emit(s.bus, eventbus.TypeNotice, eventbus.Notice{
		Level:   level,
		Title:   title,
		Message: err.Error(),
	})
}

func asStorageErr(op string, err error) error {
	var se *schedule.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &schedule.StorageError{Op: op, Err: err}
}

func asSchedulingErr(op string, err error) error {
	var se *schedule.SchedulingError
	if errors.As(err, &se) {
		return err
	}
	return &schedule.SchedulingError{Op: op, Err: err}
}
