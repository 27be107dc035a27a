package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"timepie/internal/schedule"
	logx "timepie/pkg/logx"
)

// startResync registers the optional periodic AppOpened trigger.
// It keeps the schedule self-healing if an alarm was lost.
func (s *Service) startResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	spec := strings.TrimSpace(s.cfg.Resync)
	if spec == "" {
		return
	}
	loc := loadLocation(s.cfg.Timezone, s.log)
	sched, err := s.parser.Parse(spec)
	if err != nil {
		s.log.Warn("invalid resync spec, resync disabled", logx.String("spec", spec), logx.Err(err))
		return
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	c.Schedule(sched, cron.FuncJob(func() {
		if err := s.Submit(schedule.AppOpened); err != nil {
			s.log.Debug("resync trigger skipped", logx.Err(err))
		}
	}))
	c.Start()
	s.c = c
	s.log.Info("resync enabled", logx.String("spec", spec), logx.String("tz", loc.String()))
}

func (s *Service) stopResync() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("resync cron did not stop in time")
	}
}

// ValidateResync reports whether spec parses with the scheduler's cron dialect.
func ValidateResync(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := p.Parse(spec)
	return err
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
