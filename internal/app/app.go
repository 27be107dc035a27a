// Package app wires timepie's components together and owns their
// start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"timepie/internal/alarm"
	"timepie/internal/config"
	"timepie/internal/eventbus"
	"timepie/internal/notifier"
	"timepie/internal/observability/debug"
	"timepie/internal/observability/metrics"
	"timepie/internal/ping"
	"timepie/internal/runtime/supervisor"
	"timepie/internal/schedule"
	"timepie/internal/scheduler"
	"timepie/internal/storage"
	"timepie/internal/transport/slack"
	"timepie/internal/transport/telegram"
	logx "timepie/pkg/logx"
	"timepie/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	gw    *alarm.Gateway
	sched *scheduler.Service
	pings *ping.Service
	notif *notifier.Service
	bot   *telegram.Bot
	slack *slack.Sink
	debug *debug.Server
	sd    *systemd.Notifier

	started time.Time
}

// New builds every component from the manager's current config. Nothing
// runs until Start.
func New(cfgm *config.Manager) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if err := Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg), nil)
	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		metrics: metrics.New(),
		sd:      systemd.New(cfg.Systemd.Notify, log),
	}

	sc, _ := mapStorage(cfg)
	st, err := storage.Open(sc, log)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	schedCfg, _ := mapScheduler(cfg)
	a.pings = ping.New(st, log)
	a.gw = alarm.New(st, a.pings.Fire, log, alarm.WithRegistryTimeout(schedCfg.StoreTimeout))
	a.sched = scheduler.New(schedCfg, st, a.gw, log,
		scheduler.WithBus(a.bus),
		scheduler.WithMetrics(a.metrics),
	)
	a.pings.Wire(a.sched, a.bus, a.metrics)

	var sinks []notifier.Sink
	if tc, ok, _ := mapTelegram(cfg); ok {
		bot, err := telegram.New(tc, a.sched, a.pings, log)
		if err != nil {
			a.closeEarly()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.bot = bot
		sinks = append(sinks, bot)
	}
	if slc, ok, _ := mapSlack(cfg); ok {
		sk, err := slack.New(slc)
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		a.slack = sk
		sinks = append(sinks, sk)
	}
	ncfg, _ := mapNotifier(cfg)
	a.notif = notifier.New(ncfg, log, a.metrics, sinks...)

	if rs := a.remoteSink(); rs != nil {
		logs.SetSink(rs)
	}

	dcfg, _ := mapDebug(cfg)
	a.debug = debug.New(dcfg, debug.Sources{
		Health:  a.health,
		Status:  func() any { return a.Status() },
		Metrics: a.metrics.Handler(),
	}, log)
	return a, nil
}

func (a *App) closeEarly() {
	_ = a.store.Close()
	a.logs.Close()
}

// remoteSink picks the log mirror target: Telegram first, then Slack.
func (a *App) remoteSink() logx.RemoteSink {
	switch {
	case a.bot != nil:
		return a.bot
	case a.slack != nil:
		return a.slack
	default:
		return nil
	}
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(Validate)

	a.sup.Go("scheduler", a.sched.Run)

	n, err := a.gw.Restore(c)
	if err != nil {
		a.log.Warn("alarm restore failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("alarms restored", logx.Int("count", n))
	}
	if err := a.sched.Submit(a.bootTrigger(c)); err != nil {
		a.log.Warn("boot trigger not queued", logx.Err(err))
	}

	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	a.sup.Go("notifier.watch", func(c context.Context) error { return a.notif.Watch(c, a.bus) })

	if a.bot != nil {
		if err := a.bot.Start(c); err != nil {
			return err
		}
	}
	a.debug.Start(c)

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.Watchdog(c, a.health) })

	a.sd.Ready()
	a.log.Info("app started", logx.Bool("telegram", a.bot != nil), logx.Bool("slack", a.slack != nil))
	return nil
}

// bootTrigger is VersionUpgraded when the stored schedule predates the
// configured manifest version, else AppOpened.
func (a *App) bootTrigger(ctx context.Context) schedule.Trigger {
	cctx, cancel := context.WithTimeout(ctx, a.sched.Config().StoreTimeout)
	defer cancel()
	st, found, err := a.store.LoadSchedule(cctx)
	if err != nil {
		a.log.Warn("boot: schedule load failed", logx.Err(err))
		return schedule.AppOpened
	}
	if found && st.InstalledVersion < a.sched.Config().ManifestVersion {
		a.log.Info("boot: upgrade detected", logx.Int("installed", st.InstalledVersion), logx.Int("manifest", a.sched.Config().ManifestVersion))
		return schedule.VersionUpgraded
	}
	return schedule.AppOpened
}

func (a *App) health() error {
	select {
	case <-a.sched.Done():
		return errors.New("scheduler stopped")
	default:
	}
	if a.sup != nil && a.sup.Err() != nil {
		return a.sup.Err()
	}
	return nil
}

// Status is served as JSON on /status.
type Status struct {
	Uptime        string                 `json:"uptime"`
	Scheduler     scheduler.Snapshot     `json:"scheduler"`
	Alarms        []storage.AlarmRecord  `json:"alarms"`
	Notifications []notifier.HistoryItem `json:"notifications"`
	Goroutines    []supervisor.Stats     `json:"goroutines"`
	EventsDropped uint64                 `json:"events_dropped"`
}

func (a *App) Status() Status {
	s := Status{
		Uptime:        time.Since(a.started).Truncate(time.Second).String(),
		Scheduler:     a.sched.Snapshot(),
		Alarms:        a.gw.Pending(),
		Notifications: a.notif.History(),
		EventsDropped: eventbus.Dropped(a.bus),
	}
	if a.sup != nil {
		s.Goroutines = a.sup.Snapshot()
	}
	return s
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(c, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if sc, err := mapScheduler(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	if nc, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case was && !nc.Enabled:
			sctx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(sctx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !was && nc.Enabled:
			a.notif.Start(c)
			a.log.Info("notifier enabled via config")
		}
	}

	if dc, err := mapDebug(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.bot == nil {
			return nil
		}
		return a.bot.Stop(c)
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.sched.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "alarms", time.Second, func(context.Context) error { a.gw.Stop(); return nil })
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn bounded by max (and by ctx) so one component cannot stall
// the whole shutdown.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
