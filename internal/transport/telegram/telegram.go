// Package telegram is timepie's chat UI: it maps bot commands onto
// scheduler triggers and doubles as a notifier sink.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"timepie/internal/notifier"
	rtsup "timepie/internal/runtime/supervisor"
	"timepie/internal/schedule"
	"timepie/internal/scheduler"
	"timepie/internal/storage"
	logx "timepie/pkg/logx"
)

type Config struct {
	Token          string
	PollTimeout    time.Duration
	OwnerIDs       []int64
	NotifyChatID   int64
	CommandTimeout time.Duration
}

// Controller is what the bot drives. *scheduler.Service satisfies it.
type Controller interface {
	Handle(ctx context.Context, t schedule.Trigger) (scheduler.Result, error)
	Snapshot() scheduler.Snapshot
}

// PingLog lists recent pings for /pings.
type PingLog interface {
	Recent(ctx context.Context, n int) ([]storage.Ping, error)
}

var commands = []tele.Command{
	{Text: "status", Description: "Show whether pings are on and when the next one fires"},
	{Text: "on", Description: "Turn pings on"},
	{Text: "off", Description: "Turn pings off"},
	{Text: "pings", Description: "Show the latest pings"},
}

type Bot struct {
	cfg  Config
	log  logx.Logger
	ctrl Controller
	pl   PingLog
	bot  *tele.Bot

	owners map[int64]struct{}

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

var _ notifier.Sink = (*Bot)(nil)

func New(cfg Config, ctrl Controller, pl PingLog, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Bot{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "telegram")),
		ctrl:   ctrl,
		pl:     pl,
		bot:    b,
		owners: map[int64]struct{}{},
	}
	for _, id := range cfg.OwnerIDs {
		t.owners[id] = struct{}{}
	}
	t.registerHandlers()
	return t, nil
}

func (t *Bot) registerHandlers() {
	t.bot.Use(t.recoverMW, t.ownerMW, t.logMW)
	for _, cmd := range []string{"/start", "/status", "/on", "/off", "/pings"} {
		cmd := cmd
		t.bot.Handle(cmd, func(c tele.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CommandTimeout)
			defer cancel()
			text := t.reply(ctx, cmd)
			if cmd == "/start" || cmd == "/status" {
				return c.Send(text, toggleMarkup(t.ctrl.Snapshot().Running))
			}
			return c.Send(text)
		})
	}
	t.bot.Handle(&toggleEndpoint, t.onToggle)
}

// reply runs one command and returns the text to send back.
func (t *Bot) reply(ctx context.Context, cmd string) string {
	switch cmd {
	case "/start", "/status":
		r, err := t.ctrl.Handle(ctx, schedule.AppOpened)
		if err != nil {
			return "Scheduler unavailable: " + err.Error()
		}
		text := statusText(t.ctrl.Snapshot())
		if r.Err != nil {
			text += "\n" + noticeText(r.Err)
		}
		return text
	case "/on":
		return toggleText("ON", t.handle(ctx, schedule.ToggleOn))
	case "/off":
		return toggleText("OFF", t.handle(ctx, schedule.ToggleOff))
	case "/pings":
		if t.pl == nil {
			return "No ping log."
		}
		ps, err := t.pl.Recent(ctx, 10)
		if err != nil {
			return "Ping log unavailable: " + err.Error()
		}
		return pingsText(ps)
	default:
		return "Unknown command."
	}
}

func (t *Bot) handle(ctx context.Context, tr schedule.Trigger) error {
	r, err := t.ctrl.Handle(ctx, tr)
	if err != nil {
		return err
	}
	return r.Err
}

func (t *Bot) allowed(userID int64) bool {
	_, ok := t.owners[userID]
	return ok
}

func (t *Bot) ownerMW(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		u := c.Sender()
		if u == nil || !t.allowed(u.ID) {
			var id int64
			if u != nil {
				id = u.ID
			}
			t.log.Debug("ignored message from non-owner", logx.Int64("from_id", id))
			return nil
		}
		return next(c)
	}
}

func (t *Bot) recoverMW(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return next(c)
	}
}

func (t *Bot) logMW(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		start := time.Now()
		err := next(c)
		var chatID int64
		if ch := c.Chat(); ch != nil {
			chatID = ch.ID
		}
		fields := []logx.Field{
			logx.Int64("chat_id", chatID),
			logx.String("cmd", c.Text()),
			logx.Duration("dur", time.Since(start)),
		}
		if err != nil {
			t.log.Warn("request failed", append(fields, logx.Err(err))...)
		} else {
			t.log.Debug("request ok", fields...)
		}
		return err
	}
}

// Start runs long polling under a restart loop until ctx is cancelled.
func (t *Bot) Start(ctx context.Context) error {
	t.runMu.Lock()
	if t.sup != nil {
		t.runMu.Unlock()
		return nil
	}
	t.sup = rtsup.New(ctx, rtsup.WithLogger(t.log))
	sup := t.sup
	t.runMu.Unlock()

	if err := t.bot.SetCommands(commands); err != nil {
		t.log.Warn("menu commands not updated", logx.Err(err))
	}

	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		t.bot.Stop()
	})
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		t.log.Info("polling started")
		// Start blocks until Stop is called.
		t.bot.Start()
		t.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (t *Bot) Stop(ctx context.Context) error {
	t.runMu.Lock()
	sup := t.sup
	t.sup = nil
	t.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		t.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

func (t *Bot) Name() string { return "telegram" }

// Send implements notifier.Sink, delivering to NotifyChatID.
func (t *Bot) Send(ctx context.Context, m notifier.Message) error {
	if t.cfg.NotifyChatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, chunk := range splitText(m.Text, textLimit) {
		if _, err := t.bot.Send(&tele.Chat{ID: t.cfg.NotifyChatID}, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// SendLog implements logx.RemoteSink.
func (t *Bot) SendLog(ctx context.Context, text string) error {
	return t.Send(ctx, notifier.Message{Level: notifier.LevelWarn, Text: text})
}
