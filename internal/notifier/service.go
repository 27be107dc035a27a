package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"timepie/internal/eventbus"
	"timepie/internal/observability/metrics"
	rtsup "timepie/internal/runtime/supervisor"
	"timepie/internal/storage"
	logx "timepie/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	sink Sink
	msg  Message
}

// Service is safe for concurrent use.
type Service struct {
	log     logx.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	sinks     []Sink
	queue     chan job
	sup       *rtsup.Supervisor
	accepting bool

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		metrics: m,
		dedup:   map[string]time.Time{},
	}
	s.SetSinks(sinks...)
	s.Apply(cfg)
	return s
}

// SetSinks replaces the delivery targets. Nil sinks are skipped.
func (s *Service) SetSinks(sinks ...Sink) {
	out := make([]Sink, 0, len(sinks))
	for _, sk := range sinks {
		if sk != nil {
			out = append(out, sk)
		}
	}
	s.mu.Lock()
	s.sinks = out
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the worker pool. Worker count and queue size are fixed
// until the next Start.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q, sup, workers := s.queue, s.sup, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, q)
		})
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

// Stop closes intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.sup = nil
	close(q)
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier drain cut short", logx.Err(err))
	}
}

// Notify queues m for every sink. Identical texts within DedupWindow are dropped.
func (s *Service) Notify(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		return ErrStopped
	}
	if m.Level == LevelPing && !s.cfg.Pings {
		return nil
	}
	if !s.dedupAllow(m, s.cfg.DedupWindow) {
		return nil
	}
	for _, sk := range s.sinks {
		select {
		case s.queue <- job{sink: sk, msg: m}:
		default:
			s.count(sk.Name(), "dropped")
			return ErrQueueFull
		}
	}
	return nil
}

// Watch forwards bus notices and fired pings until ctx is done.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		return nil
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m, ok := messageFor(ev)
			if !ok {
				continue
			}
			if err := s.Notify(m); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Debug("notice not queued", logx.Err(err))
			}
		}
	}
}

func messageFor(ev eventbus.Event) (Message, bool) {
	switch ev.Type {
	case eventbus.TypeNotice:
		n, ok := ev.Data.(eventbus.Notice)
		if !ok {
			return Message{}, false
		}
		text := n.Title
		if n.Message != "" {
			text += ": " + n.Message
		}
		return Message{Level: Level(n.Level), Text: text}, true
	case eventbus.TypePingFired:
		p, ok := ev.Data.(storage.Ping)
		if !ok {
			return Message{}, false
		}
		return Message{Level: LevelPing, Text: "Ping! What are you doing right now? (" + p.ScheduledAt.Format("15:04") + ")"}, true
	default:
		return Message{}, false
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := prefix(j.msg.Level) + j.msg.Text
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := j.sink.Send(cctx, Message{Level: j.msg.Level, Text: text})
		cancel()
		if err == nil {
			s.record(j.sink.Name(), text, nil)
			return
		}
		lastErr = err
		s.log.Debug("notice send failed", logx.String("sink", j.sink.Name()), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.record(j.sink.Name(), text, lastErr)
}

func (s *Service) record(sink, text string, err error) {
	item := HistoryItem{At: time.Now(), Sink: sink, Text: text}
	result := "sent"
	if err != nil {
		item.Err = err.Error()
		result = "failed"
	}
	s.count(sink, result)

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) count(sink, result string) {
	if s.metrics != nil {
		s.metrics.NoticesSent.WithLabelValues(sink, result).Inc()
	}
}

func (s *Service) dedupAllow(m Message, window time.Duration) bool {
	if window <= 0 || m.Level == LevelPing {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(m.Level) + "|" + m.Text))
	key := fmt.Sprintf("%x", h.Sum64())
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func prefix(l Level) string {
	switch l {
	case LevelError:
		return "🚨 "
	case LevelWarn:
		return "⚠️ "
	case LevelPing:
		return "⏰ "
	default:
		return ""
	}
}

// retryDelay is base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
