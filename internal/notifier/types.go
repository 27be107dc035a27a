package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// Pings controls whether fired reminders are delivered, not just notices.
	Pings bool
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelPing  Level = "ping"
)

// Message is one outgoing line of text.
type Message struct {
	Level Level
	Text  string
}

// Sink is a delivery target.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Sink string    `json:"sink"`
	Text string    `json:"text"`
	Err  string    `json:"err,omitempty"`
}
