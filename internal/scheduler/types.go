package scheduler

import (
	"context"
	"errors"
	"time"

	"timepie/internal/schedule"
)

var (
	ErrQueueFull = errors.New("scheduler queue full")
	ErrStopped   = errors.New("scheduler stopped")
)

// DefaultAlarmID is the single alarm registration used for the ping.
const DefaultAlarmID = "ping"

// Config is the scheduler's reloadable configuration.
type Config struct {
	Interval        time.Duration
	ManifestVersion int
	AlarmID         string
	QueueSize       int
	StoreTimeout    time.Duration
	// Resync is an optional cron spec; each tick submits AppOpened.
	Resync   string
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = schedule.DefaultInterval
	}
	if c.AlarmID == "" {
		c.AlarmID = DefaultAlarmID
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Store is the part of storage.Store the scheduler needs.
type Store interface {
	LoadSchedule(ctx context.Context) (schedule.State, bool, error)
	SaveSchedule(ctx context.Context, st schedule.State) error
}

// Gateway is the part of alarm.Gateway the scheduler needs.
type Gateway interface {
	Arm(ctx context.Context, at time.Time, id string, seed int64) error
	Cancel(ctx context.Context, id string) error
}

type MachineState int

const (
	Idle MachineState = iota
	Evaluating
	Armed
	Stopped
)

// MachineStates lists every state, in declaration order.
var MachineStates = []MachineState{Idle, Evaluating, Armed, Stopped}

func (m MachineState) String() string {
	switch m {
	case Idle:
		return "idle"
	case Evaluating:
		return "evaluating"
	case Armed:
		return "armed"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Result describes one completed evaluation.
type Result struct {
	ID       string
	Trigger  schedule.Trigger
	Decision schedule.Decision
	From     MachineState
	To       MachineState
	// Schedule is the state the worker now considers current.
	Schedule schedule.State
	// Err is a *schedule.SchedulingError or *schedule.StorageError when the
	// decision could not be fully carried out.
	Err error
	// LoadErr is set when the store could not be read and the worker fell
	// back to its last-known state.
	LoadErr error
	At      time.Time
	Took    time.Duration
}

// Snapshot is a JSON-friendly view for /status and the bot.
type Snapshot struct {
	Machine    string       `json:"machine"`
	Running    bool         `json:"running"`
	NextFireAt *time.Time   `json:"next_fire_at,omitempty"`
	Seed       int64        `json:"seed,omitempty"`
	Version    int          `json:"installed_version"`
	Manifest   int          `json:"manifest_version"`
	Interval   string       `json:"interval"`
	QueueDepth int          `json:"queue_depth"`
	Processed  uint64       `json:"processed"`
	LastResult *ResultBrief `json:"last_result,omitempty"`
	Resync     string       `json:"resync,omitempty"`
}

type ResultBrief struct {
	ID       string    `json:"id"`
	Trigger  string    `json:"trigger"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Err      string    `json:"err,omitempty"`
	At       time.Time `json:"at"`
}

func (r Result) Brief() *ResultBrief {
	b := &ResultBrief{
		ID:       r.ID,
		Trigger:  r.Trigger.String(),
		Decision: r.Decision.Kind.String(),
		Reason:   r.Decision.Reason,
		From:     r.From.String(),
		To:       r.To.String(),
		At:       r.At,
	}
	if r.Err != nil {
		b.Err = r.Err.Error()
	}
	return b
}
