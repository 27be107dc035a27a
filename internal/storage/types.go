package storage

import (
	"errors"
	"time"

	"timepie/internal/schedule"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot for state + alarms, JSON Lines ping log
//   - "sqlite": SQLite database file
//   - "memory": process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AlarmRecord is a persisted alarm registration.
type AlarmRecord struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`

	// Seed is the planner seed drawn when the alarm was armed.
	Seed int64 `json:"seed,omitempty"`
}

// Ping is one fired reminder.
type Ping struct {
	ScheduledAt time.Time `json:"scheduledAt"`
	FiredAt     time.Time `json:"firedAt"`
	Seed        int64     `json:"seed"`
}

// PingFilter bounds ListPings by FiredAt. Zero bounds are open.
// Limit <= 0 means no limit; otherwise the most recent Limit pings are returned.
type PingFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

func (f PingFilter) match(p Ping) bool {
	if !f.From.IsZero() && p.FiredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !p.FiredAt.Before(f.To) {
		return false
	}
	return true
}

func (f PingFilter) tail(ps []Ping) []Ping {
	if f.Limit > 0 && len(ps) > f.Limit {
		return ps[len(ps)-f.Limit:]
	}
	return ps
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *schedule.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &schedule.StorageError{Op: op, Err: err}
}
