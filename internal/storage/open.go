package storage

import (
	"context"
	"errors"
	"strings"

	"timepie/internal/schedule"
	logx "timepie/pkg/logx"
)

// Store is the persistence API used by the scheduler, the alarm gateway
// and the ping log. Every method error is a *schedule.StorageError.
type Store interface {
	// LoadSchedule returns found=false when nothing was ever saved.
	LoadSchedule(ctx context.Context) (st schedule.State, found bool, err error)
	// SaveSchedule is atomic: a concurrent load sees the old or the new state.
	SaveSchedule(ctx context.Context, st schedule.State) error

	PutAlarm(ctx context.Context, rec AlarmRecord) error
	DeleteAlarm(ctx context.Context, id string) error
	ListAlarms(ctx context.Context) ([]AlarmRecord, error)

	AppendPing(ctx context.Context, p Ping) error
	ListPings(ctx context.Context, f PingFilter) ([]Ping, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
