package storage

import (
	"context"
	"sort"
	"sync"

	"timepie/internal/schedule"
)

// MemoryStore keeps everything in process memory.
// Used by tests and by ephemeral runs (driver "memory").
type MemoryStore struct {
	mu     sync.Mutex
	closed bool

	prefs  schedule.Prefs
	alarms map[string]AlarmRecord
	pings  []Ping
}

func NewMemory() *MemoryStore {
	return &MemoryStore{alarms: map[string]AlarmRecord{}}
}

func (m *MemoryStore) LoadSchedule(ctx context.Context) (schedule.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return schedule.State{}, false, storageErr("load", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return schedule.State{}, false, storageErr("load", ErrClosed)
	}
	if m.prefs == nil {
		return schedule.Default(), false, nil
	}
	st, err := schedule.FromPrefs(m.prefs)
	if err != nil {
		return schedule.State{}, false, storageErr("load", err)
	}
	return st, true, nil
}

func (m *MemoryStore) SaveSchedule(ctx context.Context, st schedule.State) error {
	if err := ctx.Err(); err != nil {
		return storageErr("save", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storageErr("save", ErrClosed)
	}
	m.prefs = st.Prefs()
	return nil
}

func (m *MemoryStore) PutAlarm(ctx context.Context, rec AlarmRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storageErr("put alarm", ErrClosed)
	}
	m.alarms[rec.ID] = rec
	return nil
}

func (m *MemoryStore) DeleteAlarm(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storageErr("delete alarm", ErrClosed)
	}
	delete(m.alarms, id)
	return nil
}

func (m *MemoryStore) ListAlarms(ctx context.Context) ([]AlarmRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, storageErr("list alarms", ErrClosed)
	}
	return sortedAlarms(m.alarms), nil
}

func (m *MemoryStore) AppendPing(ctx context.Context, p Ping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storageErr("append ping", ErrClosed)
	}
	m.pings = append(m.pings, p)
	return nil
}

func (m *MemoryStore) ListPings(ctx context.Context, f PingFilter) ([]Ping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, storageErr("list pings", ErrClosed)
	}
	out := make([]Ping, 0, len(m.pings))
	for _, p := range m.pings {
		if f.match(p) {
			out = append(out, p)
		}
	}
	return f.tail(out), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortedAlarms(m map[string]AlarmRecord) []AlarmRecord {
	out := make([]AlarmRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}
