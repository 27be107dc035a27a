package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"timepie/internal/schedule"
	logx "timepie/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json  (schedule prefs snapshot, replaced atomically)
//   - <prefix>.alarms.json (alarm registrations snapshot, replaced atomically)
//   - <prefix>.pings.jsonl (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath  string
	alarmsPath string
	pingsPath  string

	pingFile *os.File
	alarms   map[string]alarmEntry
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		statePath:  prefix + ".state.json",
		alarmsPath: prefix + ".alarms.json",
		pingsPath:  prefix + ".pings.jsonl",
		alarms:     map[string]alarmEntry{},
	}
	if err := readJSON(s.alarmsPath, &s.alarms); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// A broken alarms snapshot only loses registrations; the scheduler re-arms on start.
		log.Warn("alarms snapshot unreadable, starting empty", logx.String("path", s.alarmsPath), logx.Err(err))
		s.alarms = map[string]alarmEntry{}
	}

	pf, err := os.OpenFile(s.pingsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.pingFile = pf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingFile == nil {
		return nil
	}
	err := s.pingFile.Close()
	s.pingFile = nil
	return err
}

func (s *fileStore) LoadSchedule(ctx context.Context) (schedule.State, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingFile == nil {
		return schedule.State{}, false, storageErr("load", ErrClosed)
	}

	var prefs schedule.Prefs
	if err := readJSON(s.statePath, &prefs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return schedule.Default(), false, nil
		}
		return schedule.State{}, false, storageErr("load", err)
	}
	st, err := schedule.FromPrefs(prefs)
	if err != nil {
		return schedule.State{}, false, storageErr("load", err)
	}
	return st, true, nil
}

func (s *fileStore) SaveSchedule(ctx context.Context, st schedule.State) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingFile == nil {
		return storageErr("save", ErrClosed)
	}
	return storageErr("save", writeSnapshot(s.statePath, st.Prefs()))
}

// alarmEntry is one registration in the alarms snapshot; At is unix milli.
type alarmEntry struct {
	At   int64 `json:"at"`
	Seed int64 `json:"seed,omitempty"`
}

func (s *fileStore) PutAlarm(ctx context.Context, rec AlarmRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingFile == nil {
		return storageErr("put alarm", ErrClosed)
	}
	prev, had := s.alarms[rec.ID]
	s.alarms[rec.ID] = alarmEntry{At: rec.At.UnixMilli(), Seed: rec.Seed}
	if err := writeSnapshot(s.alarmsPath, s.alarms); err != nil {
		if had {
			s.alarms[rec.ID] = prev
		} else {
			delete(s.alarms, rec.ID)
		}
		return storageErr("put alarm", err)
	}
	return nil
}

func (s *fileStore) DeleteAlarm(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingFile == nil {
		return storageErr("delete alarm", ErrClosed)
	}
	prev, had := s.alarms[id]
	if !had {
		return nil
	}
	delete(s.alarms, id)
	if err := writeSnapshot(s.alarmsPath, s.alarms); err != nil {
		s.alarms[id] = prev
		return storageErr("delete alarm", err)
	}
	return nil
}

func (s *fileStore) ListAlarms(ctx context.Context) ([]AlarmRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]AlarmRecord, len(s.alarms))
	for id, e := range s.alarms {
		m[id] = AlarmRecord{ID: id, At: time.UnixMilli(e.At), Seed: e.Seed}
	}
	return sortedAlarms(m), nil
}

func (s *fileStore) AppendPing(ctx context.Context, p Ping) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingFile == nil {
		return storageErr("append ping", errors.New("ping log closed"))
	}
	if err := json.NewEncoder(s.pingFile).Encode(p); err != nil {
		return storageErr("append ping", err)
	}
	return nil
}

func (s *fileStore) ListPings(ctx context.Context, filter PingFilter) ([]Ping, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.pingsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("list pings", err)
	}
	defer f.Close()

	var out []Ping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var p Ping
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			// Torn trailing line after a crash.
			continue
		}
		if filter.match(p) {
			out = append(out, p)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, storageErr("list pings", err)
	}
	return filter.tail(out), nil
}

// writeSnapshot replaces path with the JSON encoding of v via tmp+fsync+rename.
func writeSnapshot(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}
