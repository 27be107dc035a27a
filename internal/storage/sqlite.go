package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"timepie/internal/schedule"
	logx "timepie/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var prefKeys = []string{
	schedule.KeyRunning,
	schedule.KeyNextFireAt,
	schedule.KeySeed,
	schedule.KeyInstalledVersion,
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if err := addColumn(db, "alarms", "seed", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

// addColumn upgrades tables created before column existed.
func addColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSchedule(ctx context.Context) (schedule.State, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM prefs`)
	if err != nil {
		return schedule.State{}, false, storageErr("load", err)
	}
	defer rows.Close()

	prefs := schedule.Prefs{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return schedule.State{}, false, storageErr("load", err)
		}
		prefs[k] = v
	}
	if err := rows.Err(); err != nil {
		return schedule.State{}, false, storageErr("load", err)
	}
	if len(prefs) == 0 {
		return schedule.Default(), false, nil
	}
	st, err := schedule.FromPrefs(prefs)
	if err != nil {
		return schedule.State{}, false, storageErr("load", err)
	}
	return st, true, nil
}

// SaveSchedule writes every key in one transaction; absent keys are deleted.
func (s *sqliteStore) SaveSchedule(ctx context.Context, st schedule.State) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("save", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	prefs := st.Prefs()
	for _, k := range prefKeys {
		v, ok := prefs[k]
		if !ok {
			if _, err = tx.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, k); err != nil {
				return storageErr("save", err)
			}
			continue
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO prefs(key, value) VALUES(?,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			k, v,
		); err != nil {
			return storageErr("save", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return storageErr("save", err)
	}
	return nil
}

func (s *sqliteStore) PutAlarm(ctx context.Context, rec AlarmRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms(id, at, seed) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET at=excluded.at, seed=excluded.seed`,
		rec.ID, rec.At.UnixMilli(), rec.Seed,
	)
	return storageErr("put alarm", err)
}

func (s *sqliteStore) DeleteAlarm(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	return storageErr("delete alarm", err)
}

func (s *sqliteStore) ListAlarms(ctx context.Context) ([]AlarmRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, at, seed FROM alarms ORDER BY at, id`)
	if err != nil {
		return nil, storageErr("list alarms", err)
	}
	defer rows.Close()

	var out []AlarmRecord
	for rows.Next() {
		var (
			id   string
			ms   int64
			seed int64
		)
		if err := rows.Scan(&id, &ms, &seed); err != nil {
			return nil, storageErr("list alarms", err)
		}
		out = append(out, AlarmRecord{ID: id, At: time.UnixMilli(ms), Seed: seed})
	}
	return out, storageErr("list alarms", rows.Err())
}

func (s *sqliteStore) AppendPing(ctx context.Context, p Ping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pings(scheduled_at, fired_at, seed) VALUES(?,?,?)`,
		p.ScheduledAt.UnixMilli(), p.FiredAt.UnixMilli(), p.Seed,
	)
	return storageErr("append ping", err)
}

func (s *sqliteStore) ListPings(ctx context.Context, f PingFilter) ([]Ping, error) {
	var (
		where []string
		args  []any
	)
	if !f.From.IsZero() {
		where = append(where, "fired_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "fired_at < ?")
		args = append(args, f.To.UnixMilli())
	}
	q := `SELECT scheduled_at, fired_at, seed FROM pings`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		q = `SELECT * FROM (` + q + ` ORDER BY id DESC LIMIT ?) ORDER BY fired_at, scheduled_at`
		args = append(args, f.Limit)
	} else {
		q += ` ORDER BY id`
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list pings", err)
	}
	defer rows.Close()

	var out []Ping
	for rows.Next() {
		var sched, fired, seed int64
		if err := rows.Scan(&sched, &fired, &seed); err != nil {
			return nil, storageErr("list pings", err)
		}
		out = append(out, Ping{ScheduledAt: time.UnixMilli(sched), FiredAt: time.UnixMilli(fired), Seed: seed})
	}
	return out, storageErr("list pings", rows.Err())
}
