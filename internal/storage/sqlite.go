package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"driveperf/internal/runner"
	logx "driveperf/pkg/logx"
	"driveperf/pkg/speedtest"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS measurements (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	run_trigger TEXT NOT NULL,
	speed       REAL,
	host        TEXT,
	complete    INTEGER NOT NULL,
	intervals   INTEGER NOT NULL,
	dl_median   REAL,
	ul_median   REAL,
	jitter_mean REAL,
	loss_mean   REAL,
	doc         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS measurements_started_at ON measurements(started_at);

CREATE TABLE IF NOT EXISTS baselines (
	at            INTEGER NOT NULL,
	download_mbps REAL,
	upload_mbps   REAL,
	ping_ms       REAL,
	doc           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS baselines_at ON baselines(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxAge     time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
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
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxAge: cfg.MaxAge, pruneEvery: 100}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveMeasurement(ctx context.Context, m runner.Measurement) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal measurement: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO measurements(id, started_at, run_trigger, speed, host, complete, intervals, dl_median, ul_median, jitter_mean, loss_mean, doc)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET doc=excluded.doc`,
		m.ID, m.StartedAt.UnixMilli(), string(m.Trigger), m.Speed, nullStr(m.Host), m.Complete, m.Intervals,
		summaryValue(m.Downlink.Count, m.Downlink.Median), summaryValue(m.Uplink.Count, m.Uplink.Median),
		summaryValue(m.Jitter.Count, m.Jitter.Mean), summaryValue(m.Loss.Count, m.Loss.Mean),
		string(doc),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]runner.Measurement, error) {
	return queryDocs[runner.Measurement](ctx, s.db,
		`SELECT doc FROM measurements ORDER BY started_at DESC LIMIT ?`, clampRecent(n))
}

func (s *sqliteStore) SaveBaseline(ctx context.Context, r speedtest.Result) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	at := r.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO baselines(at, download_mbps, upload_mbps, ping_ms, doc) VALUES(?,?,?,?,?)`,
		at.UnixMilli(), r.DownloadMbps, r.UploadMbps, r.PingMs, string(doc),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) RecentBaselines(ctx context.Context, n int) ([]speedtest.Result, error) {
	return queryDocs[speedtest.Result](ctx, s.db,
		`SELECT doc FROM baselines ORDER BY at DESC LIMIT ?`, clampRecent(n))
}

func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.prune(ctx, time.Now()); err != nil {
		s.log.Debug("sqlite prune failed", logx.Err(err))
	}
}

func (s *sqliteStore) prune(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.maxAge).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM measurements WHERE started_at < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM baselines WHERE at < ?`, cutoff)
	return err
}

func queryDocs[T any](ctx context.Context, db *sql.DB, q string, n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0, n)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func summaryValue(count int, v float64) any {
	if count == 0 {
		return nil
	}
	return v
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
