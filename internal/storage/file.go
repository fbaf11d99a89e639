package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"driveperf/internal/runner"
	logx "driveperf/pkg/logx"
	"driveperf/pkg/speedtest"
)

// JSON lines schema version.
const fileSchemaVersion = 1

// compactEvery is how many appends pass between compactions.
const compactEvery = 200

// fileStore is the dependency-free backend.
//
// Files:
//   - <prefix>.measurements.jsonl
//   - <prefix>.baselines.jsonl
type fileStore struct {
	log logx.Logger

	measurements *jsonlFile[runner.Measurement]
	baselines    *jsonlFile[speedtest.Result]
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log: log,
		measurements: &jsonlFile[runner.Measurement]{
			path: prefix + ".measurements.jsonl", maxAge: cfg.MaxAge, maxRecords: cfg.MaxRecords,
			at: func(m runner.Measurement) time.Time { return m.StartedAt },
		},
		baselines: &jsonlFile[speedtest.Result]{
			path: prefix + ".baselines.jsonl", maxAge: cfg.MaxAge, maxRecords: cfg.MaxRecords,
			at: func(r speedtest.Result) time.Time { return r.Timestamp },
		},
	}
	for _, f := range []interface{ open() error }{s.measurements, s.baselines} {
		if err := f.open(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	// Startup compaction applies retention changed since the last run.
	if _, err := s.measurements.compact(time.Now()); err != nil {
		log.Warn("measurement compaction failed", logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) SaveMeasurement(ctx context.Context, m runner.Measurement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.measurements.append(m, s.log)
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]runner.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.measurements.recent(clampRecent(n))
}

func (s *fileStore) SaveBaseline(ctx context.Context, r speedtest.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.baselines.append(r, s.log)
}

func (s *fileStore) RecentBaselines(ctx context.Context, n int) ([]speedtest.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.baselines.recent(clampRecent(n))
}

func (s *fileStore) Close() error {
	return errors.Join(s.measurements.close(), s.baselines.close())
}

type record[T any] struct {
	V    int `json:"v"`
	Data T   `json:"data"`
}

// jsonlFile is one append-only JSON lines file with retention.
type jsonlFile[T any] struct {
	path       string
	maxAge     time.Duration
	maxRecords int
	at         func(T) time.Time

	mu      sync.Mutex
	f       *os.File
	appends int
}

func (j *jsonlFile[T]) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	j.f = f
	return nil
}

func (j *jsonlFile[T]) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func (j *jsonlFile[T]) append(v T, log logx.Logger) error {
	b, err := json.Marshal(record[T]{V: fileSchemaVersion, Data: v})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	if _, err := j.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(j.path), err)
	}
	j.appends++
	if j.appends%compactEvery == 0 {
		if _, err := j.compactLocked(time.Now()); err != nil {
			log.Debug("compaction failed", logx.String("file", j.path), logx.Err(err))
		}
	}
	return nil
}

// recent returns the newest n records (newest first) using a ring buffer.
func (j *jsonlFile[T]) recent(n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	buf := make([]T, 0, n)
	idx, full := 0, false
	err := j.scanLocked(func(v T) {
		if len(buf) < n {
			buf = append(buf, v)
			return
		}
		buf[idx] = v
		idx = (idx + 1) % n
		full = true
	})
	if err != nil {
		return nil, err
	}

	ordered := buf
	if full {
		ordered = append(append([]T(nil), buf[idx:]...), buf[:idx]...)
	}
	for i, k := 0, len(ordered)-1; i < k; i, k = i+1, k-1 {
		ordered[i], ordered[k] = ordered[k], ordered[i]
	}
	return ordered, nil
}

func (j *jsonlFile[T]) scanLocked(fn func(T)) error {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record[T]
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		fn(rec.Data)
	}
	return s.Err()
}

func (j *jsonlFile[T]) compact(now time.Time) (removed int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.compactLocked(now)
}

// compactLocked rewrites the file keeping records newer than maxAge, at
// most maxRecords of them. The rewrite goes through a temp file + rename.
func (j *jsonlFile[T]) compactLocked(now time.Time) (int, error) {
	cutoff := now.Add(-j.maxAge)
	var kept []T
	total := 0
	if err := j.scanLocked(func(v T) {
		total++
		if at := j.at(v); !at.IsZero() && at.Before(cutoff) {
			return
		}
		kept = append(kept, v)
	}); err != nil {
		return 0, err
	}
	if j.maxRecords > 0 && len(kept) > j.maxRecords {
		kept = kept[len(kept)-j.maxRecords:]
	}
	if len(kept) == total {
		return 0, nil
	}

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, v := range kept {
		if err := enc.Encode(record[T]{V: fileSchemaVersion, Data: v}); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return 0, err
	}

	// The append handle still points at the replaced inode.
	if j.f != nil {
		_ = j.f.Close()
		nf, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			j.f = nil
			return total - len(kept), err
		}
		j.f = nf
	}
	return total - len(kept), nil
}
