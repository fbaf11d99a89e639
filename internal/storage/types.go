package storage

import (
	"context"
	"errors"
	"time"

	"driveperf/internal/runner"
	"driveperf/pkg/speedtest"
)

var ErrClosed = errors.New("storage closed")

const (
	DefaultMaxRecords = 5000
	DefaultMaxAge     = 90 * 24 * time.Hour
	// recentCap bounds Recent so a careless caller cannot load the whole file.
	recentCap = 500
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxAge drops records older than this on compaction/prune.
	MaxAge time.Duration
	// MaxRecords keeps at most this many measurements (file driver).
	MaxRecords int
}

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	return c
}

// Store is the persistence API used by the app.
type Store interface {
	SaveMeasurement(ctx context.Context, m runner.Measurement) error
	// Recent returns up to n measurements, newest first.
	Recent(ctx context.Context, n int) ([]runner.Measurement, error)
	SaveBaseline(ctx context.Context, r speedtest.Result) error
	// RecentBaselines returns up to n baselines, newest first.
	RecentBaselines(ctx context.Context, n int) ([]speedtest.Result, error)
	Close() error
}

func clampRecent(n int) int {
	if n > recentCap {
		return recentCap
	}
	return n
}
