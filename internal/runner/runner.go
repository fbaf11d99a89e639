// Package runner drives one iPerf3 client run at a time and turns its
// JSON-lines output into a Measurement.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"driveperf/pkg/iperf3"
	logx "driveperf/pkg/logx"
)

var (
	ErrBusy     = errors.New("runner: a run is already in progress")
	ErrNoServer = errors.New("runner: iperf3 server host is not configured")
)

// Direction of the measured traffic relative to this client.
type Direction string

const (
	DirectionUplink   Direction = "uplink"
	DirectionDownlink Direction = "downlink"
	DirectionBidir    Direction = "bidir"
)

type Config struct {
	Binary    string
	Host      string
	Port      int
	Duration  time.Duration
	UDP       bool
	Direction Direction
	// Bitrate is passed to -b as-is (e.g. "20M"). Empty keeps iPerf3's default.
	Bitrate  string
	Parallel int
	// LogDir receives one JSON-lines file per run. Empty uses os.TempDir.
	LogDir string
	// KeepLogs keeps the per-run files after the measurement is built.
	KeepLogs      bool
	ParseInterval time.Duration
	// Grace is added to Duration before the process is killed.
	Grace     time.Duration
	ExtraArgs []string
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "iperf3"
	}
	if c.Port <= 0 {
		c.Port = 5201
	}
	if c.Duration <= 0 {
		c.Duration = 10 * time.Second
	}
	if c.Direction == "" {
		c.Direction = DirectionDownlink
	}
	if c.ParseInterval <= 0 {
		c.ParseInterval = iperf3.DefaultParseInterval
	}
	if c.Grace <= 0 {
		c.Grace = 15 * time.Second
	}
	return c
}

// Args builds the iPerf3 client arguments writing JSON lines to logfile.
func (c Config) Args(logfile string) []string {
	c = c.withDefaults()
	secs := int(c.Duration.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := []string{"-c", c.Host, "-p", strconv.Itoa(c.Port), "-t", strconv.Itoa(secs)}
	if c.UDP {
		args = append(args, "-u")
	}
	switch c.Direction {
	case DirectionDownlink:
		args = append(args, "-R")
	case DirectionBidir:
		args = append(args, "--bidir")
	}
	if c.Bitrate != "" {
		args = append(args, "-b", c.Bitrate)
	}
	if c.Parallel > 1 {
		args = append(args, "-P", strconv.Itoa(c.Parallel))
	}
	args = append(args, c.ExtraArgs...)
	return append(args, "--json-stream", "--forceflush", "--logfile", logfile)
}

// Request describes one run.
type Request struct {
	Trigger Trigger
	Speed   float64
}

// Runner executes iPerf3 runs. Only one run is active at a time.
type Runner struct {
	mu      sync.Mutex
	cfg     Config
	running bool

	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg.withDefaults(), log: log}
}

// SetConfig replaces the configuration used by the next run.
func (r *Runner) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run starts iPerf3, tails its log with a follow-mode parser and returns
// the measurement once the process exited. A non-zero exit is returned as
// an error together with whatever was measured.
func (r *Runner) Run(ctx context.Context, req Request) (Measurement, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return Measurement{}, ErrBusy
	}
	r.running = true
	cfg := r.cfg
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if cfg.Host == "" {
		return Measurement{}, ErrNoServer
	}

	m := Measurement{
		ID:        newID(time.Now()),
		Trigger:   req.Trigger,
		Speed:     req.Speed,
		Host:      cfg.Host,
		StartedAt: time.Now().UTC(),
	}

	logfile, err := createLogFile(cfg.LogDir, m.ID)
	if err != nil {
		return m, err
	}
	if !cfg.KeepLogs {
		defer os.Remove(logfile)
	}

	p, err := iperf3.Open(logfile, iperf3.WithFollow(true), iperf3.WithLogger(r.log))
	if err != nil {
		return m, err
	}
	defer p.Close()
	col := NewCollector()
	col.Attach(p)

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration+cfg.Grace)
	defer cancel()

	args := cfg.Args(logfile)
	cmd := exec.CommandContext(runCtx, cfg.Binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	log := r.log.With(logx.String("run", m.ID), logx.String("trigger", string(req.Trigger)))
	log.Info("iperf3 run starting", logx.String("args", strings.Join(args, " ")))
	if err := cmd.Start(); err != nil {
		return m, fmt.Errorf("runner: start %s: %w", cfg.Binary, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	t := time.NewTicker(cfg.ParseInterval)
	defer t.Stop()
	var waitErr error
loop:
	for {
		select {
		case waitErr = <-exited:
			break loop
		case <-t.C:
			if err := p.Parse(); err != nil {
				log.Warn("iperf3 log read failed", logx.Err(err))
			}
		}
	}
	// Whatever the process flushed before exiting is still in the file.
	if err := p.Finish(); err != nil {
		log.Warn("iperf3 log drain failed", logx.Err(err))
	}
	if err := p.Err(); err != nil {
		m.Errors = append(m.Errors, "log read: "+err.Error())
	}

	m.FinishedAt = time.Now().UTC()
	m.Complete = p.SawEnd()
	m.Skipped = p.Skipped()
	col.Fill(&m)

	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			m.Errors = append(m.Errors, msg)
		}
		if ctxErr := runCtx.Err(); ctxErr != nil {
			waitErr = fmt.Errorf("%w (%v)", ctxErr, waitErr)
		}
		log.Warn("iperf3 run failed", logx.Err(waitErr), logx.Int("intervals", m.Intervals))
		return m, fmt.Errorf("runner: iperf3: %w", waitErr)
	}
	log.Info("iperf3 run finished",
		logx.Int("intervals", m.Intervals),
		logx.Bool("complete", m.Complete),
		logx.Duration("took", m.Duration()))
	return m, nil
}

// Replay parses a recorded iPerf3 JSON-lines file into a Measurement.
func Replay(path string, log logx.Logger) (Measurement, error) {
	p, err := iperf3.Open(path, iperf3.WithLogger(log))
	if err != nil {
		return Measurement{}, err
	}
	defer p.Close()

	col := NewCollector()
	col.Attach(p)
	m := Measurement{ID: newID(time.Now()), Trigger: TriggerReplay}
	parseErr := p.Parse()
	if err := p.Err(); err != nil {
		m.Errors = append(m.Errors, "log read: "+err.Error())
	}
	if s, ok := p.LastStart(); ok && !s.Timestamp.IsZero() {
		m.StartedAt = s.Timestamp
	}
	m.Complete = p.SawEnd()
	m.Skipped = p.Skipped()
	col.Fill(&m)
	return m, parseErr
}

func createLogFile(dir, id string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("runner: log dir: %w", err)
	}
	// The parser opens the file before iPerf3 writes to it.
	path := filepath.Join(dir, "iperf3-"+id+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("runner: create log: %w", err)
	}
	return path, f.Close()
}

func newID(ts time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x-%s", ts.UnixNano(), hex.EncodeToString(b[:]))
}
