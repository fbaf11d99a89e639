// Package speedmon watches the vehicle speed and fires a callback once the
// speed has stayed under a threshold for long enough.
package speedmon

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"driveperf/internal/runtime/supervisor"
	logx "driveperf/pkg/logx"
)

const (
	DefaultThreshold    = 5.0
	DefaultDuration     = 5 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Config holds the debounce parameters. Zero fields take the defaults.
type Config struct {
	// Threshold is the speed under which time accumulates.
	Threshold float64
	// ThresholdSet keeps a zero Threshold instead of defaulting it. A zero
	// threshold never accumulates, since speeds are not negative.
	ThresholdSet bool
	// Duration is the accumulated time that fires the callback.
	Duration time.Duration
	// PollInterval is both the tick period and the amount each slow tick adds.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if math.IsNaN(c.Threshold) || (!c.ThresholdSet && c.Threshold <= 0) {
		c.Threshold = DefaultThreshold
	}
	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Callback runs on the monitor worker, never under the monitor lock.
type Callback func()

// Monitor is the debounced speed threshold detector.
//
// The last speed is a word-sized atomic so UpdateSpeed never blocks a tick.
// It starts as NaN: no time accumulates until a first sample arrives.
type Monitor struct {
	speed atomic.Uint64 // math.Float64bits

	mu    sync.Mutex
	cfg   Config
	under time.Duration
	cb    Callback
	fired uint64

	log logx.Logger

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{cfg: cfg.withDefaults(), log: log}
	m.speed.Store(math.Float64bits(math.NaN()))
	return m
}

// UpdateSpeed overwrites the last observed sample.
func (m *Monitor) UpdateSpeed(v float64) { m.speed.Store(math.Float64bits(v)) }

// Speed returns the last observed sample (NaN before the first update).
func (m *Monitor) Speed() float64 { return math.Float64frombits(m.speed.Load()) }

// SetCallback replaces the callback; nil disables firing but not
// accumulation.
func (m *Monitor) SetCallback(cb Callback) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// SetConfig applies new parameters. The accumulator is kept; a running
// ticker keeps its period until the next Start.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// TimeUnderThreshold returns the current accumulator.
func (m *Monitor) TimeUnderThreshold() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.under
}

// Fired returns how many times the callback condition was met.
func (m *Monitor) Fired() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired
}

// OnTick applies one poll step. It reports whether the threshold duration
// was reached on this tick.
func (m *Monitor) OnTick() bool {
	v := m.Speed()

	m.mu.Lock()
	if v < m.cfg.Threshold {
		m.under += m.cfg.PollInterval
	} else {
		// NaN compares false both ways and also lands here.
		m.under = 0
	}
	fire := m.under >= m.cfg.Duration
	var cb Callback
	if fire {
		m.under = 0
		m.fired++
		cb = m.cb
	}
	m.mu.Unlock()

	if fire {
		m.log.Info("speed under threshold long enough", logx.Float64("speed", v))
		if cb != nil {
			cb()
		}
	}
	return fire
}

// Start ticks OnTick every PollInterval on a supervised goroutine until ctx
// is canceled or Stop is called. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sup != nil {
		return
	}
	every := m.Config().PollInterval
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.sup.Go0("speedmon.tick", func(ctx context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.OnTick()
			}
		}
	})
}

// Stop halts ticking and waits for the worker, including any in-flight
// callback. Safe to call repeatedly or without Start. When ctx ends first
// the monitor still counts as running, and a later Stop resumes the wait.
func (m *Monitor) Stop(ctx context.Context) error {
	m.runMu.Lock()
	sup := m.sup
	m.runMu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	m.runMu.Lock()
	if m.sup == sup {
		m.sup = nil
	}
	m.runMu.Unlock()
	return err
}

// Running reports whether the tick worker is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup != nil
}
