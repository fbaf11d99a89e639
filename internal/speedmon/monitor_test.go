package speedmon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "driveperf/pkg/logx"
)

func newTestMonitor() *Monitor {
	return New(Config{}, logx.Nop())
}

func TestFiresOnceAfterDuration(t *testing.T) {
	m := newTestMonitor()
	var calls atomic.Int32
	m.SetCallback(func() { calls.Add(1) })
	m.UpdateSpeed(3.0)

	for i := 1; i <= 9; i++ {
		if m.OnTick() {
			t.Fatalf("fired early on tick %d", i)
		}
	}
	if got := m.TimeUnderThreshold(); got != 4500*time.Millisecond {
		t.Fatalf("expected 4.5s accumulated, got %v", got)
	}
	if !m.OnTick() {
		t.Fatalf("expected fire on tick 10")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 callback, got %d", calls.Load())
	}
	if got := m.TimeUnderThreshold(); got != 0 {
		t.Fatalf("expected reset after fire, got %v", got)
	}

	m.OnTick()
	if got := m.TimeUnderThreshold(); got != DefaultPollInterval {
		t.Fatalf("expected accumulation to restart from 0, got %v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("unexpected extra callback")
	}
}

func TestFastSampleResets(t *testing.T) {
	m := newTestMonitor()
	m.UpdateSpeed(3.0)
	m.OnTick()
	m.OnTick()
	m.UpdateSpeed(10.0)
	m.OnTick()
	if got := m.TimeUnderThreshold(); got != 0 {
		t.Fatalf("expected reset, got %v", got)
	}
}

func TestThresholdIsExclusive(t *testing.T) {
	m := newTestMonitor()
	m.UpdateSpeed(DefaultThreshold)
	m.OnTick()
	if got := m.TimeUnderThreshold(); got != 0 {
		t.Fatalf("speed equal to threshold must not accumulate, got %v", got)
	}
}

func TestNoSampleDoesNotAccumulate(t *testing.T) {
	m := newTestMonitor()
	for i := 0; i < 20; i++ {
		if m.OnTick() {
			t.Fatalf("fired without any speed sample")
		}
	}
}

func TestNilCallbackStillResets(t *testing.T) {
	m := newTestMonitor()
	m.UpdateSpeed(0)
	for i := 0; i < 10; i++ {
		m.OnTick()
	}
	if m.Fired() != 1 || m.TimeUnderThreshold() != 0 {
		t.Fatalf("fired=%d under=%v", m.Fired(), m.TimeUnderThreshold())
	}
}

func TestStartStop(t *testing.T) {
	m := New(Config{PollInterval: time.Millisecond, Duration: 2 * time.Millisecond}, logx.Nop())
	fired := make(chan struct{}, 1)
	m.SetCallback(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	m.UpdateSpeed(1)
	m.Start(context.Background())
	m.Start(context.Background())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if m.Running() {
		t.Fatalf("expected stopped")
	}

	n := m.Fired()
	time.Sleep(10 * time.Millisecond)
	if m.Fired() != n {
		t.Fatalf("ticks continued after Stop")
	}
}

func TestExplicitZeroThreshold(t *testing.T) {
	m := New(Config{Threshold: 0, ThresholdSet: true}, logx.Nop())
	m.UpdateSpeed(0)
	for i := 0; i < 20; i++ {
		if m.OnTick() {
			t.Fatalf("zero threshold fired on tick %d", i)
		}
	}
	if got := m.Config().Threshold; got != 0 {
		t.Fatalf("threshold = %v, want 0", got)
	}

	m.SetConfig(Config{})
	if got := m.Config().Threshold; got != DefaultThreshold {
		t.Fatalf("unset threshold = %v, want default", got)
	}
}

func TestStopTimeoutKeepsWorker(t *testing.T) {
	m := New(Config{PollInterval: time.Millisecond, Duration: time.Millisecond}, logx.Nop())
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once
	m.SetCallback(func() {
		once.Do(func() {
			close(entered)
			<-release
			finished.Store(true)
		})
	})
	m.UpdateSpeed(1)
	m.Start(context.Background())

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stop with blocked callback: %v", err)
	}
	if !m.Running() {
		t.Fatalf("monitor reported stopped while the callback still runs")
	}

	close(release)
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if m.Running() || !finished.Load() {
		t.Fatalf("running=%v finished=%v after joined stop", m.Running(), finished.Load())
	}
}
