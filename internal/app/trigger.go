package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driveperf/internal/eventbus"
	"driveperf/internal/runner"
	logx "driveperf/pkg/logx"
	"driveperf/pkg/speedtest"
)

// ErrSkipped is returned when the run gate refused a run.
var ErrSkipped = errors.New("app: run skipped")

const sinkTimeout = 10 * time.Second

// onSpeedLow is the monitor callback. It runs on the monitor worker and
// must not block.
func (a *App) onSpeedLow() {
	v := a.mon.Speed()
	a.metrics.MonitorFired()
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicSpeedLow, Time: time.Now(), Data: v})
	if a.onSpeed.Load() {
		a.Trigger(runner.TriggerSpeed)
	}
}

// Trigger asks for an iPerf3 run. It returns false when the run was
// skipped because another run is active or the minimum gap has not passed.
// The run itself executes on a supervised goroutine.
func (a *App) Trigger(t runner.Trigger) bool {
	if a.sup == nil || a.stopped.Load() {
		return false
	}
	a.metrics.Trigger(t)
	if reason, ok := a.gate.Acquire(time.Now(), true); !ok {
		a.metrics.SkippedTrigger(reason)
		a.log.Debug("trigger skipped", logx.String("trigger", string(t)), logx.String("reason", reason))
		return false
	}
	req := runner.Request{Trigger: t, Speed: a.mon.Speed()}
	a.sup.Go0("run."+string(t), func(ctx context.Context) {
		defer a.gate.Release()
		a.measure(ctx, req)
	})
	return true
}

func (a *App) measure(ctx context.Context, req runner.Request) {
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicRunStarted, Time: time.Now(), Data: req})

	m, err := a.runner.Run(ctx, req)
	if errors.Is(err, runner.ErrBusy) {
		a.metrics.SkippedTrigger(skipBusy)
		return
	}
	// Runs that fail before iPerf3 starts carry no trigger of their own.
	if m.Trigger == "" {
		m.Trigger = req.Trigger
	}
	failed := err != nil
	a.metrics.Measurement(m, failed)
	if failed {
		a.log.Warn("measurement failed", logx.String("trigger", string(req.Trigger)), logx.Err(err))
		a.bus.Publish(eventbus.Event{Type: eventbus.TopicRunFailed, Time: time.Now(), Data: m})
	} else {
		a.bus.Publish(eventbus.Event{Type: eventbus.TopicRunFinished, Time: time.Now(), Data: m})
	}
	// Nothing was measured (e.g. no server configured).
	if m.ID == "" {
		return
	}

	// Sinks outlive a canceled run so a shutdown mid-run still records it.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if a.store != nil {
		if err := a.store.SaveMeasurement(sinkCtx, m); err != nil {
			a.log.Warn("save measurement failed", logx.String("run", m.ID), logx.Err(err))
		}
	}
	if a.notif != nil && a.notifyRuns.Load() {
		if err := a.notif.NotifyMeasurement(sinkCtx, m); err != nil {
			a.log.Warn("measurement notify failed", logx.String("run", m.ID), logx.Err(err))
		}
	}
}

// RunBaseline runs a speedtest.net probe in the calling goroutine. It
// shares the run gate with iPerf3 but ignores the minimum gap.
func (a *App) RunBaseline(ctx context.Context) (*speedtest.Result, error) {
	if reason, ok := a.gate.Acquire(time.Now(), false); !ok {
		a.metrics.SkippedTrigger(reason)
		return nil, fmt.Errorf("%w: %s", ErrSkipped, reason)
	}
	defer a.gate.Release()

	a.speedtestMu.Lock()
	rc, timeout := a.speedtestCfg, a.speedtestTO
	a.speedtestMu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	res, err := speedtest.NewRunner(rc).Run(runCtx)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	a.log.Info("baseline finished",
		logx.Float64("down_mbps", res.DownloadMbps),
		logx.Float64("up_mbps", res.UploadMbps),
		logx.Float64("ping_ms", res.PingMs),
		logx.String("server", res.ServerName),
		logx.Duration("took", time.Since(start)))
	a.metrics.Baseline(*res)
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicBaseline, Time: time.Now(), Data: *res})

	sinkCtx, sinkCancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer sinkCancel()
	if a.store != nil {
		if err := a.store.SaveBaseline(sinkCtx, *res); err != nil {
			a.log.Warn("save baseline failed", logx.Err(err))
		}
	}
	if a.notif != nil && a.notifyRuns.Load() {
		if err := a.notif.NotifyBaseline(sinkCtx, *res); err != nil {
			a.log.Warn("baseline notify failed", logx.Err(err))
		}
	}
	return res, nil
}
