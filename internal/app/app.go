package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"driveperf/internal/config"
	"driveperf/internal/eventbus"
	"driveperf/internal/gps"
	"driveperf/internal/metrics"
	"driveperf/internal/runner"
	"driveperf/internal/runtime/supervisor"
	"driveperf/internal/schedule"
	"driveperf/internal/speedmon"
	"driveperf/internal/storage"
	"driveperf/internal/transport/telegram"
	logx "driveperf/pkg/logx"
	"driveperf/pkg/speedtest"
	"driveperf/pkg/systemd"
)

// Job names registered with the scheduler.
const (
	jobIperf3    = "iperf3"
	jobSpeedtest = "speedtest"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	notif *telegram.Notifier

	mon     *speedmon.Monitor
	gps     *gps.Source
	runner  *runner.Runner
	sched   *schedule.Scheduler
	metrics *metrics.Metrics
	msrv    *metrics.Server

	gate *runGate

	// live knobs, swapped on config reload
	onSpeed      atomic.Bool
	notifyRuns   atomic.Bool
	speedtestMu  sync.Mutex
	speedtestCfg speedtest.RunConfig
	speedtestTO  time.Duration

	started atomic.Bool
	stopped atomic.Bool
}

// NewApp loads the configuration at cfgPath and builds every component.
// Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateSettings(cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	// The notifier doubles as the log sink. A nil *Notifier must not become
	// a non-nil Sender.
	var notif *telegram.Notifier
	var sender logx.Sender
	if tc, ok := mapTelegramConfig(cfg); ok {
		n, err := telegram.New(tc, bootLog)
		if err != nil {
			return nil, err
		}
		notif, sender = n, n
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), sender)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     eventbus.New(),
		notif:   notif,
		metrics: metrics.New(),
	}
	a.onSpeed.Store(cfg.TriggerOnSpeed())
	a.notifyRuns.Store(cfg.Telegram.NotifyMeasurements)

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		a.store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		logSvc.Close()
		return nil, err
	}

	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.runner = runner.New(rc, log.With(logx.String("comp", "runner")))

	mc, err := mapMonitorConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.mon = speedmon.New(mc, log.With(logx.String("comp", "speedmon")))
	a.mon.SetCallback(a.onSpeedLow)

	if cfg.GPS.Enabled {
		a.gps = gps.New(mapGPSConfig(cfg), a.mon, log.With(logx.String("comp", "gps")))
		a.gps.OnSample(a.metrics.Speed)
	}

	gap, burst, err := mapTriggerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.gate = newRunGate(gap, burst)

	a.speedtestCfg, a.speedtestTO, err = mapSpeedtestConfig(cfg)
	if err != nil {
		return fail(err)
	}

	a.sched, err = schedule.New(cfg.Schedule.Timezone, log.With(logx.String("comp", "schedule")))
	if err != nil {
		return fail(err)
	}
	if err := a.applySchedule(cfg); err != nil {
		return fail(err)
	}

	a.msrv = metrics.NewServer(a.metrics, log.With(logx.String("comp", "metrics")))
	return a, nil
}

// Done is closed when the app run context ends (Stop or a fatal error).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Initialized reports whether Start completed and Stop has not run.
func (a *App) Initialized() bool { return a.started.Load() && !a.stopped.Load() }

// Logger returns the root app logger.
func (a *App) Logger() logx.Logger { return a.log }

// Bus exposes lifecycle events to embedders and tests.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Metrics returns the app's collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Start(ctx context.Context) error {
	if a.started.Load() {
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.metrics.WatchRuntime(a.bus.Dropped, a.sup.Counters)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateSettings(cfg)
	})

	cfg := a.cfgm.Get()

	if a.gps != nil {
		a.sup.GoRestart("gps.reader", a.gps.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
			supervisor.WithStopOnCleanExit(false))
	}
	a.mon.Start(a.sup.Context())

	if cfg.Schedule.Enabled {
		a.sched.Start(a.sup.Context())
	}
	if err := a.msrv.Apply(a.sup.Context(), mapMetricsConfig(cfg)); err != nil {
		// The exporter is optional; a taken port must not stop measuring.
		a.log.Warn("metrics server not started", logx.Err(err))
	}

	// Debug trail of lifecycle events (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.RunWatchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.started.Store(true)
	a.log.Info("app started",
		logx.Bool("gps", a.gps != nil),
		logx.Bool("schedule", cfg.Schedule.Enabled),
		logx.Bool("storage", a.store != nil),
		logx.Bool("telegram", a.notif != nil))
	return nil
}

// applyConfig re-applies the sections that can change live. storage, gps,
// telegram and schedule.timezone need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "gps", "telegram":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg != nil && oldCfg.Schedule.Timezone != newCfg.Schedule.Timezone {
		a.log.Warn("schedule.timezone changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if mc, err := mapMonitorConfig(newCfg); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		prevPoll := a.mon.Config().PollInterval
		a.mon.SetConfig(mc)
		// The tick period is captured at Start.
		if mc.PollInterval != prevPoll && a.mon.Running() {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := a.mon.Stop(stopCtx)
			cancel()
			if err != nil {
				// Start is a no-op until the old worker is joined.
				a.log.Warn("speedmon restart failed; keeping old poll interval", logx.Err(err))
			} else {
				a.mon.Start(ctx)
			}
		}
	}

	if rc, err := mapRunnerConfig(newCfg); err != nil {
		a.log.Warn("invalid iperf3 config; keeping previous", logx.Err(err))
	} else {
		a.runner.SetConfig(rc)
	}

	if gap, burst, err := mapTriggerConfig(newCfg); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else {
		a.gate.SetLimit(gap, burst)
	}
	a.onSpeed.Store(newCfg.TriggerOnSpeed())
	a.notifyRuns.Store(newCfg.Telegram.NotifyMeasurements)

	if sc, to, err := mapSpeedtestConfig(newCfg); err != nil {
		a.log.Warn("invalid speedtest config; keeping previous", logx.Err(err))
	} else {
		a.speedtestMu.Lock()
		a.speedtestCfg, a.speedtestTO = sc, to
		a.speedtestMu.Unlock()
	}

	if err := a.applySchedule(newCfg); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	}
	wasEnabled := oldCfg != nil && oldCfg.Schedule.Enabled
	switch {
	case wasEnabled && !newCfg.Schedule.Enabled:
		a.log.Info("schedule disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && newCfg.Schedule.Enabled:
		a.log.Info("schedule enabled via config")
		a.sched.Start(ctx)
	}

	if err := a.msrv.Apply(ctx, mapMetricsConfig(newCfg)); err != nil {
		a.log.Warn("metrics server reconfigure failed", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applySchedule(cfg *config.Config) error {
	iperfSpec, stSpec := "", ""
	if cfg.Schedule.Enabled {
		iperfSpec, stSpec = cfg.Schedule.Iperf3, cfg.Schedule.Speedtest
	}
	if err := a.sched.Set(jobIperf3, iperfSpec, func(context.Context) {
		a.Trigger(runner.TriggerSchedule)
	}); err != nil {
		return err
	}
	return a.sched.Set(jobSpeedtest, stSpec, func(c context.Context) {
		if _, err := a.RunBaseline(c); err != nil && !errors.Is(err, ErrSkipped) {
			a.log.Warn("scheduled baseline failed", logx.Err(err))
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late finish is logged as a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first, then the work they start, then sinks.
	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("speedmon", 1*time.Second, a.mon.Stop)
	// Runs end with the run context; this waits for their results to be stored.
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("metrics", 1*time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
