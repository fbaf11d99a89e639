package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"driveperf/internal/config"
	"driveperf/internal/gps"
	"driveperf/internal/metrics"
	"driveperf/internal/runner"
	"driveperf/internal/schedule"
	"driveperf/internal/speedmon"
	"driveperf/internal/storage"
	"driveperf/internal/transport/telegram"
	logx "driveperf/pkg/logx"
	"driveperf/pkg/speedtest"
)

const (
	defaultMinGap           = time.Minute
	defaultSpeedtestTimeout = 2 * time.Minute
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapMonitorConfig(cfg *config.Config) (speedmon.Config, error) {
	d, err := config.ParseDurationOrDefault("monitor.threshold_duration", cfg.Monitor.ThresholdDuration, speedmon.DefaultDuration)
	if err != nil {
		return speedmon.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("monitor.poll_interval", cfg.Monitor.PollInterval, speedmon.DefaultPollInterval)
	if err != nil {
		return speedmon.Config{}, err
	}
	return speedmon.Config{Threshold: cfg.Monitor.Threshold, ThresholdSet: true, Duration: d, PollInterval: poll}, nil
}

func mapGPSConfig(cfg *config.Config) gps.Config {
	return gps.Config{
		Addr:  strings.TrimSpace(cfg.GPS.Addr),
		Path:  strings.TrimSpace(cfg.GPS.Path),
		Units: gps.Units(strings.ToLower(strings.TrimSpace(cfg.GPS.Units))),
	}
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	ic := cfg.Iperf3
	dur, err := config.ParseDurationField("iperf3.duration", ic.Duration)
	if err != nil {
		return runner.Config{}, err
	}
	parse, err := config.ParseDurationField("iperf3.parse_interval", ic.ParseInterval)
	if err != nil {
		return runner.Config{}, err
	}
	grace, err := config.ParseDurationField("iperf3.grace", ic.Grace)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Binary:        strings.TrimSpace(ic.Binary),
		Host:          strings.TrimSpace(ic.Host),
		Port:          ic.Port,
		Duration:      dur,
		UDP:           ic.UDP,
		Direction:     runner.Direction(strings.ToLower(strings.TrimSpace(ic.Direction))),
		Bitrate:       strings.TrimSpace(ic.Bitrate),
		Parallel:      ic.Parallel,
		LogDir:        strings.TrimSpace(ic.LogDir),
		KeepLogs:      ic.KeepLogs,
		ParseInterval: parse,
		Grace:         grace,
		ExtraArgs:     ic.ExtraArgs,
	}, nil
}

// mapTriggerConfig returns the minimum spacing between run starts and the
// burst allowed before it applies.
func mapTriggerConfig(cfg *config.Config) (time.Duration, int, error) {
	gap, err := config.ParseDurationOrDefault("trigger.min_gap", cfg.Trigger.MinGap, defaultMinGap)
	if err != nil {
		return 0, 0, err
	}
	return gap, max(1, cfg.Trigger.Burst), nil
}

func mapSpeedtestConfig(cfg *config.Config) (speedtest.RunConfig, time.Duration, error) {
	sc := cfg.Speedtest
	timeout, err := config.ParseDurationOrDefault("speedtest.timeout", sc.Timeout, defaultSpeedtestTimeout)
	if err != nil {
		return speedtest.RunConfig{}, 0, err
	}
	return speedtest.RunConfig{
		ServerCount:       sc.ServerCount,
		FullTestServers:   sc.FullTestServers,
		MaxConnections:    sc.MaxConnections,
		SavingMode:        sc.SavingMode,
		PacketLossEnabled: sc.PacketLoss,
	}, timeout, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	maxAge, err := config.ParseDurationField("storage.max_age", sc.MaxAge)
	if err != nil {
		return storage.Config{}, false, err
	}
	out := storage.Config{Driver: driver, Path: path, MaxAge: maxAge, MaxRecords: sc.MaxRecords}

	switch driver {
	case "file":
		return out, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return out, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMetricsConfig(cfg *config.Config) metrics.ServerConfig {
	return metrics.ServerConfig{
		Enabled: cfg.Metrics.Enabled,
		Addr:    strings.TrimSpace(cfg.Metrics.Addr),
		Pprof:   cfg.Metrics.Pprof,
	}
}

// mapTelegramConfig reports false when no token is configured.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool) {
	tok := strings.TrimSpace(cfg.Telegram.Token)
	if tok == "" {
		return telegram.Config{}, false
	}
	return telegram.Config{
		Token:         tok,
		ChatID:        cfg.Telegram.ChatID,
		ThreadID:      cfg.Telegram.ThreadID,
		RatePerMinute: cfg.Telegram.RatePerMinute,
	}, true
}

// validateSettings runs every mapper so a hot reload is rejected before
// anything is applied.
func validateSettings(cfg *config.Config) error {
	var errs []error
	if _, err := mapMonitorConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapTriggerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapSpeedtestConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if cfg.Schedule.Enabled {
		sched, err := schedule.New(cfg.Schedule.Timezone, logx.Nop())
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		} else {
			if err := sched.Validate(cfg.Schedule.Iperf3); cfg.Schedule.Iperf3 != "" && err != nil {
				errs = append(errs, fmt.Errorf("schedule.iperf3: %w", err))
			}
			if err := sched.Validate(cfg.Schedule.Speedtest); cfg.Schedule.Speedtest != "" && err != nil {
				errs = append(errs, fmt.Errorf("schedule.speedtest: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
