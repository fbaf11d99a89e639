package config

import (
	"reflect"
	"sort"
	"strings"

	logx "driveperf/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Compare the token by presence only.
	oT, nT := oldCfg.Telegram, newCfg.Telegram
	oSet, nSet := strings.TrimSpace(oT.Token) != "", strings.TrimSpace(nT.Token) != ""
	oT.Token, nT.Token = "", ""
	if oSet != nSet || oT != nT || (oSet && oldCfg.Telegram.Token != newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", nSet),
			logx.Bool("telegram.chat_set", nT.ChatID != 0),
			logx.Bool("telegram.notify_measurements", nT.NotifyMeasurements),
		)
	}

	if oldCfg.Monitor != newCfg.Monitor {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Float64("monitor.threshold", newCfg.Monitor.Threshold),
			logx.String("monitor.threshold_duration", newCfg.Monitor.ThresholdDuration),
			logx.String("monitor.poll_interval", newCfg.Monitor.PollInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.GPS, newCfg.GPS) {
		changed = append(changed, "gps")
		attrs = append(attrs,
			logx.Bool("gps.enabled", newCfg.GPS.Enabled),
			logx.String("gps.addr", newCfg.GPS.Addr),
			logx.String("gps.units", newCfg.GPS.Units),
		)
	}

	if !reflect.DeepEqual(oldCfg.Iperf3, newCfg.Iperf3) {
		changed = append(changed, "iperf3")
		attrs = append(attrs,
			logx.String("iperf3.host", newCfg.Iperf3.Host),
			logx.Int("iperf3.port", newCfg.Iperf3.Port),
			logx.String("iperf3.direction", newCfg.Iperf3.Direction),
			logx.Bool("iperf3.udp", newCfg.Iperf3.UDP),
		)
	}

	if oldCfg.TriggerOnSpeed() != newCfg.TriggerOnSpeed() ||
		oldCfg.Trigger.MinGap != newCfg.Trigger.MinGap ||
		oldCfg.Trigger.Burst != newCfg.Trigger.Burst {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.on_speed", newCfg.TriggerOnSpeed()),
			logx.String("trigger.min_gap", newCfg.Trigger.MinGap),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.Schedule.Enabled),
			logx.String("schedule.iperf3", newCfg.Schedule.Iperf3),
			logx.String("schedule.speedtest", newCfg.Schedule.Speedtest),
		)
	}

	if oldCfg.Speedtest != newCfg.Speedtest {
		changed = append(changed, "speedtest")
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
