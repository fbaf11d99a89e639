package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks values that decoding alone cannot catch. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("monitor.threshold_duration", c.Monitor.ThresholdDuration)
	dur("monitor.poll_interval", c.Monitor.PollInterval)
	if c.Monitor.Threshold < 0 {
		errs = append(errs, errors.New("monitor.threshold: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.GPS.Units)) {
	case "", "mps", "kmh":
	default:
		errs = append(errs, fmt.Errorf("gps.units: unknown unit %q", c.GPS.Units))
	}
	if c.GPS.Enabled && strings.TrimSpace(c.GPS.Addr) == "" && strings.TrimSpace(c.GPS.Path) == "" {
		errs = append(errs, errors.New("gps: addr or path is required when enabled"))
	}

	dur("iperf3.duration", c.Iperf3.Duration)
	dur("iperf3.parse_interval", c.Iperf3.ParseInterval)
	dur("iperf3.grace", c.Iperf3.Grace)
	switch strings.ToLower(strings.TrimSpace(c.Iperf3.Direction)) {
	case "", "downlink", "uplink", "bidir":
	default:
		errs = append(errs, fmt.Errorf("iperf3.direction: unknown direction %q", c.Iperf3.Direction))
	}
	if c.Iperf3.Port < 0 || c.Iperf3.Port > 65535 {
		errs = append(errs, fmt.Errorf("iperf3.port: out of range: %d", c.Iperf3.Port))
	}

	dur("trigger.min_gap", c.Trigger.MinGap)
	dur("speedtest.timeout", c.Speedtest.Timeout)

	if c.Storage != nil {
		dur("storage.busy_timeout", c.Storage.BusyTimeout)
		dur("storage.max_age", c.Storage.MaxAge)
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
	}

	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id: required when a token is set"))
	}
	return errors.Join(errs...)
}
