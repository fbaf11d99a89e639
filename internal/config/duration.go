package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are kept as strings in the config ("500ms", "1m") and parsed by
// the app when a section is mapped to its component.

// ParseDurationField parses the duration at key (used in errors, e.g.
// "iperf3.duration"). Blank means zero; negative values are rejected.
func ParseDurationField(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", key, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField for keys where zero means
// "use the built-in value": monitor.threshold_duration, monitor.poll_interval,
// trigger.min_gap, speedtest.timeout and storage.busy_timeout.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
