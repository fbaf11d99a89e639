package runner

import (
	"fmt"
	"strings"
	"time"

	"driveperf/pkg/stats"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerSpeed    Trigger = "speed"
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerReplay   Trigger = "replay"
)

// Measurement is the result of one iPerf3 run. Throughput summaries are in
// bits per second, jitter in milliseconds, loss in percent.
type Measurement struct {
	ID         string    `json:"id"`
	Trigger    Trigger   `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Speed is the vehicle speed when the run was triggered.
	Speed float64 `json:"speed"`

	Host      string `json:"host,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Version   string `json:"version,omitempty"`
	Intervals int    `json:"intervals"`
	Skipped   uint64 `json:"skipped_lines"`
	// Complete is true when iPerf3 wrote its "end" event.
	Complete bool     `json:"complete"`
	Errors   []string `json:"errors,omitempty"`

	Downlink stats.Summary `json:"downlink"`
	Uplink   stats.Summary `json:"uplink"`
	Jitter   stats.Summary `json:"jitter"`
	Loss     stats.Summary `json:"loss"`
}

// OK reports whether the run produced any throughput sample.
func (m Measurement) OK() bool {
	return m.Downlink.Count > 0 || m.Uplink.Count > 0
}

func (m Measurement) Duration() time.Duration {
	if m.FinishedAt.IsZero() {
		return 0
	}
	return m.FinishedAt.Sub(m.StartedAt)
}

// Text renders a short human summary, used for chat notifications and the
// replay command.
func (m Measurement) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "iperf3 %s", m.Trigger)
	if m.Host != "" {
		fmt.Fprintf(&b, " → %s", m.Host)
	}
	if m.Protocol != "" {
		fmt.Fprintf(&b, " (%s)", m.Protocol)
	}
	b.WriteString("\n")
	if !m.StartedAt.IsZero() {
		fmt.Fprintf(&b, "at %s, speed %.1f\n", m.StartedAt.Format(time.RFC3339), m.Speed)
	}
	writeRate(&b, "DL", m.Downlink)
	writeRate(&b, "UL", m.Uplink)
	if m.Jitter.Count > 0 {
		fmt.Fprintf(&b, "jitter ms: med %.2f mean %.2f max %.2f\n", m.Jitter.Median, m.Jitter.Mean, m.Jitter.Max)
	}
	if m.Loss.Count > 0 {
		fmt.Fprintf(&b, "loss %%: med %.2f mean %.2f max %.2f\n", m.Loss.Median, m.Loss.Mean, m.Loss.Max)
	}
	fmt.Fprintf(&b, "intervals %d", m.Intervals)
	if !m.Complete {
		b.WriteString(" (incomplete)")
	}
	for _, e := range m.Errors {
		fmt.Fprintf(&b, "\nerror: %s", e)
	}
	return b.String()
}

func writeRate(b *strings.Builder, label string, s stats.Summary) {
	if s.Count == 0 {
		return
	}
	fmt.Fprintf(b, "%s Mbit/s: min %.1f med %.1f mean %.1f max %.1f last %.1f\n",
		label, mbps(s.Min), mbps(s.Median), mbps(s.Mean), mbps(s.Max), mbps(s.Last))
}

func mbps(bps float64) float64 { return bps / 1e6 }
