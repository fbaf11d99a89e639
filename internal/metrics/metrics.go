// Package metrics exports driveperf state to Prometheus.
package metrics

import (
	"math"
	"sync"

	"driveperf/internal/runner"
	"driveperf/internal/runtime/supervisor"
	"driveperf/pkg/speedtest"
	"driveperf/pkg/stats"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "driveperf"

// Metrics holds every collector on a private registry so tests and
// multiple instances never touch the global one.
type Metrics struct {
	reg *prometheus.Registry

	runs          *prometheus.CounterVec
	runFailures   prometheus.Counter
	triggers      *prometheus.CounterVec
	skippedTrig   *prometheus.CounterVec
	skippedLines  prometheus.Counter
	runDuration   prometheus.Histogram
	throughput    *prometheus.GaugeVec
	jitter        prometheus.Gauge
	loss          prometheus.Gauge
	speed         prometheus.Gauge
	monitorFires  prometheus.Counter
	baseline      *prometheus.GaugeVec
	baselinePing  prometheus.Gauge
	lastRunUnixTS prometheus.Gauge

	runtimeOnce sync.Once
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "iPerf3 runs finished, by trigger.",
		}, []string{"trigger"}),
		runFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "run_failures_total",
			Help: "iPerf3 runs that exited with an error.",
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_total",
			Help: "Run requests received, by source.",
		}, []string{"trigger"}),
		skippedTrig: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_skipped_total",
			Help: "Run requests dropped, by reason.",
		}, []string{"reason"}),
		skippedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "iperf3_skipped_lines_total",
			Help: "iPerf3 output lines that could not be decoded.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall time of iPerf3 runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "throughput_bits_per_second",
			Help: "Last run throughput statistics, by direction and statistic.",
		}, []string{"direction", "stat"}),
		jitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "udp_jitter_ms",
			Help: "Mean UDP downlink jitter of the last run.",
		}),
		loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "udp_loss_percent",
			Help: "Mean UDP downlink loss of the last run.",
		}),
		speed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vehicle_speed",
			Help: "Last GPS speed sample, in the configured units.",
		}),
		monitorFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_fires_total",
			Help: "Times the speed stayed under the threshold long enough.",
		}),
		baseline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "baseline_mbps",
			Help: "Last speedtest baseline, by direction.",
		}, []string{"direction"}),
		baselinePing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "baseline_ping_ms",
			Help: "Last speedtest baseline latency.",
		}),
		lastRunUnixTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
	}
	m.speed.Set(math.NaN())
	m.reg.MustRegister(
		m.runs, m.runFailures, m.triggers, m.skippedTrig, m.skippedLines, m.runDuration,
		m.throughput, m.jitter, m.loss, m.speed, m.monitorFires, m.baseline, m.baselinePing,
		m.lastRunUnixTS,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry for the HTTP handler and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Trigger(t runner.Trigger) { m.triggers.WithLabelValues(string(t)).Inc() }

// SkippedTrigger counts a dropped request ("busy" or "min_gap").
func (m *Metrics) SkippedTrigger(reason string) { m.skippedTrig.WithLabelValues(reason).Inc() }

// WatchRuntime exports event bus drops and supervised goroutine counts.
// The funcs are read on every scrape. Only the first call registers.
func (m *Metrics) WatchRuntime(dropped func() uint64, goroutines func() supervisor.Counters) {
	m.runtimeOnce.Do(func() {
		m.reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Name: "eventbus_dropped_total",
				Help: "Events lost to full subscriber buffers.",
			}, func() float64 { return float64(dropped()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "supervisor_goroutines_active",
				Help: "Supervised goroutines currently running.",
			}, func() float64 { return float64(goroutines().Active) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Name: "supervisor_goroutines_started_total",
				Help: "Supervised goroutines started since boot.",
			}, func() float64 { return float64(goroutines().Started) }),
		)
	})
}

func (m *Metrics) Speed(v float64) { m.speed.Set(v) }

func (m *Metrics) MonitorFired() { m.monitorFires.Inc() }

// Measurement records a finished run. failed marks a non-zero exit.
func (m *Metrics) Measurement(ms runner.Measurement, failed bool) {
	m.runs.WithLabelValues(string(ms.Trigger)).Inc()
	if failed {
		m.runFailures.Inc()
	}
	m.skippedLines.Add(float64(ms.Skipped))
	if d := ms.Duration(); d > 0 {
		m.runDuration.Observe(d.Seconds())
	}
	if !ms.FinishedAt.IsZero() {
		m.lastRunUnixTS.Set(float64(ms.FinishedAt.Unix()))
	}
	m.setThroughput("downlink", ms.Downlink)
	m.setThroughput("uplink", ms.Uplink)
	if ms.Jitter.Count > 0 {
		m.jitter.Set(ms.Jitter.Mean)
	}
	if ms.Loss.Count > 0 {
		m.loss.Set(ms.Loss.Mean)
	}
}

func (m *Metrics) setThroughput(dir string, s stats.Summary) {
	if s.Count == 0 {
		return
	}
	m.throughput.WithLabelValues(dir, "min").Set(s.Min)
	m.throughput.WithLabelValues(dir, "median").Set(s.Median)
	m.throughput.WithLabelValues(dir, "mean").Set(s.Mean)
	m.throughput.WithLabelValues(dir, "max").Set(s.Max)
	m.throughput.WithLabelValues(dir, "last").Set(s.Last)
}

func (m *Metrics) Baseline(r speedtest.Result) {
	m.baseline.WithLabelValues("downlink").Set(r.DownloadMbps)
	m.baseline.WithLabelValues("uplink").Set(r.UploadMbps)
	m.baselinePing.Set(r.PingMs)
}
