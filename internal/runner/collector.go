package runner

import (
	"sync"

	"driveperf/pkg/iperf3"
	"driveperf/pkg/stats"
)

// Collector folds parser events into per-stream aggregators.
//
// Handlers run on the goroutine driving the parser; read the aggregators
// after completion.
type Collector struct {
	Downlink *stats.Aggregator
	Uplink   *stats.Aggregator
	Jitter   *stats.Aggregator
	Loss     *stats.Aggregator

	mu        sync.Mutex
	start     iperf3.Start
	hasStart  bool
	intervals int
	errors    []string
	unsub     []func()
}

func NewCollector() *Collector {
	return &Collector{
		Downlink: stats.NewAggregator(0),
		Uplink:   stats.NewAggregator(0),
		Jitter:   stats.NewAggregator(0),
		Loss:     stats.NewAggregator(0),
	}
}

// Attach subscribes the collector to p.
func (c *Collector) Attach(p *iperf3.Parser) {
	c.unsub = append(c.unsub,
		p.Subscribe(iperf3.KindStart, c.onStart),
		p.Subscribe(iperf3.KindInterval, c.onInterval),
		p.Subscribe(iperf3.KindError, c.onError),
	)
}

// Detach drops every subscription made by Attach.
func (c *Collector) Detach() {
	for _, u := range c.unsub {
		u()
	}
	c.unsub = nil
}

func (c *Collector) onStart(ev iperf3.Event) {
	s, ok := ev.(iperf3.Start)
	if !ok {
		return
	}
	c.mu.Lock()
	c.start, c.hasStart = s, true
	c.mu.Unlock()
}

func (c *Collector) onInterval(ev iperf3.Event) {
	iv, ok := ev.(iperf3.Interval)
	if !ok {
		return
	}
	c.mu.Lock()
	c.intervals++
	c.mu.Unlock()
	for _, s := range iv.Sums() {
		c.add(s)
	}
}

func (c *Collector) add(s iperf3.Sum) {
	// Omitted intervals are iPerf3's TCP slow-start warmup (-O).
	if s.Omitted {
		return
	}
	if s.Kind.Downlink() {
		c.Downlink.Append(s.BitsPerSecond)
	} else {
		c.Uplink.Append(s.BitsPerSecond)
	}
	if s.Kind == iperf3.UDPDownlink {
		c.Jitter.Append(s.JitterMs)
		c.Loss.Append(s.LostPercent)
	}
}

func (c *Collector) onError(ev iperf3.Event) {
	e, ok := ev.(iperf3.Error)
	if !ok {
		return
	}
	c.mu.Lock()
	c.errors = append(c.errors, e.Message)
	c.mu.Unlock()
}

// Fill copies the collected data into m.
func (c *Collector) Fill(m *Measurement) {
	c.mu.Lock()
	if c.hasStart {
		m.Version = c.start.Version
		m.Protocol = c.start.Test.Protocol
		if m.Host == "" {
			m.Host = c.start.ConnectedTo.Host
		}
	}
	m.Intervals = c.intervals
	m.Errors = append(m.Errors, c.errors...)
	c.mu.Unlock()

	// Empty series leave a zero Summary.
	m.Downlink, _ = c.Downlink.Summarize()
	m.Uplink, _ = c.Uplink.Summarize()
	m.Jitter, _ = c.Jitter.Summarize()
	m.Loss, _ = c.Loss.Summarize()
}
