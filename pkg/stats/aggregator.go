// Package stats keeps running statistics over sampled measurement values.
package stats

import (
	"errors"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrEmptySeries is returned when a statistic is requested from an
// aggregator that has no samples yet.
var ErrEmptySeries = errors.New("stats: empty series")

// Aggregator is an append-only sample series.
//
// Every query is computed over the whole series at call time; there is no
// sliding window. Values are stored as-is (NaN and negatives included).
// It is safe for concurrent use, although the usual owner is a single
// parser worker.
type Aggregator struct {
	mu      sync.RWMutex
	samples []float64
}

// NewAggregator returns an empty aggregator with room for n samples.
func NewAggregator(n int) *Aggregator {
	if n < 0 {
		n = 0
	}
	return &Aggregator{samples: make([]float64, 0, n)}
}

func (a *Aggregator) Append(v float64) {
	a.mu.Lock()
	a.samples = append(a.samples, v)
	a.mu.Unlock()
}

// Len returns the number of samples appended so far.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samples)
}

// Samples returns a copy of the series in insertion order.
func (a *Aggregator) Samples() []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]float64(nil), a.samples...)
}

func (a *Aggregator) Min() (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.samples) == 0 {
		return 0, ErrEmptySeries
	}
	return floats.Min(a.samples), nil
}

func (a *Aggregator) Max() (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.samples) == 0 {
		return 0, ErrEmptySeries
	}
	return floats.Max(a.samples), nil
}

// Mean returns the arithmetic mean of all samples.
func (a *Aggregator) Mean() (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.samples) == 0 {
		return 0, ErrEmptySeries
	}
	return stat.Mean(a.samples, nil), nil
}

// Last returns the most recently appended sample.
func (a *Aggregator) Last() (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.samples) == 0 {
		return 0, ErrEmptySeries
	}
	return a.samples[len(a.samples)-1], nil
}

// Median sorts a copy of the series and returns the element at index n/2.
// For even-length series this is the upper of the two middle elements;
// the two are never averaged.
func (a *Aggregator) Median() (float64, error) {
	a.mu.RLock()
	sorted := append([]float64(nil), a.samples...)
	a.mu.RUnlock()
	if len(sorted) == 0 {
		return 0, ErrEmptySeries
	}
	sort.Float64s(sorted)
	return sorted[len(sorted)/2], nil
}
