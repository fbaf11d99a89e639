package stats

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary is a point-in-time snapshot of an Aggregator.
//
// JSON tags are persisted by the measurement store; keep them stable.
type Summary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Median float64 `json:"median"`
	Mean   float64 `json:"mean"`
	Max    float64 `json:"max"`
	Last   float64 `json:"last"`
	StdDev float64 `json:"stddev"`
	P95    float64 `json:"p95"`
}

// Summarize computes every statistic over one consistent copy of the
// series. It returns ErrEmptySeries (and a zero Summary) when no samples
// were appended.
func (a *Aggregator) Summarize() (Summary, error) {
	samples := a.Samples()
	if len(samples) == 0 {
		return Summary{}, ErrEmptySeries
	}

	s := Summary{
		Count: len(samples),
		Min:   floats.Min(samples),
		Max:   floats.Max(samples),
		Mean:  stat.Mean(samples, nil),
		Last:  samples[len(samples)-1],
	}
	if len(samples) > 1 {
		s.StdDev = stat.StdDev(samples, nil)
	}

	sort.Float64s(samples)
	s.Median = samples[len(samples)/2]
	s.P95 = stat.Quantile(0.95, stat.LinInterp, samples, nil)
	return s, nil
}

// IsZero reports whether the summary holds no samples.
func (s Summary) IsZero() bool { return s.Count == 0 }
