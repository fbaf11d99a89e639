package stats

import (
	"errors"
	"math"
	"testing"
)

func TestEmptySeries(t *testing.T) {
	a := NewAggregator(0)
	for name, fn := range map[string]func() (float64, error){
		"min":    a.Min,
		"max":    a.Max,
		"mean":   a.Mean,
		"median": a.Median,
		"last":   a.Last,
	} {
		if _, err := fn(); !errors.Is(err, ErrEmptySeries) {
			t.Fatalf("%s: expected ErrEmptySeries, got %v", name, err)
		}
	}
	if _, err := a.Summarize(); !errors.Is(err, ErrEmptySeries) {
		t.Fatalf("summarize: expected ErrEmptySeries, got %v", err)
	}
}

func TestMinMaxLastFollowInsertionOrder(t *testing.T) {
	seqs := [][]float64{
		{42},
		{3, 1, 2},
		{-5, 10, 0, 7.5, -1},
		{1e9, 2e9, 5e8},
	}
	for _, seq := range seqs {
		a := NewAggregator(len(seq))
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range seq {
			a.Append(v)
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if got, _ := a.Last(); got != seq[len(seq)-1] {
			t.Fatalf("%v: last=%v", seq, got)
		}
		if got, _ := a.Min(); got != lo {
			t.Fatalf("%v: min=%v want %v", seq, got, lo)
		}
		if got, _ := a.Max(); got != hi {
			t.Fatalf("%v: max=%v want %v", seq, got, hi)
		}
	}
}

func TestMedianUpperMiddle(t *testing.T) {
	a := NewAggregator(4)
	for _, v := range []float64{4, 1, 3, 2} {
		a.Append(v)
	}
	got, err := a.Median()
	if err != nil {
		t.Fatalf("median: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected upper-middle 3, got %v", got)
	}

	a.Append(10)
	if got, _ := a.Median(); got != 3 {
		t.Fatalf("odd length: expected 3, got %v", got)
	}
}

func TestMedianDoesNotReorderSeries(t *testing.T) {
	a := NewAggregator(3)
	a.Append(9)
	a.Append(1)
	a.Append(5)
	_, _ = a.Median()
	if got, _ := a.Last(); got != 5 {
		t.Fatalf("median mutated series; last=%v", got)
	}
	s := a.Samples()
	if s[0] != 9 || s[1] != 1 || s[2] != 5 {
		t.Fatalf("unexpected order %v", s)
	}
}

func TestMean(t *testing.T) {
	a := NewAggregator(0)
	for _, v := range []float64{1, 2, 3, 4} {
		a.Append(v)
	}
	if got, _ := a.Mean(); got != 2.5 {
		t.Fatalf("mean=%v", got)
	}
}

func TestAcceptsNaNAndNegative(t *testing.T) {
	a := NewAggregator(0)
	a.Append(-1)
	a.Append(math.NaN())
	if a.Len() != 2 {
		t.Fatalf("expected 2 samples, got %d", a.Len())
	}
	if got, _ := a.Last(); !math.IsNaN(got) {
		t.Fatalf("expected NaN last, got %v", got)
	}
}

func TestSummarizeSingleSample(t *testing.T) {
	a := NewAggregator(1)
	a.Append(1_000_000)
	s, err := a.Summarize()
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	for name, v := range map[string]float64{
		"min": s.Min, "median": s.Median, "mean": s.Mean, "max": s.Max, "last": s.Last,
	} {
		if v != 1_000_000 {
			t.Fatalf("%s=%v", name, v)
		}
	}
	if s.Count != 1 || s.StdDev != 0 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestSummarizeMatchesQueries(t *testing.T) {
	a := NewAggregator(0)
	for _, v := range []float64{10, 40, 20, 30} {
		a.Append(v)
	}
	s, err := a.Summarize()
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	med, _ := a.Median()
	if s.Median != med || s.Median != 30 {
		t.Fatalf("median mismatch: summary=%v query=%v", s.Median, med)
	}
	if s.Min != 10 || s.Max != 40 || s.Last != 30 || s.Mean != 25 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.P95 < s.Min || s.P95 > s.Max {
		t.Fatalf("p95 out of range: %v", s.P95)
	}
	if s.StdDev <= 0 {
		t.Fatalf("expected positive stddev, got %v", s.StdDev)
	}
}
