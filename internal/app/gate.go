package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Reasons a trigger is dropped, used as the metrics label.
const (
	skipBusy   = "busy"
	skipMinGap = "min_gap"
)

// runGate serializes measurements. Runs never overlap, and limited runs
// (iPerf3) are additionally spaced by a token bucket.
type runGate struct {
	mu   sync.Mutex
	busy bool
	lim  *rate.Limiter
}

func newRunGate(minGap time.Duration, burst int) *runGate {
	return &runGate{lim: rate.NewLimiter(rate.Every(minGap), max(1, burst))}
}

// SetLimit changes the spacing without refilling the bucket.
func (g *runGate) SetLimit(minGap time.Duration, burst int) {
	now := time.Now()
	g.lim.SetLimitAt(now, rate.Every(minGap))
	g.lim.SetBurstAt(now, max(1, burst))
}

// Acquire reserves the gate at now. On failure it returns the skip reason.
// A busy gate never consumes a token.
func (g *runGate) Acquire(now time.Time, limited bool) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return skipBusy, false
	}
	if limited && !g.lim.AllowN(now, 1) {
		return skipMinGap, false
	}
	g.busy = true
	return "", true
}

func (g *runGate) Release() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

func (g *runGate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}
