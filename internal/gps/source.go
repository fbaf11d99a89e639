// Package gps feeds vehicle speed from gpsd into a consumer.
//
// The live source is a gpsd socket watched through go-gpsd. A recorded
// watch stream (one JSON object per line, as printed by `gpspipe -w`) can
// be replayed from a file or FIFO instead. Only TPV reports with a fix are
// used.
package gps

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	logx "driveperf/pkg/logx"

	"github.com/stratoberry/go-gpsd"
)

// Units select the scale handed to the consumer. gpsd reports m/s.
type Units string

const (
	UnitsMPS Units = "mps"
	UnitsKMH Units = "kmh"
)

var ErrNoInput = errors.New("gps: neither address nor path configured")

// DefaultAddr is the gpsd socket on the local host.
const DefaultAddr = gpsd.DefaultAddress

// closeWait bounds how long Run waits for the gpsd reader after Close.
const closeWait = 2 * time.Second

// Consumer receives converted speed samples. *speedmon.Monitor satisfies it.
type Consumer interface {
	UpdateSpeed(v float64)
}

// Config selects the input. Path wins over Addr.
type Config struct {
	Addr  string
	Path  string
	Units Units
}

// Source reads one gpsd stream until it ends. Callers restart it.
type Source struct {
	cfg Config
	out Consumer
	log logx.Logger

	onSample func(v float64)
}

func New(cfg Config, out Consumer, log logx.Logger) *Source {
	if cfg.Units == "" {
		cfg.Units = UnitsMPS
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{cfg: cfg, out: out, log: log}
}

// OnSample registers an observer called after every forwarded sample.
func (s *Source) OnSample(fn func(v float64)) { s.onSample = fn }

type tpv struct {
	Class string   `json:"class"`
	Mode  int      `json:"mode"`
	Speed *float64 `json:"speed"`
}

// ParseTPV extracts the speed in m/s from one gpsd line. ok is false for
// non-TPV reports, reports without a fix, and lines that are not JSON.
func ParseTPV(line []byte) (speed float64, ok bool) {
	var r tpv
	if err := json.Unmarshal(line, &r); err != nil {
		return 0, false
	}
	if r.Class != "TPV" || r.Speed == nil {
		return 0, false
	}
	// mode 1 is "no fix"; 0 is unknown and accepted.
	if r.Mode == 1 {
		return 0, false
	}
	return *r.Speed, true
}

func (u Units) convert(mps float64) float64 {
	if u == UnitsKMH {
		return mps * 3.6
	}
	return mps
}

// Run reads until the stream ends or ctx is canceled. A clean end of input
// (gpsd hung up, file exhausted) returns io.EOF so a restart loop picks it
// up again.
func (s *Source) Run(ctx context.Context) error {
	switch {
	case s.cfg.Path != "":
		f, err := os.Open(s.cfg.Path)
		if err != nil {
			return fmt.Errorf("gps: open %s: %w", s.cfg.Path, err)
		}
		defer f.Close()
		return s.Consume(ctx, f)
	case s.cfg.Addr != "":
		return s.watch(ctx)
	default:
		return ErrNoInput
	}
}

func (s *Source) watch(ctx context.Context) error {
	sess, err := gpsd.Dial(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gps: dial %s: %w", s.cfg.Addr, err)
	}
	sess.AddFilter("TPV", func(r interface{}) {
		tpv, ok := r.(*gpsd.TPVReport)
		// go-gpsd zero-fills a missing speed; only a fix guarantees one.
		if !ok || tpv == nil || tpv.Mode < gpsd.Mode2D {
			return
		}
		s.publish(tpv.Speed)
	})
	done := sess.Watch()
	s.log.Info("gps reader started", logx.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		_ = sess.Close()
		// The reader only exits after handing off on done.
		select {
		case <-done:
		case <-time.After(closeWait):
			s.log.Warn("gpsd reader did not exit after close")
		}
		return ctx.Err()
	case <-done:
		_ = sess.Close()
		s.log.Info("gpsd stream ended", logx.String("addr", s.cfg.Addr))
		return io.EOF
	}
}

// Consume forwards every TPV speed in r to the consumer.
func (s *Source) Consume(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if mps, ok := ParseTPV(sc.Bytes()); ok {
			s.publish(mps)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("gps: read: %w", err)
	}
	return io.EOF
}

func (s *Source) publish(mps float64) {
	v := s.cfg.Units.convert(mps)
	s.out.UpdateSpeed(v)
	if s.onSample != nil {
		s.onSample(v)
	}
}
