package gps

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "driveperf/pkg/logx"
)

type recorder struct{ got []float64 }

func (r *recorder) UpdateSpeed(v float64) { r.got = append(r.got, v) }

const stream = `{"class":"VERSION","release":"3.22"}
{"class":"TPV","mode":1,"speed":9.0}
{"class":"TPV","mode":3,"speed":2.5}
not json
{"class":"SKY","satellites":[]}
{"class":"TPV","mode":2}
{"class":"TPV","mode":3,"speed":10.0}
`

func TestConsumeForwardsTPVSpeeds(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec, logx.Nop())
	err := s.Consume(context.Background(), strings.NewReader(stream))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(rec.got) != 2 || rec.got[0] != 2.5 || rec.got[1] != 10.0 {
		t.Fatalf("unexpected samples %v", rec.got)
	}
}

func TestKmhConversion(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Units: UnitsKMH}, rec, logx.Nop())
	var seen int
	s.OnSample(func(float64) { seen++ })
	_ = s.Consume(context.Background(), strings.NewReader(`{"class":"TPV","speed":10}`+"\n"))
	if len(rec.got) != 1 || math.Abs(rec.got[0]-36) > 1e-9 || seen != 1 {
		t.Fatalf("unexpected samples %v (seen %d)", rec.got, seen)
	}
}

func TestRunFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gps.jsonl")
	if err := os.WriteFile(path, []byte(stream), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec := &recorder{}
	s := New(Config{Path: path}, rec, logx.Nop())
	if err := s.Run(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(rec.got) != 2 {
		t.Fatalf("expected 2 samples, got %v", rec.got)
	}
}

// fakeGPSD serves one client: banner, then body once the WATCH command
// arrived, then hangs up.
func fakeGPSD(t *testing.T, body string) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if _, err := io.WriteString(c, `{"class":"VERSION","release":"3.22","proto_major":3,"proto_minor":14}`+"\n"); err != nil {
			return
		}
		buf := make([]byte, 256)
		if _, err := c.Read(buf); err != nil {
			return
		}
		_, _ = io.WriteString(c, body)
	}()
	return ln.Addr().String()
}

func TestRunFromGPSD(t *testing.T) {
	addr := fakeGPSD(t, `{"class":"TPV","mode":1,"speed":9.0}
{"class":"TPV","mode":3,"speed":2.5}
{"class":"SKY","satellites":[]}
{"class":"TPV","mode":2,"speed":4.0}
`)
	rec := &recorder{}
	var seen int
	s := New(Config{Addr: addr, Units: UnitsKMH}, rec, logx.Nop())
	s.OnSample(func(float64) { seen++ })
	if err := s.Run(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(rec.got) != 2 || math.Abs(rec.got[0]-9) > 1e-9 || math.Abs(rec.got[1]-14.4) > 1e-9 || seen != 2 {
		t.Fatalf("unexpected samples %v (seen %d)", rec.got, seen)
	}
}

func TestRunGPSDDialError(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	s := New(Config{Addr: addr}, &recorder{}, logx.Nop())
	err = s.Run(context.Background())
	if err == nil || errors.Is(err, io.EOF) || !strings.Contains(err.Error(), "gps: dial") {
		t.Fatalf("expected dial error, got %v", err)
	}
}

func TestPathWinsOverAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gps.jsonl")
	if err := os.WriteFile(path, []byte(stream), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec := &recorder{}
	s := New(Config{Addr: "127.0.0.1:1", Path: path}, rec, logx.Nop())
	if err := s.Run(context.Background()); !errors.Is(err, io.EOF) || len(rec.got) != 2 {
		t.Fatalf("err=%v samples=%v", err, rec.got)
	}
}

func TestRunWithoutInput(t *testing.T) {
	s := New(Config{}, &recorder{}, logx.Nop())
	if err := s.Run(context.Background()); !errors.Is(err, ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}
