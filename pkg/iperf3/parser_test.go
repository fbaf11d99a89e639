package iperf3

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	startLine    = `{"event":"start","data":{"version":"iperf 3.16","test_start":{"protocol":"TCP","num_streams":1,"duration":10,"reverse":1}}}`
	tcpDLLine    = `{"event":"interval","data":{"streams":[],"sum":{"start":0,"end":1,"seconds":1,"bytes":125000,"bits_per_second":1000000,"omitted":false,"sender":false}}}`
	endLine      = `{"event":"end","data":{}}`
	bogusLine    = `{"event":"bogus"}`
	brokenLine   = `{"event":"interval","data":`
	errorLine    = `{"event":"error","data":"server busy"}`
	tcpULLine    = `{"event":"interval","data":{"sum":{"bits_per_second":2000000,"retransmits":1,"sender":true}}}`
)

func lines(ls ...string) string { return strings.Join(ls, "\n") + "\n" }

func TestParseDispatchesInOrder(t *testing.T) {
	p := New(strings.NewReader(lines(startLine, tcpDLLine, endLine)))

	var got []Kind
	p.Subscribe(KindAny, func(ev Event) { got = append(got, ev.Kind()) })
	var intervals int
	p.Subscribe(KindInterval, func(ev Event) { intervals++ })

	if err := p.Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Kind{KindStart, KindInterval, KindEnd}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if intervals != 1 {
		t.Fatalf("expected 1 interval dispatch, got %d", intervals)
	}
	if p.State() != Finished {
		t.Fatalf("expected finished, got %v", p.State())
	}
	if _, ok := p.LastStart(); !ok {
		t.Fatalf("expected last start")
	}
	if h := p.Intervals(); len(h) != 1 || h[0].Sum.Kind != TCPDownlink {
		t.Fatalf("unexpected history %+v", h)
	}
	if !p.SawEnd() {
		t.Fatalf("expected SawEnd")
	}
}

func TestEndFiresCompletionOnce(t *testing.T) {
	p := New(strings.NewReader(lines(endLine, tcpDLLine)))
	calls := 0
	p.OnCompletion(func() { calls++ })

	for i := 0; i < 3; i++ {
		if err := p.Parse(); err != nil {
			t.Fatalf("parse %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected completion once, got %d", calls)
	}
	if len(p.Intervals()) != 0 {
		t.Fatalf("lines after end must not be parsed")
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("done channel not closed")
	}
}

func TestUnknownEventIsSkipped(t *testing.T) {
	p := New(strings.NewReader(lines(bogusLine)), WithFollow(true))
	dispatched := 0
	p.Subscribe(KindAny, func(Event) { dispatched++ })

	if err := p.Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if dispatched != 0 {
		t.Fatalf("expected no dispatch, got %d", dispatched)
	}
	if p.State() != Reading {
		t.Fatalf("expected reading, got %v", p.State())
	}
	if _, ok := p.LastStart(); ok || len(p.Intervals()) != 0 || p.SawEnd() {
		t.Fatalf("state changed by unknown event")
	}
	if p.Lines() != 1 || p.Skipped() != 1 {
		t.Fatalf("lines=%d skipped=%d", p.Lines(), p.Skipped())
	}
}

func TestMalformedLinesDoNotAbort(t *testing.T) {
	p := New(strings.NewReader(lines(startLine, brokenLine, "", bogusLine, tcpULLine, errorLine, endLine)))
	var errs []string
	p.Subscribe(KindError, func(ev Event) { errs = append(errs, ev.(Error).Message) })

	if err := p.Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n := len(p.Intervals()); n != 1 {
		t.Fatalf("expected 1 interval, got %d", n)
	}
	if p.Skipped() != 2 {
		t.Fatalf("expected 2 skipped, got %d", p.Skipped())
	}
	if len(errs) != 1 || errs[0] != "server busy" {
		t.Fatalf("unexpected error events %v", errs)
	}
	if !p.SawEnd() {
		t.Fatalf("expected end")
	}
}

func TestEOFWithoutEndCompletes(t *testing.T) {
	// Trailing line without newline is still parsed at EOF.
	p := New(strings.NewReader(startLine + "\n" + tcpDLLine))
	calls := 0
	p.OnCompletion(func() { calls++ })
	if err := p.Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if calls != 1 || p.State() != Finished || p.SawEnd() {
		t.Fatalf("calls=%d state=%v sawEnd=%v", calls, p.State(), p.SawEnd())
	}
	if len(p.Intervals()) != 1 {
		t.Fatalf("expected trailing interval to be parsed")
	}
}

func TestUnsubscribe(t *testing.T) {
	p := New(strings.NewReader(lines(startLine, tcpDLLine)), WithFollow(true))
	var a, b int
	unsubA := p.Subscribe(KindAny, func(Event) { a++ })
	p.Subscribe(KindAny, func(Event) { b++ })
	unsubA()
	unsubA()
	if err := p.Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a != 0 || b != 2 {
		t.Fatalf("a=%d b=%d", a, b)
	}
}

func TestCompletionCanReadHistory(t *testing.T) {
	p := New(strings.NewReader(lines(tcpDLLine, tcpDLLine, endLine)))
	var n int
	p.OnCompletion(func() { n = len(p.Intervals()) })
	if err := p.Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n != 2 {
		t.Fatalf("completion saw %d intervals", n)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestFollowTailsGrowingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iperf3.json")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	p, err := Open(path, WithFollow(true))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	completed := 0
	p.OnCompletion(func() { completed++ })

	write := func(s string) {
		t.Helper()
		if _, err := f.WriteString(s); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write(startLine + "\n" + tcpDLLine[:20])
	if err := p.Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := p.LastStart(); !ok || len(p.Intervals()) != 0 {
		t.Fatalf("expected start only")
	}

	write(tcpDLLine[20:] + "\n")
	if err := p.Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p.Intervals()) != 1 || p.State() != Reading {
		t.Fatalf("expected one interval while still reading")
	}

	// Writer went away without an end event.
	if err := p.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if completed != 1 || p.State() != Finished || p.SawEnd() {
		t.Fatalf("completed=%d state=%v", completed, p.State())
	}
	if err := p.Finish(); err != nil || completed != 1 {
		t.Fatalf("second finish: err=%v completed=%d", err, completed)
	}
}

func TestRunStopsAtEnd(t *testing.T) {
	p := New(strings.NewReader(lines(startLine, tcpDLLine, endLine)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Run(ctx, FastParseInterval); err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.State() != Finished {
		t.Fatalf("expected finished")
	}
}

func TestRunHonorsContext(t *testing.T) {
	p := New(strings.NewReader(lines(startLine)), WithFollow(true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx, FastParseInterval); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if p.State() != Reading {
		t.Fatalf("expected reading, got %v", p.State())
	}
}
