package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"driveperf/pkg/iperf3"
	logx "driveperf/pkg/logx"
)

const (
	startLine = `{"event":"start","data":{"version":"iperf 3.16","connecting_to":{"host":"10.0.0.1","port":5201},"test_start":{"protocol":"TCP","num_streams":1,"duration":1,"reverse":1}}}`
	tcpDLLine = `{"event":"interval","data":{"sum":{"start":0,"end":1,"seconds":1,"bytes":125000,"bits_per_second":1000000,"omitted":false,"sender":false}}}`
	udpDLLine = `{"event":"interval","data":{"sum":{"bits_per_second":4000000,"jitter_ms":1.5,"lost_packets":2,"packets":100,"lost_percent":2,"sender":false}}}`
	omitLine  = `{"event":"interval","data":{"sum":{"bits_per_second":9000000,"omitted":true,"sender":false}}}`
	ulLine    = `{"event":"interval","data":{"sum":{"bits_per_second":3000000,"retransmits":0,"sender":true}}}`
	errLine   = `{"event":"error","data":"unable to connect"}`
	endLine   = `{"event":"end","data":{}}`
)

func join(ls ...string) string { return strings.Join(ls, "\n") + "\n" }

func TestSingleDownlinkInterval(t *testing.T) {
	p := iperf3.New(strings.NewReader(join(startLine, tcpDLLine, endLine)))
	col := NewCollector()
	col.Attach(p)
	if err := p.Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if n := col.Downlink.Len(); n != 1 {
		t.Fatalf("expected 1 DL sample, got %d", n)
	}
	for name, q := range map[string]func() (float64, error){
		"min": col.Downlink.Min, "median": col.Downlink.Median, "mean": col.Downlink.Mean,
		"max": col.Downlink.Max, "last": col.Downlink.Last,
	} {
		v, err := q()
		if err != nil || v != 1e6 {
			t.Fatalf("%s = %v, %v; want 1e6", name, v, err)
		}
	}
	if col.Uplink.Len() != 0 {
		t.Fatalf("uplink must stay empty")
	}
}

func TestCollectorFoldsStreams(t *testing.T) {
	p := iperf3.New(strings.NewReader(join(startLine, omitLine, udpDLLine, ulLine, errLine, endLine)))
	col := NewCollector()
	col.Attach(p)
	_ = p.Parse()

	var m Measurement
	col.Fill(&m)
	if m.Downlink.Count != 1 || m.Downlink.Last != 4e6 {
		t.Fatalf("unexpected downlink %+v", m.Downlink)
	}
	if m.Uplink.Count != 1 || m.Uplink.Last != 3e6 {
		t.Fatalf("unexpected uplink %+v", m.Uplink)
	}
	if m.Jitter.Last != 1.5 || m.Loss.Last != 2 {
		t.Fatalf("unexpected jitter/loss %+v %+v", m.Jitter, m.Loss)
	}
	if m.Intervals != 3 || m.Host != "10.0.0.1" || m.Protocol != "TCP" {
		t.Fatalf("unexpected measurement %+v", m)
	}
	if len(m.Errors) != 1 || m.Errors[0] != "unable to connect" {
		t.Fatalf("unexpected errors %v", m.Errors)
	}
}

func TestDetachStopsCollecting(t *testing.T) {
	p := iperf3.New(strings.NewReader(join(tcpDLLine)), iperf3.WithFollow(true))
	col := NewCollector()
	col.Attach(p)
	col.Detach()
	_ = p.Parse()
	if col.Downlink.Len() != 0 {
		t.Fatalf("detached collector still received samples")
	}
}

func TestArgs(t *testing.T) {
	cfg := Config{Host: "srv", Duration: 5 * time.Second, UDP: true, Bitrate: "20M", Parallel: 2}
	got := strings.Join(cfg.Args("/tmp/x.jsonl"), " ")
	want := "-c srv -p 5201 -t 5 -u -R -b 20M -P 2 --json-stream --forceflush --logfile /tmp/x.jsonl"
	if got != want {
		t.Fatalf("args\n got %q\nwant %q", got, want)
	}

	cfg = Config{Host: "srv", Direction: DirectionBidir}
	if got := strings.Join(cfg.Args("f"), " "); !strings.Contains(got, "--bidir") || strings.Contains(got, "-R") {
		t.Fatalf("unexpected bidir args %q", got)
	}
	cfg = Config{Host: "srv", Direction: DirectionUplink}
	if got := strings.Join(cfg.Args("f"), " "); strings.Contains(got, "-R") {
		t.Fatalf("uplink must not reverse: %q", got)
	}
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	if err := os.WriteFile(path, []byte(join(startLine, tcpDLLine, tcpDLLine, "garbage", endLine)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := Replay(path, logx.Nop())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !m.Complete || m.Downlink.Count != 2 || m.Skipped != 1 || m.Trigger != TriggerReplay {
		t.Fatalf("unexpected measurement %+v", m)
	}
	if !strings.Contains(m.Text(), "DL Mbit/s") {
		t.Fatalf("summary text missing DL line:\n%s", m.Text())
	}
}

func TestReplayMissingFile(t *testing.T) {
	_, err := Replay(filepath.Join(t.TempDir(), "nope"), logx.Nop())
	if !errors.Is(err, iperf3.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestReplayRecordsReadError(t *testing.T) {
	// A directory opens fine but fails on the first read.
	m, err := Replay(t.TempDir(), logx.Nop())
	if err == nil {
		t.Fatalf("expected read error")
	}
	if len(m.Errors) != 1 || !strings.HasPrefix(m.Errors[0], "log read: ") {
		t.Fatalf("errors = %q", m.Errors)
	}
	if m.Complete {
		t.Fatalf("unreadable log must not be complete")
	}
}

// fakeIperf writes a script that appends body to the --logfile argument.
func fakeIperf(t *testing.T, body string, exit int) string {
	t.Helper()
	script := "#!/bin/sh\n" +
		"while [ $# -gt 0 ]; do\n  if [ \"$1\" = \"--logfile\" ]; then out=\"$2\"; fi\n  shift\ndone\n" +
		"cat >> \"$out\" <<'EOF'\n" + body + "EOF\n" +
		"exit " + string(rune('0'+exit)) + "\n"
	path := filepath.Join(t.TempDir(), "iperf3")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunTailsProcessOutput(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{
		Binary:        fakeIperf(t, join(startLine, tcpDLLine, ulLine, endLine), 0),
		Host:          "10.0.0.1",
		LogDir:        dir,
		ParseInterval: iperf3.FastParseInterval,
	}, logx.Nop())

	m, err := r.Run(context.Background(), Request{Trigger: TriggerManual, Speed: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !m.Complete || m.Downlink.Count != 1 || m.Uplink.Count != 1 || m.Speed != 2 {
		t.Fatalf("unexpected measurement %+v", m)
	}
	if r.Running() {
		t.Fatalf("runner still marked running")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("log file not cleaned up: %v", entries)
	}
}

func TestRunWithoutEndUsesEOF(t *testing.T) {
	r := New(Config{
		Binary:        fakeIperf(t, join(startLine, tcpDLLine, errLine), 1),
		Host:          "10.0.0.1",
		LogDir:        t.TempDir(),
		ParseInterval: iperf3.FastParseInterval,
	}, logx.Nop())

	m, err := r.Run(context.Background(), Request{Trigger: TriggerSpeed})
	if err == nil {
		t.Fatalf("expected exit error")
	}
	if m.Complete || m.Downlink.Count != 1 || len(m.Errors) == 0 {
		t.Fatalf("unexpected measurement %+v", m)
	}
}

func TestRunRequiresHost(t *testing.T) {
	r := New(Config{}, logx.Nop())
	if _, err := r.Run(context.Background(), Request{}); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
}
