package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeSender) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestFormatChatJSON(t *testing.T) {
	msg := formatChatJSON([]byte(`{"level":"warn","time":"x","message":"iperf3 run failed","comp":"runner"}`))
	if !strings.HasPrefix(msg, "[WARN] iperf3 run failed") {
		t.Fatalf("unexpected message %q", msg)
	}
	if !strings.Contains(msg, "- comp=runner") {
		t.Fatalf("missing field in %q", msg)
	}
	if got := formatChatJSON([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("unexpected raw message %q", got)
	}
}

func TestChatSinkHonorsMinLevel(t *testing.T) {
	fs := &fakeSender{}
	svc, log := New(Config{Level: "DEBUG", Chat: ChatConfig{Enabled: true, MinLevel: "WARN", RatePerSec: 100}}, fs)
	defer svc.Close()

	log.Info("below min level")
	log.Warn("at min level")

	deadline := time.Now().Add(2 * time.Second)
	for fs.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := fs.count(); n != 1 {
		t.Fatalf("expected 1 forwarded message, got %d", n)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("expected zero logger")
	}
	l.Info("no-op")
	Nop().With(String("k", "v")).Error("no-op")
}
