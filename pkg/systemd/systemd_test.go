package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("expected no-op, got sent=%v err=%v", sent, err)
	}
	if WatchdogInterval() != 0 {
		t.Fatalf("expected disabled watchdog")
	}

	done := make(chan struct{})
	go func() {
		RunWatchdog(context.Background(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunWatchdog must return when disabled")
	}
}
