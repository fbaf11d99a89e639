package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"driveperf/internal/runner"
	logx "driveperf/pkg/logx"
	"driveperf/pkg/stats"
)

type fakeAPI struct {
	mu    sync.Mutex
	texts []string
	chats []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	if strings.HasSuffix(r.URL.Path, "/sendMessage") {
		f.texts = append(f.texts, body["text"].(string))
		f.chats = append(f.chats, body["chat_id"].(string))
	}
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
}

func newTestNotifier(t *testing.T) (*Notifier, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	n, err := New(Config{Token: "123:abc", ChatID: 42, RatePerMinute: 6000, APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return n, api
}

func TestNotifyMeasurement(t *testing.T) {
	n, api := newTestNotifier(t)
	m := runner.Measurement{
		Trigger:  runner.TriggerSpeed,
		Host:     "10.0.0.1",
		Complete: true,
		Downlink: stats.Summary{Count: 1, Min: 1e6, Median: 1e6, Mean: 1e6, Max: 1e6, Last: 1e6},
	}
	if err := n.NotifyMeasurement(context.Background(), m); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(api.texts) != 1 || !strings.Contains(api.texts[0], "DL Mbit/s: min 1.0") {
		t.Fatalf("unexpected messages %q", api.texts)
	}
	if api.chats[0] != "42" {
		t.Fatalf("unexpected chat %q", api.chats[0])
	}
}

func TestLongTextIsSplit(t *testing.T) {
	n, api := newTestNotifier(t)
	line := strings.Repeat("x", 99) + "\n"
	if err := n.SendText(context.Background(), strings.Repeat(line, 100)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(api.texts) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(api.texts))
	}
	for _, c := range api.texts {
		if len([]rune(c)) > textLimit {
			t.Fatalf("chunk exceeds limit: %d", len(c))
		}
	}
}

func TestEmptyToken(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err != ErrNoToken {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected split %q", got)
	}
	got := splitText("aaaa\nbbbb\ncccc", 10)
	if len(got) != 2 || got[0] != "aaaa\nbbbb" || got[1] != "cccc" {
		t.Fatalf("unexpected split %q", got)
	}
}
