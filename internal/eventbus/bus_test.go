package eventbus

import "testing"

func TestTopicFilter(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	runs, unsubRuns := b.Subscribe(4, TopicRunFinished)
	defer unsubRuns()

	b.Publish(Event{Type: TopicSpeedLow})
	b.Publish(Event{Type: TopicRunFinished, Data: 1})

	if len(all) != 2 {
		t.Fatalf("expected 2 events on unfiltered sub, got %d", len(all))
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 event on filtered sub, got %d", len(runs))
	}
	if e := <-runs; e.Type != TopicRunFinished || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: TopicSpeedLow})
	b.Publish(Event{Type: TopicSpeedLow})
	if d := b.Dropped(); d != 1 {
		t.Fatalf("expected 1 dropped, got %d", d)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(Event{Type: TopicSpeedLow})
}
