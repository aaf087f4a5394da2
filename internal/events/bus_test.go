package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Source: SourceRegistry,
		Kind:   KindServerConnected,
		Data:   map[string]any{"server": "files"},
	})

	select {
	case e := <-ch:
		if e.Source != SourceRegistry || e.Kind != KindServerConnected {
			t.Errorf("got %s/%s", e.Source, e.Kind)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp was not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Fill the buffer, then publish again — the second event is dropped
	// rather than blocking.
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Source: SourceAgent, Kind: KindLoopDone})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	e := <-ch
	if e.Kind != KindTurnStart {
		t.Errorf("kind = %q, want the first event", e.Kind)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel should be closed after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", b.SubscriberCount())
	}

	// Double-unsubscribe is a no-op.
	b.Unsubscribe(ch)
}

func TestBus_NilSafe(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	if b.SubscriberCount() != 0 {
		t.Error("nil bus should report zero subscribers")
	}
}
