package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSubscribePublish(t *testing.T) {
	b := NewBroadcaster()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: TypeOnline})

	select {
	case ev := <-sub:
		if ev.Type != TypeOnline {
			t.Errorf("Expected type %s, got %s", TypeOnline, ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Expected timestamp to be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestPublishFansOut(t *testing.T) {
	b := NewBroadcaster()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	if b.Count() != 2 {
		t.Fatalf("Expected 2 subscribers, got %d", b.Count())
	}

	b.Publish(Event{Type: TypeSyncStart})

	for i, sub := range []chan Event{sub1, sub2} {
		select {
		case ev := <-sub:
			if ev.Type != TypeSyncStart {
				t.Errorf("Subscriber %d: expected %s, got %s", i, TypeSyncStart, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d: timed out", i)
		}
	}
}

func TestSlowConsumerDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Overfill the subscriber buffer; publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: TypeSyncStart})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow consumer")
	}
}

func TestPublishData(t *testing.T) {
	b := NewBroadcaster()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.PublishData(TypeSyncComplete, SyncResultData{Applied: 3, Remaining: 1})

	select {
	case ev := <-sub:
		var data SyncResultData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal event data: %v", err)
		}
		if data.Applied != 3 || data.Remaining != 1 {
			t.Errorf("Unexpected data: %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if _, ok := <-sub; ok {
		t.Error("Expected channel to be closed after unsubscribe")
	}
	if b.Count() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", b.Count())
	}

	// Double unsubscribe must be safe.
	b.Unsubscribe(sub)
}
