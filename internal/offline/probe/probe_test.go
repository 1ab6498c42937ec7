package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openarchive/docsync/internal/offline/events"
)

// fakePinger fails or succeeds on demand.
type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func collect(sub chan events.Event, n int, t *testing.T) []events.Type {
	t.Helper()
	var types []events.Type
	for len(types) < n {
		select {
		case ev := <-sub:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for events, saw %v", types)
		}
	}
	return types
}

func TestCheckNowPublishesTransitions(t *testing.T) {
	pinger := &fakePinger{}
	bus := events.NewBroadcaster()
	w := New(pinger, bus, &Config{Interval: time.Hour, Timeout: time.Second})

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// First observation is always a transition.
	if online := w.CheckNow(context.Background()); !online {
		t.Fatal("Expected online")
	}
	if got := collect(sub, 1, t); got[0] != events.TypeOnline {
		t.Errorf("Expected online event, got %v", got)
	}

	// Same state again: no event.
	w.CheckNow(context.Background())
	select {
	case ev := <-sub:
		t.Errorf("Unexpected event for unchanged state: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// Going offline publishes once.
	pinger.set(errors.New("connection refused"))
	if online := w.CheckNow(context.Background()); online {
		t.Fatal("Expected offline")
	}
	if got := collect(sub, 1, t); got[0] != events.TypeOffline {
		t.Errorf("Expected offline event, got %v", got)
	}
	if w.Online() {
		t.Error("Online() should report the observed state")
	}

	// Recovery publishes online again.
	pinger.set(nil)
	w.CheckNow(context.Background())
	if got := collect(sub, 1, t); got[0] != events.TypeOnline {
		t.Errorf("Expected online event, got %v", got)
	}
}

func TestOnlineDefaultsFalseBeforeFirstProbe(t *testing.T) {
	w := New(&fakePinger{}, events.NewBroadcaster(), nil)
	if w.Online() {
		t.Error("Expected false before the first probe")
	}
}

func TestStartProbesImmediately(t *testing.T) {
	pinger := &fakePinger{}
	bus := events.NewBroadcaster()
	w := New(pinger, bus, &Config{Interval: time.Hour, Timeout: time.Second})

	w.Start()
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !w.Online() {
		if time.Now().After(deadline) {
			t.Fatal("Start never ran the initial probe")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
