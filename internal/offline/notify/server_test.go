package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/openarchive/docsync/internal/offline/client"
	"github.com/openarchive/docsync/internal/offline/engine"
	"github.com/openarchive/docsync/internal/offline/events"
	"github.com/openarchive/docsync/internal/offline/store"
)

type okApplier struct{}

func (okApplier) ApplyChange(ctx context.Context, change *store.PendingChange) error { return nil }

type onlineReporter struct{}

func (onlineReporter) Online() bool { return true }

func startTestServer(t *testing.T) (*Server, *events.Broadcaster) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	bus := events.NewBroadcaster()
	eng, err := engine.New(st, okApplier{}, bus, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	facade, err := client.New(st, eng, nil, onlineReporter{}, bus, nil)
	if err != nil {
		t.Fatalf("Failed to create facade: %v", err)
	}

	srv, err := NewServer(facade, bus, &Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	return srv, bus
}

func TestWebSocketReceivesSnapshotAndEvents(t *testing.T) {
	srv, bus := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The first frame is the status snapshot.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Snapshot is not JSON: %v", err)
	}
	if !snap.Online {
		t.Errorf("Expected online snapshot, got %+v", snap)
	}

	// Wait for the relay to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Client never registered, count=%d", srv.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{Type: events.TypeSyncStart})

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read relayed event: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Event is not JSON: %v", err)
	}
	if ev.Type != events.TypeSyncStart {
		t.Errorf("Expected sync_start, got %s", ev.Type)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get("http://" + srv.Addr() + "/status")
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("Status is not JSON: %v", err)
	}
	if !snap.Online || snap.SyncStatus != string(engine.StatusIdle) {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("Failed to get health: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Health is not JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Unexpected health body: %v", body)
	}
}
