package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubBroadcastsToRegisteredClients(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	go hub.Run()

	client := make(chan []byte, 1)
	hub.register <- client

	hub.BroadcastEvent(NewTimedEvent("session_open", time.Now()))

	select {
	case data := <-client:
		var evt DashboardEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Type != "timed" {
			t.Fatalf("expected type timed, got %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	hub.unregister <- client
}

func TestHubDropsSlowClientWithoutBlocking(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	go hub.Run()

	client := make(chan []byte) // unbuffered, never read: forces the drop path
	hub.register <- client

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.BroadcastEvent(NewTimedEvent("tick", time.Now()))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}
