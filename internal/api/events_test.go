package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEventsSnapshotAfterRegister(t *testing.T) {
	hub := NewHub(nil)
	var registered atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.serveEvents(w, r, func() []Event {
			registered.Store(int32(hub.Count()))
			// A change landing while the snapshot is built must not be lost.
			go hub.Broadcast(Event{Event: EventUnreadChanged, Data: map[string]int{"total": 2}})
			return []Event{{Event: EventUnreadChanged, Data: map[string]int{"total": 1}}}
		})
	}))
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var totals []int
	for i := 0; i < 2; i++ {
		var ev struct {
			Event string         `json:"event"`
			Data  map[string]int `json:"data"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("Read event %d failed: %v", i, err)
		}
		totals = append(totals, ev.Data["total"])
	}

	if registered.Load() != 1 {
		t.Errorf("Expected client registered before snapshot, got %d clients", registered.Load())
	}
	if totals[0] != 1 || totals[1] != 2 {
		t.Errorf("Expected snapshot then broadcast, got totals %v", totals)
	}
}
