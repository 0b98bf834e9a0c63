package livereload

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestServer_Broadcast(t *testing.T) {
	srv := NewServer(nil)
	conn := dial(t, srv)

	d := Decision{
		Kind:     DecisionHMR,
		Updates:  []Update{{ID: "/build/index.js", RouteID: "routes/_index", URL: "/build/index.js"}},
		Manifest: &Manifest{Version: "2"},
		At:       time.UnixMilli(1700000000000),
	}
	if n := srv.Broadcast(d); n != 1 {
		t.Fatalf("Broadcast() = %d, want 1", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type           string `json:"type"`
		AssetsManifest struct {
			Version string `json:"version"`
		} `json:"assetsManifest"`
		HMR struct {
			Timestamp int64    `json:"timestamp"`
			Updates   []Update `json:"updates"`
		} `json:"hmr"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != "HMR" || msg.AssetsManifest.Version != "2" || msg.HMR.Timestamp != 1700000000000 {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.HMR.Updates) != 1 || msg.HMR.Updates[0].RouteID != "routes/_index" {
		t.Errorf("updates = %+v", msg.HMR.Updates)
	}

	if n := srv.Broadcast(Decision{Kind: DecisionFullReload}); n != 1 {
		t.Fatalf("Broadcast(reload) = %d", n)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(data) != `{"type":"RELOAD"}` {
		t.Errorf("reload message = %s", data)
	}

	if n := srv.Broadcast(Decision{Kind: DecisionNone}); n != 0 {
		t.Errorf("Broadcast(none) = %d, want 0", n)
	}
}

func TestServer_Close(t *testing.T) {
	srv := NewServer(nil)
	conn := dial(t, srv)

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if srv.Clients() != 0 {
		t.Errorf("Clients() = %d after Close", srv.Clients())
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage() error = %v, want going-away close", err)
	}
}

func TestMessage_EmptyHMRStillHasUpdates(t *testing.T) {
	data := Message(Decision{Kind: DecisionHMR})
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(msg["hmr"]), `"updates":[]`) {
		t.Errorf("hmr = %s", msg["hmr"])
	}
}
