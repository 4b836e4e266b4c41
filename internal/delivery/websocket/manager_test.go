package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialManager(t *testing.T, server *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

func TestManager_ServeHTTPGreets(t *testing.T) {
	manager := NewManager(ManagerConfig{
		Greeting: func() [][]byte {
			view, _ := Encode(TypeView, map[string]string{"phase": "awaiting_start"})
			session, _ := Encode(TypeSession, map[string]string{"status": "disconnected"})
			return [][]byte{view, session}
		},
	})
	defer manager.Close()

	server := httptest.NewServer(manager)
	defer server.Close()

	conn := dialManager(t, server, nil)
	defer conn.Close()

	hello := readType(t, conn, TypeConnected)
	data, _ := hello.Data.(map[string]any)
	if id, _ := data["client_id"].(string); id == "" {
		t.Error("expected a client id in the greeting")
	}
	readType(t, conn, TypeView)
	readType(t, conn, TypeSession)
}

func TestManager_Broadcast(t *testing.T) {
	manager := NewManager(ManagerConfig{})
	defer manager.Close()

	server := httptest.NewServer(manager)
	defer server.Close()

	a := dialManager(t, server, nil)
	defer a.Close()
	b := dialManager(t, server, nil)
	defer b.Close()

	waitFor(t, func() bool { return manager.ActiveCount() == 2 })

	if err := manager.BroadcastJSON(TypePrompt, map[string]string{"id": "p-1"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readType(t, conn, TypePrompt)
		data, _ := msg.Data.(map[string]any)
		if data["id"] != "p-1" {
			t.Errorf("expected prompt p-1, got %v", data["id"])
		}
	}

	stats := manager.Stats()
	if stats.TotalConnections != 2 {
		t.Errorf("expected 2 total connections, got %d", stats.TotalConnections)
	}
	if stats.MessagesDelivered < 2 {
		t.Errorf("expected at least 2 delivered messages, got %d", stats.MessagesDelivered)
	}
}

func TestManager_ClientDisconnectUnregisters(t *testing.T) {
	manager := NewManager(ManagerConfig{})
	defer manager.Close()

	server := httptest.NewServer(manager)
	defer server.Close()

	conn := dialManager(t, server, nil)
	waitFor(t, func() bool { return manager.ActiveCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return manager.ActiveCount() == 0 })
}

func TestManager_OriginRejected(t *testing.T) {
	manager := NewManager(ManagerConfig{AllowedOrigins: []string{"https://lottery.example"}})
	defer manager.Close()

	server := httptest.NewServer(manager)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestManager_CheckOrigin(t *testing.T) {
	manager := NewManager(ManagerConfig{AllowedOrigins: []string{"https://lottery.example", "*.pages.dev"}})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://lottery.example", true},
		{"HTTPS://LOTTERY.EXAMPLE", true},
		{"https://preview.pages.dev", true},
		{"https://evil.example", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := manager.checkOrigin(r); got != tc.want {
			t.Errorf("origin %q: expected %v, got %v", tc.origin, tc.want, got)
		}
	}
}

func TestManager_ReplaceExistingConnection(t *testing.T) {
	manager := NewManager(ManagerConfig{})
	defer manager.Close()

	dests := make(chan *Destination, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dests <- manager.HandleConnection("same-client", conn)
	}))
	defer server.Close()

	conn1 := dialManager(t, server, nil)
	defer conn1.Close()
	first := <-dests

	conn2 := dialManager(t, server, nil)
	defer conn2.Close()
	second := <-dests

	if !first.IsClosed() {
		t.Error("expected first connection to be closed")
	}
	got, ok := manager.Get("same-client")
	if !ok || got != second {
		t.Error("expected second connection to be registered")
	}
	if manager.ActiveCount() != 1 {
		t.Errorf("expected 1 active connection, got %d", manager.ActiveCount())
	}
}

func TestManager_Unregister(t *testing.T) {
	manager := NewManager(ManagerConfig{})
	defer manager.Close()

	server := httptest.NewServer(manager)
	defer server.Close()

	conn := dialManager(t, server, nil)
	defer conn.Close()
	hello := readType(t, conn, TypeConnected)
	data, _ := hello.Data.(map[string]any)
	id, _ := data["client_id"].(string)

	if _, ok := manager.Get(id); !ok {
		t.Fatal("client should be registered")
	}

	manager.Unregister(id)

	if _, ok := manager.Get(id); ok {
		t.Error("client should be unregistered")
	}
}
