package socket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebSocketDatagramRoundTrip(t *testing.T) {
	accepted := make(chan *WebSocketDatagram, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := UpgradeWebSocket(w, r)
		if err != nil {
			t.Errorf("UpgradeWebSocket: %v", err)
			return
		}
		accepted <- d
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, err := DialWebSocket(wsURL, nil)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer client.Close()

	var server *WebSocketDatagram
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}
	defer server.Close()

	if err := client.SendTo(nil, []byte("ping")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	buf := make([]byte, 64)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := server.ReceiveFrom(buf)
	if err != nil {
		t.Fatalf("ReceiveFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}
}
