package transportdiscovery

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamsdk/channel"
	"streamsdk/clock"
	"streamsdk/session"
	"streamsdk/transportserver"
)

func TestConnectHandshakesAndDispatchesOverWebSocket(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	mgr := session.NewManager(clk)
	router := channel.NewRouter()

	received := make(chan []byte, 1)
	router.On(channel.Service, func(_ uint16, payload []byte) {
		received <- payload
	})

	srv := &Server{
		Manager: mgr,
		Router:  router,
		Clock:   clk,
		Handshake: transportserver.HandshakeConfig{
			ServerName:      "test-server",
			MinVersion:      3,
			MaxVersion:      4,
			MaxDatagramSize: 1200,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := httptest.NewServer(srv.Handler(ctx))
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	sess, resp, err := Connect(wsURL, nil, ConnectParams{
		DeviceID:        "device-1",
		MaxDatagramSize: 1200,
		MinVersion:      3,
		MaxVersion:      4,
	}, clk, router)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if resp.ServerName != "test-server" {
		t.Fatalf("got server name %q, want test-server", resp.ServerName)
	}

	if _, err := sess.Unicast.Send(channel.Service, []byte("hello")); err != nil {
		t.Fatalf("client Send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("got %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch over websocket")
	}

	if mgr.Len() != 1 {
		t.Fatalf("expected one registered session, got %d", mgr.Len())
	}
}

func TestConnectRefusedOnVersionMismatch(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	mgr := session.NewManager(clk)
	router := channel.NewRouter()

	srv := &Server{
		Manager: mgr,
		Router:  router,
		Clock:   clk,
		Handshake: transportserver.HandshakeConfig{
			ServerName: "test-server",
			MinVersion: 5,
			MaxVersion: 5,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := httptest.NewServer(srv.Handler(ctx))
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, _, err := Connect(wsURL, nil, ConnectParams{
		DeviceID:   "device-1",
		MinVersion: 1,
		MaxVersion: 2,
	}, clk, router)
	if err != ErrVersionMismatch {
		t.Fatalf("got err %v, want ErrVersionMismatch", err)
	}
}
