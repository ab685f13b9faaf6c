package transportserver

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"streamsdk/channel"
	"streamsdk/clock"
	"streamsdk/handshake"
	"streamsdk/session"
	"streamsdk/socket"
)

func newTestUDPServer(t *testing.T) (*UDPServer, *socket.UDPDatagram, *session.Manager) {
	t.Helper()
	listenSock, err := socket.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { listenSock.Close() })

	clk := clock.NewFake(time.Unix(0, 0))
	mgr := session.NewManager(clk)
	router := channel.NewRouter()

	srv := NewUDPServer(listenSock, mgr, router, clk)
	srv.Handshake = HandshakeConfig{
		ServerName:      "test-server",
		MinVersion:      3,
		MaxVersion:      4,
		MaxDatagramSize: 1400,
		Transports:      []string{"UDP"},
	}
	return srv, listenSock, mgr
}

func TestUDPServerAnswersHelloAndRegistersSession(t *testing.T) {
	srv, listenSock, mgr := newTestUDPServer(t)

	clientSock, err := socket.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP client: %v", err)
	}
	defer clientSock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	hello := handshake.Hello{
		ProtocolVersion:    4,
		ProtocolMinVersion: 3,
		MaxDatagramSize:    1200,
		DeviceID:           "dev-1",
		PlatformInfo:       handshake.PlatformLinux,
	}
	body, err := handshake.Encode(handshake.OpHello, hello)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	serverAddr := listenSock.LocalAddr().(*net.UDPAddr)
	if err := clientSock.SendTo(serverAddr, body); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	clientSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := clientSock.ReceiveFrom(buf)
	if err != nil {
		t.Fatalf("ReceiveFrom: %v", err)
	}

	op, payload, err := handshake.Decode(buf[:n])
	if err != nil || op != handshake.OpHello {
		t.Fatalf("got op %v err %v, want OpHello", op, err)
	}
	var resp handshake.HelloResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ServerName != "test-server" || resp.ProtocolVersion != 4 {
		t.Fatalf("got %+v", resp)
	}
	if resp.DatagramSize != 1200 {
		t.Fatalf("got DatagramSize %d, want 1200 (min of client/server max)", resp.DatagramSize)
	}

	if mgr.Len() != 1 {
		t.Fatalf("expected one registered session after HELLO, got %d", mgr.Len())
	}
}

func TestUDPServerRefusesVersionMismatch(t *testing.T) {
	srv, listenSock, mgr := newTestUDPServer(t)
	srv.Handshake.MinVersion = 5
	srv.Handshake.MaxVersion = 5

	clientSock, err := socket.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP client: %v", err)
	}
	defer clientSock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	hello := handshake.Hello{ProtocolVersion: 4, ProtocolMinVersion: 3, MaxDatagramSize: 1200, DeviceID: "dev-2"}
	body, _ := handshake.Encode(handshake.OpHello, hello)
	serverAddr := listenSock.LocalAddr().(*net.UDPAddr)
	clientSock.SendTo(serverAddr, body)

	clientSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := clientSock.ReceiveFrom(buf)
	if err != nil {
		t.Fatalf("ReceiveFrom: %v", err)
	}
	op, _, err := handshake.Decode(buf[:n])
	if err != nil || op != handshake.OpConnectionRefused {
		t.Fatalf("got op %v err %v, want OpConnectionRefused", op, err)
	}
	if mgr.Len() != 0 {
		t.Fatalf("expected no session registered on refusal, got %d", mgr.Len())
	}
}

func TestUDPServerDiscoveryDoesNotCreateSession(t *testing.T) {
	srv, listenSock, mgr := newTestUDPServer(t)

	clientSock, err := socket.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP client: %v", err)
	}
	defer clientSock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	body, _ := handshake.Encode(handshake.OpDiscovery, handshake.Discovery{})
	serverAddr := listenSock.LocalAddr().(*net.UDPAddr)
	clientSock.SendTo(serverAddr, body)

	clientSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := clientSock.ReceiveFrom(buf)
	if err != nil {
		t.Fatalf("ReceiveFrom: %v", err)
	}
	op, _, err := handshake.Decode(buf[:n])
	if err != nil || op != handshake.OpHello {
		t.Fatalf("got op %v err %v, want OpHello (HELLO_RESPONSE payload)", op, err)
	}
	if mgr.Len() != 0 {
		t.Fatalf("discovery must not create session state, got %d", mgr.Len())
	}
}
