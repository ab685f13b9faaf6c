// WebSocket datagram support: a second alternative Datagram transport to
// raw UDP, for peers whose network lets through plain WebSocket upgrades
// but not UDP or HTTP/3. Grounded on server/internal/ws/handler.go's
// websocket.Upgrader{CheckOrigin} + Upgrade(w, r, nil) idiom and its
// message read/write loop, generalized from that handler's JSON chat
// protocol to carrying this core's binary flow-control fragments.
package socket

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader is shared by every WebSocketDatagram server-side accept; a
// single Upgrader is safe for concurrent use across requests.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// WebSocketDatagram adapts one *websocket.Conn to the Datagram interface,
// treating each binary WebSocket message as one datagram.
type WebSocketDatagram struct {
	conn     *websocket.Conn
	peerAddr net.Addr

	writeMu sync.Mutex
}

// UpgradeWebSocket upgrades an inbound HTTP request to a WebSocket
// connection and wraps it as a Datagram, reporting r.RemoteAddr as the
// peer for every subsequent ReceiveFrom.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocketDatagram, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("socket: websocket upgrade: %w", err)
	}
	peerAddr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	if err != nil {
		peerAddr = &net.TCPAddr{}
	}
	return &WebSocketDatagram{conn: conn, peerAddr: peerAddr}, nil
}

// DialWebSocket opens a client-side WebSocket connection to url (a
// "ws://" or "wss://" endpoint) and wraps it as a Datagram.
func DialWebSocket(url string, header http.Header) (*WebSocketDatagram, error) {
	return DialWebSocketTLS(url, header, nil)
}

// DialWebSocketTLS is DialWebSocket with an explicit tlsConfig, for a
// "wss://" endpoint presenting a self-signed certificate that the caller
// verifies itself (see transportdiscovery.PinnedTLSConfig) rather than
// against a CA chain. A nil tlsConfig behaves exactly like DialWebSocket.
func DialWebSocketTLS(url string, header http.Header, tlsConfig *tls.Config) (*WebSocketDatagram, error) {
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = tlsConfig
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("socket: websocket dial: %w", err)
	}
	peerAddr, err := net.ResolveTCPAddr("tcp", conn.RemoteAddr().String())
	if err != nil {
		peerAddr = &net.TCPAddr{}
	}
	return &WebSocketDatagram{conn: conn, peerAddr: peerAddr}, nil
}

func (d *WebSocketDatagram) SendTo(_ net.Addr, b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (d *WebSocketDatagram) ReceiveFrom(buf []byte) (int, net.Addr, error) {
	_, data, err := d.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	return copy(buf, data), d.peerAddr, nil
}

func (d *WebSocketDatagram) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// PeerAddr reports the address this connection was accepted from or
// dialed to, for callers that need a stable peer identity (e.g. to build
// a session.Session) beyond what the Datagram interface itself exposes.
func (d *WebSocketDatagram) PeerAddr() net.Addr { return d.peerAddr }

func (d *WebSocketDatagram) SetReadDeadline(t time.Time) error {
	return d.conn.SetReadDeadline(t)
}

func (d *WebSocketDatagram) Close() error {
	return d.conn.Close()
}
