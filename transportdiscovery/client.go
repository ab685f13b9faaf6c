package transportdiscovery

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"streamsdk/address"
	"streamsdk/channel"
	"streamsdk/clock"
	"streamsdk/flowcontrol"
	"streamsdk/handshake"
	"streamsdk/session"
	"streamsdk/socket"
)

// ErrConnectionRefused mirrors transportclient.ErrConnectionRefused for
// the WebSocket connect path.
var ErrConnectionRefused = fmt.Errorf("transportdiscovery: connection refused")

// ErrVersionMismatch mirrors transportclient.ErrVersionMismatch.
var ErrVersionMismatch = fmt.Errorf("transportdiscovery: protocol version mismatch")

// ConnectParams mirrors transportclient.ConnectParams; WebSocket framing
// makes retry-on-timeout unnecessary since the handshake rides one
// already-established, ordered connection.
type ConnectParams struct {
	DeviceID        string
	MaxDatagramSize int
	Platform        string
	MinVersion      int
	MaxVersion      int

	// TLSConfig, when set, is used to dial a "wss://" url instead of the
	// default TLS trust store — pass transportdiscovery.PinnedTLSConfig
	// with the fingerprint a prior UDP HELLO_RESPONSE advertised, to trust
	// the server's self-signed certificate without a CA chain.
	TLSConfig *tls.Config
}

// Connect dials url (a "ws://" or "wss://" endpoint), sends HELLO, and on
// HELLO_RESPONSE returns a live Session whose flow-control instance
// sends and receives over the WebSocket connection instead of a UDP
// socket. Grounded on transportclient.Connect's handshake/negotiate/
// adopt-MTU shape, simplified for a transport that needs no resend loop.
func Connect(url string, header http.Header, p ConnectParams, clk clock.Clock, router *channel.Router) (*session.Session, handshake.HelloResponse, error) {
	d, err := socket.DialWebSocketTLS(url, header, p.TLSConfig)
	if err != nil {
		return nil, handshake.HelloResponse{}, err
	}

	hello := handshake.Hello{
		ProtocolVersion:    p.MaxVersion,
		ProtocolMinVersion: p.MinVersion,
		MaxDatagramSize:    p.MaxDatagramSize,
		DeviceID:           p.DeviceID,
		PlatformInfo:       p.Platform,
	}
	body, err := handshake.Encode(handshake.OpHello, hello)
	if err != nil {
		d.Close()
		return nil, handshake.HelloResponse{}, err
	}
	if err := d.SendTo(nil, body); err != nil {
		d.Close()
		return nil, handshake.HelloResponse{}, err
	}

	d.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := d.ReceiveFrom(buf)
	if err != nil {
		d.Close()
		return nil, handshake.HelloResponse{}, err
	}

	op, payload, err := handshake.Decode(buf[:n])
	if err != nil {
		d.Close()
		return nil, handshake.HelloResponse{}, err
	}

	switch op {
	case handshake.OpConnectionRefused:
		d.Close()
		return nil, handshake.HelloResponse{}, ErrConnectionRefused
	case handshake.OpHello:
		var resp handshake.HelloResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			d.Close()
			return nil, handshake.HelloResponse{}, err
		}
		accepted, ok := handshake.NegotiateVersion(p.MinVersion, p.MaxVersion, resp.ProtocolMinVersion, resp.ProtocolVersion)
		if !ok {
			d.Close()
			return nil, resp, ErrVersionMismatch
		}

		mtu := p.MaxDatagramSize
		if resp.MaxDatagramSize < mtu {
			mtu = resp.MaxDatagramSize
		}

		proto := flowcontrol.New(
			func(datagram []byte) error { return d.SendTo(nil, datagram) },
			router.Dispatch,
			flowcontrol.WithClock(clk),
			flowcontrol.WithMaxFragmentSize(uint32(mtu)),
		)
		if err := proto.UpgradeProtocol(uint8(accepted)); err != nil {
			d.Close()
			return nil, resp, err
		}

		peer := peerAddressFromConn(d)
		sess := session.New(peer, proto, clk)
		return sess, resp, nil
	default:
		d.Close()
		return nil, handshake.HelloResponse{}, fmt.Errorf("transportdiscovery: unexpected opcode %s", op)
	}
}

// peerAddressFromConn resolves d's remote address to an address.Address,
// falling back to a zero-value address if it isn't a TCP-shaped addr
// (WebSocket always rides a TCP or TLS-over-TCP connection in practice).
func peerAddressFromConn(d *socket.WebSocketDatagram) address.Address {
	if tcpAddr, ok := d.PeerAddr().(*net.TCPAddr); ok {
		return address.FromTCPAddr(tcpAddr)
	}
	resolved, err := net.ResolveTCPAddr("tcp", d.PeerAddr().String())
	if err != nil {
		resolved = &net.TCPAddr{}
	}
	return address.FromTCPAddr(resolved)
}
