// WebTransport datagram support: an alternative Datagram transport to raw
// UDP for peers behind networks that firewall bare UDP but allow HTTPS,
// carrying the same flow-control fragments as quic-go/webtransport-go
// session datagrams instead of net.UDPConn packets.
//
// Grounded on client/transport.go's Dialer{TLSClientConfig, QUICConfig}
// .Dial(ctx, url, header) session setup and its SendDatagram/
// ReceiveDatagram data path; server.go's internal/ws upgrade handler
// shows the accepted-connection-wrapping idiom this package's
// AdoptWebTransportSession generalizes to a session the caller accepted
// some other way (this core does not itself stand up an HTTP/3 listener).
package socket

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// WebTransportDatagram adapts one *webtransport.Session — already bound to
// exactly one peer — to the Datagram interface. SendTo's addr parameter is
// ignored (the session has nowhere else to send); ReceiveFrom always
// reports peerAddr as the sender.
type WebTransportDatagram struct {
	sess     *webtransport.Session
	peerAddr net.Addr

	mu       sync.Mutex
	deadline time.Time
}

func (d *WebTransportDatagram) SendTo(_ net.Addr, b []byte) error {
	return d.sess.SendDatagram(b)
}

func (d *WebTransportDatagram) ReceiveFrom(buf []byte) (int, net.Addr, error) {
	d.mu.Lock()
	dl := d.deadline
	d.mu.Unlock()

	ctx := context.Background()
	if !dl.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}

	data, err := d.sess.ReceiveDatagram(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, errDeadlineExceeded{}
		}
		return 0, nil, err
	}
	return copy(buf, data), d.peerAddr, nil
}

// LocalAddr returns peerAddr as a stand-in: *webtransport.Session exposes
// no local-address accessor in its confirmed API surface, and callers
// only use LocalAddr to identify which socket a datagram arrived on.
func (d *WebTransportDatagram) LocalAddr() net.Addr { return d.peerAddr }

func (d *WebTransportDatagram) SetReadDeadline(t time.Time) error {
	d.mu.Lock()
	d.deadline = t
	d.mu.Unlock()
	return nil
}

func (d *WebTransportDatagram) Close() error {
	return d.sess.CloseWithError(0, "closed")
}

// errDeadlineExceeded implements net.Error so Selector and the
// server/client read loops treat a WebTransport datagram deadline the
// same way they treat a UDP read timeout.
type errDeadlineExceeded struct{}

func (errDeadlineExceeded) Error() string   { return "socket: webtransport read deadline exceeded" }
func (errDeadlineExceeded) Timeout() bool   { return true }
func (errDeadlineExceeded) Temporary() bool { return true }

// DefaultWebTransportQUICConfig mirrors the teacher's Dialer.QUICConfig:
// datagrams enabled, partial stream-reset delivery enabled.
var DefaultWebTransportQUICConfig = &quic.Config{
	EnableDatagrams:                  true,
	EnableStreamResetPartialDelivery: true,
}

// DialWebTransport opens a WebTransport session to url (an "https://"
// endpoint) and wraps it as a Datagram, for peers behind networks that
// block bare UDP broadcast/unicast but permit HTTPS.
func DialWebTransport(ctx context.Context, url string, tlsConf *tls.Config) (*WebTransportDatagram, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	dialer := webtransport.Dialer{
		TLSClientConfig: tlsConf,
		QUICConfig:      DefaultWebTransportQUICConfig,
	}
	_, sess, err := dialer.Dial(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	peerAddr, _ := net.ResolveUDPAddr("udp", url)
	return &WebTransportDatagram{sess: sess, peerAddr: peerAddr}, nil
}

// AdoptWebTransportSession wraps a session the caller accepted through its
// own webtransport.Server, recording peerAddr for ReceiveFrom to report.
func AdoptWebTransportSession(sess *webtransport.Session, peerAddr net.Addr) *WebTransportDatagram {
	return &WebTransportDatagram{sess: sess, peerAddr: peerAddr}
}
