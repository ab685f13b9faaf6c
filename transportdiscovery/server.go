// Package transportdiscovery serves the spec's HELLO handshake (a
// connection whose first message is not HELLO, DISCOVERY included, is
// closed) and an ongoing session's flow-control fragments over a WebSocket
// upgrade instead of raw UDP, for peers on networks that block UDP but
// allow outbound HTTPS.
//
// Grounded on server/server.go's http.Server{Addr, Handler, TLSConfig,
// ReadHeaderTimeout, IdleTimeout} + ListenAndServeTLS("", "") + graceful
// Shutdown idiom for the listener, and server/internal/ws/handler.go's
// "first message must be hello, then loop" shape for the per-connection
// state machine — generalized from that handler's JSON chat hello to
// this spec's handshake.Hello/HelloResponse negotiation.
package transportdiscovery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
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
	"streamsdk/transportserver"
)

// Server upgrades HTTP requests on its handshake path to WebSocket
// connections, each of which then carries one peer's full session after
// an initial HELLO/HELLO_RESPONSE exchange.
type Server struct {
	Addr        string
	Path        string // defaults to "/ws" when empty
	TLSConfig   *tls.Config
	IdleTimeout time.Duration

	Manager *session.Manager
	Router  *channel.Router
	Clock   clock.Clock

	// Handshake reuses transportserver's HandshakeConfig so both
	// transports advertise and admit peers identically.
	Handshake transportserver.HandshakeConfig

	log *slog.Logger
}

// Handler builds the HTTP mux serving the handshake path, separated from
// Run so tests can drive it through httptest.NewServer without standing
// up a real TLS listener.
func (s *Server) Handler(ctx context.Context) http.Handler {
	if s.log == nil {
		s.log = slog.Default()
	}
	path := s.Path
	if path == "" {
		path = "/ws"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		d, err := socket.UpgradeWebSocket(w, r)
		if err != nil {
			s.log.Warn("transportdiscovery: upgrade failed", "err", err)
			return
		}
		peer := peerAddressFromRemote(r.RemoteAddr)
		s.serveConn(ctx, d, peer)
	})
	return mux
}

// Run serves until ctx is canceled, grounded on server/server.go's
// ListenAndServeTLS + context-triggered Shutdown pairing.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(ctx),
		TLSConfig:         s.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("transportdiscovery: shutdown", "err", err)
		}
	}()

	s.log.Info("transportdiscovery: listening", "addr", s.Addr, "path", s.Path)

	err := httpSrv.ListenAndServeTLS("", "")
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// peerAddressFromRemote resolves an http.Request.RemoteAddr to an
// address.Address, falling back to a zero-port entry if it doesn't parse
// (RemoteAddr is always host:port in practice, but never guaranteed).
func peerAddressFromRemote(remote string) address.Address {
	tcpAddr, err := net.ResolveTCPAddr("tcp", remote)
	if err != nil {
		tcpAddr = &net.TCPAddr{}
	}
	return address.FromTCPAddr(tcpAddr)
}

// serveConn runs one connection's full lifecycle: it must open with a
// HELLO, and on acceptance becomes that peer's session transport for as
// long as the socket stays open.
func (s *Server) serveConn(ctx context.Context, d *socket.WebSocketDatagram, peer address.Address) {
	defer d.Close()

	buf := make([]byte, 64*1024)
	n, _, err := d.ReceiveFrom(buf)
	if err != nil {
		return
	}

	op, body, err := handshake.Decode(buf[:n])
	if err != nil || op != handshake.OpHello {
		s.log.Debug("transportdiscovery: first message was not HELLO")
		return
	}

	var req handshake.Hello
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}

	accepted, ok := handshake.NegotiateVersion(s.Handshake.MinVersion, s.Handshake.MaxVersion, req.ProtocolMinVersion, req.ProtocolVersion)
	if !ok {
		s.refuse(d)
		return
	}
	if s.Handshake.AdmitDevice != nil && !s.Handshake.AdmitDevice(req.DeviceID, peer) {
		s.refuse(d)
		return
	}

	mtu := s.Handshake.MaxDatagramSize
	if req.MaxDatagramSize > 0 && req.MaxDatagramSize < mtu {
		mtu = req.MaxDatagramSize
	}

	proto := flowcontrol.New(
		func(datagram []byte) error { return d.SendTo(nil, datagram) },
		s.Router.Dispatch,
		flowcontrol.WithClock(s.Clock),
		flowcontrol.WithMaxFragmentSize(uint32(mtu)),
	)
	sess := session.New(peer, proto, s.Clock)
	if err := sess.Unicast.UpgradeProtocol(uint8(accepted)); err != nil {
		s.refuse(d)
		return
	}
	s.Manager.Register(sess)
	defer s.Manager.Unregister(sess)

	if s.Handshake.OnConnected != nil {
		s.Handshake.OnConnected(req.DeviceID, peer)
	}

	resp := handshake.HelloResponse{
		ServerName:         s.Handshake.ServerName,
		ProtocolVersion:    accepted,
		ProtocolMinVersion: s.Handshake.MinVersion,
		DatagramSize:       mtu,
		MaxDatagramSize:    s.Handshake.MaxDatagramSize,
		Port:               s.Handshake.Port,
		Transports:         s.Handshake.Transports,
		WSFingerprint:      s.Handshake.WSFingerprint,
	}
	respBody, err := handshake.Encode(handshake.OpHello, resp)
	if err != nil {
		return
	}
	if err := d.SendTo(nil, respBody); err != nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		d.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := d.ReceiveFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		sess.Touch()
		datagram := append([]byte(nil), buf[:n]...)
		if err := sess.Unicast.ProcessFragment(datagram); err != nil {
			s.log.Warn("transportdiscovery: fragment processing failed", "session", sess.ID, "err", err)
		}
	}
}

func (s *Server) refuse(d *socket.WebSocketDatagram) {
	body, err := handshake.Encode(handshake.OpConnectionRefused, handshake.ConnectionRefused{})
	if err != nil {
		return
	}
	_ = d.SendTo(nil, body)
}
