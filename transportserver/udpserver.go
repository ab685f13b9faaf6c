package transportserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"streamsdk/address"
	"streamsdk/channel"
	"streamsdk/clock"
	"streamsdk/flowcontrol"
	"streamsdk/handshake"
	"streamsdk/metrics"
	"streamsdk/session"
	"streamsdk/socket"
)

// UDPServer implements spec §4.5's "a UDP server shares a single bound
// socket across all peer sessions; inbound datagrams are routed to a
// session by peer address." Unlike StreamServer, there is no accept step:
// a session is created lazily on the first datagram from a new peer.
//
// A datagram from an unrecognized peer is first tried as a flow-control
// fragment (the data-plane path original_source's DiscoveryServerSessionImpl
// also keeps open for a peer whose handshake already completed out of
// band); only once that fails to decode is it tried as a pre-session
// HELLO/DISCOVERY handshake message, grounded on
// DiscoveryServerSessionImpl::OnCompleteMessage's DISCOVERY/HELLO handling.
type UDPServer struct {
	sock    *socket.UDPDatagram
	manager *session.Manager
	router  *channel.Router
	clk     clock.Clock
	log     *slog.Logger

	maxFragmentSize uint32

	// AdmitPeer, when set, is consulted before a lazily-created session's
	// flow-control instance is wired up — e.g. to reject an unrecognized
	// peer before any state is allocated. A nil or true-returning hook
	// admits the peer.
	AdmitPeer func(peer address.Address) bool

	// Handshake configures this server's response to DISCOVERY/HELLO
	// messages (spec §4.7). A zero-value Handshake silently drops both —
	// set it to accept new peers over UDP.
	Handshake HandshakeConfig

	// RecordingDir, when non-empty, captures every inbound datagram for
	// each session to a file under this directory (see SessionRecorder).
	// Empty disables recording entirely.
	RecordingDir string

	// Metrics, when non-nil, is fed fragment/retransmission/MTU/drop
	// events from every session's flow-control instance.
	Metrics *metrics.Registry

	recMu     sync.Mutex
	recorders map[string]*SessionRecorder
}

// HandshakeConfig is a UDPServer's advertised identity and acceptance
// policy for the pre-session handshake (spec §4.7), grounded on
// original_source's ServerImpl (GetName/GetPort/IsTCPSupported/
// IsUDPSupported/AuthorizeDiscoveryRequest).
type HandshakeConfig struct {
	ServerName string
	Port       int
	MinVersion int
	MaxVersion int
	// MaxDatagramSize is this server's own MTU ceiling; the negotiated
	// initial MTU is min(this, the client's MaxDatagramSize).
	MaxDatagramSize int
	Transports      []string

	// AdmitDevice authorizes a HELLO by device id, mirroring
	// ServerImpl::AuthorizeDiscoveryRequest. A nil hook admits every
	// device.
	AdmitDevice func(deviceID string, peer address.Address) bool

	// OnConnected, if set, fires after a session is created and
	// registered for an accepted HELLO.
	OnConnected func(deviceID string, peer address.Address)

	// WSFingerprint, when non-empty, is echoed in every HelloResponse as
	// handshake.HelloResponse.WSFingerprint, so a peer connecting over UDP
	// first learns the WebSocket listener's cert fingerprint before ever
	// needing that transport.
	WSFingerprint string
}

func (h HandshakeConfig) enabled() bool { return h.MaxVersion > 0 }

// NewUDPServer wraps sock for shared-socket peer dispatch.
func NewUDPServer(sock *socket.UDPDatagram, manager *session.Manager, router *channel.Router, clk clock.Clock) *UDPServer {
	s := &UDPServer{
		sock:            sock,
		manager:         manager,
		router:          router,
		clk:             clk,
		log:             slog.Default(),
		maxFragmentSize: flowcontrol.DefaultInitialMaxFragmentSize,
	}

	prevClose := manager.OnSessionClose
	manager.OnSessionClose = func(sess *session.Session) {
		s.stopRecording(sess.ID)
		if prevClose != nil {
			prevClose(sess)
		}
	}
	return s
}

// stopRecording stops and drops sessionID's recorder, if one was started.
func (s *UDPServer) stopRecording(sessionID string) {
	s.recMu.Lock()
	r, ok := s.recorders[sessionID]
	if ok {
		delete(s.recorders, sessionID)
	}
	s.recMu.Unlock()
	if ok {
		r.Stop()
	}
}

// Run reads datagrams until ctx is canceled, routing each to its session's
// flow-control instance (creating one lazily for new peers), and sweeps
// timed-out sessions on each loop iteration.
func (s *UDPServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.sock.Close()
	}()
	go s.tickSessions(ctx)

	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.sock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := s.sock.ReceiveFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.manager.CleanupTimedOutSessions()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("transportserver: udp receive failed", "err", err)
			continue
		}

		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		peer := address.FromUDPAddr(udpAddr)

		datagram := append([]byte(nil), buf[:n]...)

		sess, ok := s.manager.Get(peer)
		if !ok {
			if _, _, err := flowcontrol.DecodeFragment(datagram); err != nil {
				if s.Handshake.enabled() {
					s.handleHandshake(peer, datagram)
				}
				s.manager.CleanupTimedOutSessions()
				continue
			}
			if s.AdmitPeer != nil && !s.AdmitPeer(peer) {
				continue
			}
			sess = s.newPeerSession(peer)
			s.manager.Register(sess)
		}

		sess.Touch()
		if s.RecordingDir != "" {
			s.recorderFor(sess.ID).FeedDatagram(datagram)
		}
		if err := sess.Unicast.ProcessFragment(datagram); err != nil {
			s.log.Warn("transportserver: fragment processing failed", "peer", peer.String(), "err", err)
		}

		s.manager.CleanupTimedOutSessions()
	}
}

// tickSessions calls TickNotify on every live session's flow-control
// instance on a fixed interval, independent of inbound traffic, so a
// session that goes quiet on one channel while others stay busy still
// gets its reassembly buffers flushed on time (spec §4.2.5).
func (s *UDPServer) tickSessions(ctx context.Context) {
	ticker := time.NewTicker(flowcontrol.TickPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.manager.Snapshot() {
				sess.Unicast.TickNotify()
				if sess.Bcast != nil {
					sess.Bcast.TickNotify()
				}
			}
		}
	}
}

// recorderFor returns (creating if necessary) the SessionRecorder for
// sessionID. Recorders that fail to open are logged once and never
// retried for that session, so a permissions error doesn't spam the log
// on every datagram.
func (s *UDPServer) recorderFor(sessionID string) *SessionRecorder {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if s.recorders == nil {
		s.recorders = make(map[string]*SessionRecorder)
	}
	if r, ok := s.recorders[sessionID]; ok {
		return r
	}
	r, err := StartRecording(sessionID, s.RecordingDir, nil)
	if err != nil {
		s.log.Warn("transportserver: start recording failed", "session", sessionID, "err", err)
		r = &SessionRecorder{sessionID: sessionID, stopped: true}
	}
	s.recorders[sessionID] = r
	return r
}

// handleHandshake answers a pre-session DISCOVERY or HELLO datagram from
// peer, grounded on DiscoveryServerSessionImpl::OnCompleteMessage: a
// DISCOVERY gets a HELLO_RESPONSE with no session created (discovery never
// establishes state); a HELLO negotiates a version and, on acceptance,
// creates and registers the session before replying.
func (s *UDPServer) handleHandshake(peer address.Address, datagram []byte) {
	op, body, err := handshake.Decode(datagram)
	if err != nil {
		return
	}

	switch op {
	case handshake.OpDiscovery, handshake.OpHello:
		var deviceID string
		if op == handshake.OpHello {
			var req handshake.Hello
			if err := json.Unmarshal(body, &req); err != nil {
				return
			}
			deviceID = req.DeviceID

			accepted, ok := handshake.NegotiateVersion(s.Handshake.MinVersion, s.Handshake.MaxVersion, req.ProtocolMinVersion, req.ProtocolVersion)
			if !ok {
				s.refuse(peer)
				return
			}
			if s.Handshake.AdmitDevice != nil && !s.Handshake.AdmitDevice(deviceID, peer) {
				s.refuse(peer)
				return
			}

			mtu := s.Handshake.MaxDatagramSize
			if req.MaxDatagramSize > 0 && req.MaxDatagramSize < mtu {
				mtu = req.MaxDatagramSize
			}
			sess := s.newPeerSessionWithMTU(peer, uint32(mtu))
			if err := sess.Unicast.UpgradeProtocol(uint8(accepted)); err != nil {
				s.refuse(peer)
				return
			}
			s.manager.Register(sess)
			sess.Touch()
			if s.Handshake.OnConnected != nil {
				s.Handshake.OnConnected(deviceID, peer)
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
			if err := s.sock.SendTo(peer.UDPAddr(), respBody); err != nil {
				s.log.Warn("transportserver: handshake reply failed", "peer", peer.String(), "err", err)
			}
			return
		}

		// DISCOVERY: describe the server without creating any session state.
		resp := handshake.HelloResponse{
			ServerName:         s.Handshake.ServerName,
			ProtocolVersion:    s.Handshake.MaxVersion,
			ProtocolMinVersion: s.Handshake.MinVersion,
			DatagramSize:       s.Handshake.MaxDatagramSize,
			MaxDatagramSize:    s.Handshake.MaxDatagramSize,
			Port:               s.Handshake.Port,
			Transports:         s.Handshake.Transports,
			WSFingerprint:      s.Handshake.WSFingerprint,
		}
		respBody, err := handshake.Encode(handshake.OpHello, resp)
		if err != nil {
			return
		}
		if err := s.sock.SendTo(peer.UDPAddr(), respBody); err != nil {
			s.log.Warn("transportserver: discovery reply failed", "peer", peer.String(), "err", err)
		}
	}
}

func (s *UDPServer) refuse(peer address.Address) {
	body, err := handshake.Encode(handshake.OpConnectionRefused, handshake.ConnectionRefused{})
	if err != nil {
		return
	}
	if err := s.sock.SendTo(peer.UDPAddr(), body); err != nil {
		s.log.Warn("transportserver: refusal send failed", "peer", peer.String(), "err", err)
	}
}

func (s *UDPServer) newPeerSession(peer address.Address) *session.Session {
	return s.newPeerSessionWithMTU(peer, s.maxFragmentSize)
}

func (s *UDPServer) newPeerSessionWithMTU(peer address.Address, mtu uint32) *session.Session {
	opts := []flowcontrol.Option{
		flowcontrol.WithClock(s.clk),
		flowcontrol.WithMaxFragmentSize(mtu),
	}
	if s.Metrics != nil {
		opts = append(opts, flowcontrol.WithMetrics(s.peerMetrics(peer)))
	}
	proto := flowcontrol.New(
		func(datagram []byte) error { return s.sock.SendTo(peer.UDPAddr(), datagram) },
		s.router.Dispatch,
		opts...,
	)
	return session.New(peer, proto, s.clk)
}

// peerMetrics binds s.Metrics's Registry methods to peer, for the MTU
// gauge's per-peer label.
func (s *UDPServer) peerMetrics(peer address.Address) flowcontrol.Metrics {
	peerLabel := peer.String()
	return flowcontrol.Metrics{
		FragmentSent:            s.Metrics.ObserveFragmentSent,
		FragmentLost:            s.Metrics.ObserveFragmentLost,
		RetransmissionRequested: s.Metrics.ObserveRetransmissionRequest,
		MessageDropped:          s.Metrics.ObserveMessageDropped,
		MTUChanged: func(bytes uint32) {
			s.Metrics.SetMTU(peerLabel, float64(bytes))
		},
	}
}
