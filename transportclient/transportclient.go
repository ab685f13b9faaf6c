// Package transportclient implements spec §4.6: discovery (broadcast and
// direct), the HELLO/HELLO_RESPONSE connect handshake with retry-until-
// timeout, and the post-connect message-loop thread.
//
// Grounded on client/transport.go's Transport (single long-lived session,
// callback setters, writeCtrl/readControl loop), generalized into
// discovery (broadcast + direct query), versioned HELLO/HELLO_RESPONSE
// handshake with retry-until-timeout, and the post-connect message loop.
// Audio-specific surface (SendAudio, MuteUser) is dropped — it's an
// application concern — and dispatch through a channel.Router takes its
// place.
package transportclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
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

// DefaultDiscoveryPort is the well-known UDP port a client broadcasts
// DISCOVERY to; servers answer with a HELLO_RESPONSE sent back to the
// client's own address (spec §4.6 "broadcast a DISCOVERY service
// message on the discovery port").
const DefaultDiscoveryPort = address.DefaultPort

// DefaultConnectRetryInterval is how often an unanswered HELLO is resent
// during Connect (spec §4.6 "retry every tick up to timeout seconds").
const DefaultConnectRetryInterval = 500 * time.Millisecond

// ServerInfo describes one server discovered via broadcast or direct
// query (spec §4.6 activity 1/2).
type ServerInfo struct {
	Addr     address.Address
	Response handshake.HelloResponse
}

// DiscoveryDecision is returned by a per-server callback during broadcast
// discovery; Stop aborts collection early (spec §4.6: "may return STOP to
// abort early").
type DiscoveryDecision int

const (
	DiscoveryContinue DiscoveryDecision = iota
	DiscoveryStop
)

// Discover broadcasts a DISCOVERY message on port and collects
// HELLO_RESPONSE replies for up to timeout, invoking onServer for each one
// found. onServer may be nil.
func Discover(ctx context.Context, sock *socket.UDPDatagram, enum *socket.BroadcastEnumerator, port int, timeout time.Duration, onServer func(ServerInfo) DiscoveryDecision) ([]ServerInfo, error) {
	body, err := handshake.Encode(handshake.OpDiscovery, handshake.Discovery{})
	if err != nil {
		return nil, err
	}
	if err := socket.Broadcast(sock, enum, port, body); err != nil {
		return nil, fmt.Errorf("transportclient: discovery broadcast: %w", err)
	}

	deadline := time.Now().Add(timeout)
	var found []ServerInfo
	buf := make([]byte, 4096)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		remaining := time.Until(deadline)
		sock.SetReadDeadline(time.Now().Add(minDuration(remaining, 200*time.Millisecond)))

		n, from, err := sock.ReceiveFrom(buf)
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			return found, err
		}

		op, payload, err := handshake.Decode(buf[:n])
		if err != nil || op != handshake.OpHello {
			continue
		}
		var resp handshake.HelloResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}

		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		info := ServerInfo{Addr: address.FromUDPAddr(udpAddr), Response: resp}
		found = append(found, info)

		if onServer != nil && onServer(info) == DiscoveryStop {
			break
		}
	}
	return found, nil
}

// QueryDirect sends a DISCOVERY message to one endpoint and waits for
// exactly one response (spec §4.6 activity 2).
func QueryDirect(sock *socket.UDPDatagram, target *net.UDPAddr, timeout time.Duration) (ServerInfo, error) {
	body, err := handshake.Encode(handshake.OpDiscovery, handshake.Discovery{})
	if err != nil {
		return ServerInfo{}, err
	}
	if err := sock.SendTo(target, body); err != nil {
		return ServerInfo{}, err
	}

	sock.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	n, from, err := sock.ReceiveFrom(buf)
	if err != nil {
		return ServerInfo{}, err
	}

	op, payload, err := handshake.Decode(buf[:n])
	if err != nil || op != handshake.OpHello {
		return ServerInfo{}, fmt.Errorf("transportclient: unexpected response opcode %v", op)
	}
	var resp handshake.HelloResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return ServerInfo{}, err
	}

	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return ServerInfo{}, fmt.Errorf("transportclient: unexpected peer address type")
	}
	return ServerInfo{Addr: address.FromUDPAddr(udpAddr), Response: resp}, nil
}

// ErrConnectionRefused is returned by Connect when the server responds
// with CONNECTION_REFUSED.
var ErrConnectionRefused = fmt.Errorf("transportclient: connection refused")

// ErrVersionMismatch is returned by Connect when negotiation fails.
var ErrVersionMismatch = fmt.Errorf("transportclient: protocol version mismatch")

// ErrConnectTimeout is returned by Connect when no response arrives
// before timeout.
var ErrConnectTimeout = fmt.Errorf("transportclient: connect timed out")

// ConnectParams configures Connect.
type ConnectParams struct {
	DeviceID        string
	MaxDatagramSize int
	Platform        string
	MinVersion      int
	MaxVersion      int
	Timeout         time.Duration
	RetryInterval   time.Duration

	// Metrics, when non-nil, is fed fragment/retransmission/MTU/drop
	// events from the connected session's flow-control instance.
	Metrics *metrics.Registry
}

// Connect implements spec §4.6 activity 3: send HELLO, retry on the tick
// interval until HELLO_RESPONSE (OK), CONNECTION_REFUSED, or a version
// mismatch arrives, or Timeout elapses. On success it negotiates the
// protocol version, adopts datagram_size = min(our_max, server_max) as the
// initial MTU, and returns a live Session.
func Connect(ctx context.Context, sock *socket.UDPDatagram, target *net.UDPAddr, p ConnectParams, clk clock.Clock, router *channel.Router) (*session.Session, handshake.HelloResponse, error) {
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	if p.RetryInterval == 0 {
		p.RetryInterval = DefaultConnectRetryInterval
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
		return nil, handshake.HelloResponse{}, err
	}

	deadline := time.Now().Add(p.Timeout)
	buf := make([]byte, 4096)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, handshake.HelloResponse{}, ctx.Err()
		}
		if err := sock.SendTo(target, body); err != nil {
			return nil, handshake.HelloResponse{}, err
		}

		tickDeadline := time.Now().Add(p.RetryInterval)
		if tickDeadline.After(deadline) {
			tickDeadline = deadline
		}
		sock.SetReadDeadline(tickDeadline)

		n, _, err := sock.ReceiveFrom(buf)
		if err != nil {
			if isTimeoutErr(err) {
				continue // next tick: resend HELLO
			}
			return nil, handshake.HelloResponse{}, err
		}

		op, payload, err := handshake.Decode(buf[:n])
		if err != nil {
			continue
		}
		switch op {
		case handshake.OpConnectionRefused:
			return nil, handshake.HelloResponse{}, ErrConnectionRefused
		case handshake.OpHello:
			var resp handshake.HelloResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				continue
			}
			accepted, ok := handshake.NegotiateVersion(p.MinVersion, p.MaxVersion, resp.ProtocolMinVersion, resp.ProtocolVersion)
			if !ok {
				return nil, resp, ErrVersionMismatch
			}

			mtu := p.MaxDatagramSize
			if resp.MaxDatagramSize < mtu {
				mtu = resp.MaxDatagramSize
			}

			opts := []flowcontrol.Option{
				flowcontrol.WithClock(clk),
				flowcontrol.WithMaxFragmentSize(uint32(mtu)),
			}
			if p.Metrics != nil {
				peerLabel := address.FromUDPAddr(target).String()
				opts = append(opts, flowcontrol.WithMetrics(flowcontrol.Metrics{
					FragmentSent:            p.Metrics.ObserveFragmentSent,
					FragmentLost:            p.Metrics.ObserveFragmentLost,
					RetransmissionRequested: p.Metrics.ObserveRetransmissionRequest,
					MessageDropped:          p.Metrics.ObserveMessageDropped,
					MTUChanged: func(bytes uint32) {
						p.Metrics.SetMTU(peerLabel, float64(bytes))
					},
				}))
			}
			proto := flowcontrol.New(
				func(datagram []byte) error { return sock.SendTo(target, datagram) },
				router.Dispatch,
				opts...,
			)
			if err := proto.UpgradeProtocol(uint8(accepted)); err != nil {
				return nil, resp, err
			}

			peer := address.FromUDPAddr(target)
			sess := session.New(peer, proto, clk)
			return sess, resp, nil
		}
	}

	return nil, handshake.HelloResponse{}, ErrConnectTimeout
}

// MessageLoop implements spec §4.6's "single message-loop thread that
// calls wait_for_incoming_messages in a loop": it blocks on sock until a
// datagram arrives, forwards it to sess's flow-control instance, and
// repeats until a terminal socket error occurs, at which point it
// terminates sess and invokes onTerminate.
func MessageLoop(ctx context.Context, sock *socket.UDPDatagram, sess *session.Session, onTerminate func(session.TerminationReason)) {
	tickCtx, cancelTick := context.WithCancel(ctx)
	defer cancelTick()
	go func() {
		// Ticks sess's flow-control instance on a fixed interval so its
		// reassembly buffers still flush past a head-of-line block during
		// a quiet spell, per spec §4.2.5 — independent of whether this
		// loop's own read is currently blocked waiting on traffic.
		ticker := time.NewTicker(flowcontrol.TickPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				sess.Unicast.TickNotify()
			}
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			sess.Terminate(session.TerminationClientRequested)
			if onTerminate != nil {
				onTerminate(session.TerminationClientRequested)
			}
			return
		}

		sock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := sock.ReceiveFrom(buf)
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			reason := session.TerminationDisconnect
			if socket.Classify(err) == socket.ErrConnectionTimeout {
				reason = session.TerminationTimeout
			}
			sess.Terminate(reason)
			if onTerminate != nil {
				onTerminate(reason)
			}
			return
		}

		sess.Touch()
		datagram := append([]byte(nil), buf[:n]...)
		if err := sess.Unicast.ProcessFragment(datagram); err != nil {
			continue
		}
	}
}

func isTimeoutErr(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
