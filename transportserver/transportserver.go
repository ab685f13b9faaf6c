// Package transportserver implements spec §4.5: the accept loop plus
// reader thread for a reliable-stream (TCP/QUIC-stream) server, and the
// single-shared-socket dispatch model for a UDP server.
//
// Grounded on server/server.go (listener + TLS + context-driven graceful
// shutdown) and server/client.go's handleClient (per-connection handshake
// then read loop), generalized to the spec's accept-thread + reader-thread
// split and to a UDP-shared-socket mode alongside the teacher's
// one-session-per-connection model.
package transportserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"streamsdk/address"
	"streamsdk/channel"
	"streamsdk/clock"
	"streamsdk/session"
	"streamsdk/socket"
	"streamsdk/transportstream"
)

// readerPollInterval bounds how long the reader thread's selector wait can
// block before it re-checks ctx and sweeps timed-out sessions.
const readerPollInterval = 100 * time.Millisecond

// StreamServer implements the TCP/QUIC-stream server of spec §4.5: an
// accept loop that registers new sessions, and a single reader thread that
// waits on a Selector spanning every connected peer's socket, dispatching
// whichever one becomes ready and periodically sweeping timed-out sessions.
type StreamServer struct {
	listener net.Listener
	manager  *session.Manager
	router   *channel.Router
	clk      clock.Clock
	log      *slog.Logger
	sel      *socket.Selector

	disconnectTimeout time.Duration

	mu    sync.Mutex
	conns map[string]streamConn // keyed by session ID
}

type streamConn struct {
	conn *transportstream.Conn
	sess *session.Session
}

// NewStreamServer wraps an already-bound net.Listener (TLS or plain TCP;
// the teacher's server.go shows the TLS-config wiring this assumes happens
// before the listener reaches here).
func NewStreamServer(l net.Listener, manager *session.Manager, router *channel.Router, clk clock.Clock) *StreamServer {
	return &StreamServer{
		listener:          l,
		manager:           manager,
		router:            router,
		clk:               clk,
		log:               slog.Default(),
		sel:               socket.NewSelector(64),
		disconnectTimeout: session.DefaultDisconnectTimeout,
		conns:             make(map[string]streamConn),
	}
}

// Run accepts connections until ctx is canceled (spec §4.5 "accept_connections
// loops on a selector waiting for readability on the listener") and starts
// the single reader thread that selects across every accepted connection.
func (s *StreamServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
		s.sel.Close()
	}()
	go s.readerThread(ctx)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("transportserver: accept failed", "err", err)
			continue
		}
		s.acceptOne(conn)
	}
}

// acceptOne constructs a peer session for conn and registers its socket
// with the reader thread's Selector (spec §4.5).
func (s *StreamServer) acceptOne(conn net.Conn) {
	var peer address.Address
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peer = address.FromTCPAddr(tcpAddr)
	}

	// Stream sessions need no flow-control instance: transportstream's
	// framing already rides on a reliable, ordered substrate.
	sess := session.New(peer, nil, s.clk)
	s.manager.Register(sess)

	framed := transportstream.NewConn(conn)

	s.mu.Lock()
	s.conns[sess.ID] = streamConn{conn: framed, sess: sess}
	s.mu.Unlock()

	s.sel.Register(sess.ID, func() ([]byte, error) {
		f, err := framed.Receive()
		if err != nil {
			return nil, err
		}
		return f.Encode(), nil
	})
}

// readerThread implements spec §4.5's reader thread: wait on the selector
// for whichever registered connection becomes ready next, dispatch its
// frame, and sweep timed-out sessions on every wait — whether it produced a
// result or simply timed out (spec §4.8: "Reader socket CONNECTION_TIMEOUT
// re-enters the selector").
func (s *StreamServer) readerThread(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		r, ok := s.sel.WaitAny(readerPollInterval)
		if !ok {
			s.manager.CleanupTimedOutSessions()
			continue
		}

		s.mu.Lock()
		c, known := s.conns[r.Source]
		s.mu.Unlock()
		if !known {
			continue
		}

		if r.Err != nil {
			s.dropConn(r.Source, c.sess, session.TerminationDisconnect)
			continue
		}

		f, err := transportstream.DecodeFrame(r.Data)
		if err != nil {
			s.dropConn(r.Source, c.sess, session.TerminationDisconnect)
			continue
		}
		c.sess.Touch()
		s.router.Dispatch(f.Channel, f.MessageID, f.Body)

		s.manager.CleanupTimedOutSessions()
	}
}

// dropConn evicts the connection and terminates its session with reason
// (spec §4.8: "Reader socket CONNECTION_RESET — session terminated with
// reason DISCONNECT").
func (s *StreamServer) dropConn(id string, sess *session.Session, reason session.TerminationReason) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	sess.Terminate(reason)
}

var _ io.Closer = (*StreamServer)(nil)

// Close shuts the listener down immediately.
func (s *StreamServer) Close() error { return s.listener.Close() }
