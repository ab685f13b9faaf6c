// Package session implements spec §4.4: the per-peer binding of an
// address, a socket, and a flow-control instance, plus the SessionManager
// that tracks every live session and periodically sweeps timed-out ones.
//
// Grounded on the teacher's Client struct (server/client.go) generalized
// from "one voice participant" to "one peer binding of address + socket +
// flow-control instance", and on server/internal/core/channel_state.go's
// ChannelState (a concurrent map behind sync.RWMutex with a periodic
// sweep), generalized into Manager's timeout sweep.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"streamsdk/address"
	"streamsdk/clock"
	"streamsdk/flowcontrol"
)

// DefaultDisconnectTimeout is the idle duration after which a session is
// considered dead (spec §4.4 disconnect_timeout).
const DefaultDisconnectTimeout = 10 * time.Second

// TerminationReason explains why a session ended, surfaced to
// on_terminate/on_session_close callers (spec §4.8).
type TerminationReason int

const (
	TerminationUnspecified TerminationReason = iota
	TerminationTimeout
	TerminationDisconnect
	TerminationClientRequested
	TerminationServerShutdown
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationTimeout:
		return "timeout"
	case TerminationDisconnect:
		return "disconnect"
	case TerminationClientRequested:
		return "client_requested"
	case TerminationServerShutdown:
		return "server_shutdown"
	default:
		return "unspecified"
	}
}

// Session is the binding of (peer address, socket, flow-control state) of
// spec §4.4. The unicast Protocol carries ordinary channel traffic; Bcast
// is non-nil only for discovery sessions that also maintain a broadcast
// flow-control instance.
type Session struct {
	ID   string // uuid, stable identity independent of peer address churn
	Peer address.Address

	Unicast *flowcontrol.Protocol
	Bcast   *flowcontrol.Protocol // discovery sessions only; nil otherwise

	mu           sync.Mutex
	lastReceived time.Time
	terminated   bool
	reason       TerminationReason

	clk clock.Clock
}

// New constructs a Session bound to peer, with clk driving its liveness
// clock (tests inject clock.Fake; production uses clock.Real).
func New(peer address.Address, unicast *flowcontrol.Protocol, clk clock.Clock) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Peer:         peer,
		Unicast:      unicast,
		clk:          clk,
		lastReceived: clk.Now(),
	}
}

// Touch records a successful inbound message, resetting the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReceived = s.clk.Now()
}

// ElapsedSinceLastRequest returns how long it has been since the last
// Touch call.
func (s *Session) ElapsedSinceLastRequest() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk.Now().Sub(s.lastReceived)
}

// Terminate marks the session dead with reason. Idempotent: only the
// first call's reason sticks.
func (s *Session) Terminate(reason TerminationReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.terminated = true
	s.reason = reason
}

// Terminated reports whether Terminate has been called, and with what
// reason.
func (s *Session) Terminated() (bool, TerminationReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated, s.reason
}

// Manager holds the set of live sessions (spec §4.4 SessionManager): safe
// under concurrent add/remove, with a periodic sweep that fires
// OnSessionTimeout/OnSessionClose and evicts the session.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	timeoutEnabled bool
	disconnectTO   time.Duration
	clk            clock.Clock

	OnSessionTimeout func(*Session)
	OnSessionClose   func(*Session)
}

// NewManager constructs a Manager with session timeout enabled by default
// and disconnectTimeout = DefaultDisconnectTimeout.
func NewManager(clk clock.Clock) *Manager {
	return &Manager{
		sessions:       make(map[string]*Session),
		timeoutEnabled: true,
		disconnectTO:   DefaultDisconnectTimeout,
		clk:            clk,
	}
}

// SetSessionTimeoutEnabled toggles whether CleanupTimedOutSessions treats
// idle sessions as timed out — tests disable this to hold a session open
// indefinitely (spec §4.4).
func (m *Manager) SetSessionTimeoutEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeoutEnabled = enabled
}

// SetDisconnectTimeout overrides DefaultDisconnectTimeout.
func (m *Manager) SetDisconnectTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectTO = d
}

// Register adds s to the live set, keyed by its stable ID.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// Unregister removes s from the live set without invoking any callback.
func (m *Manager) Unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
}

// Get returns the session with the given peer address, if any. Used by
// the UDP server path (spec §4.5: "inbound datagrams are routed to a
// session by peer address").
func (m *Manager) Get(peer address.Address) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Peer.Equal(peer) {
			return s, true
		}
	}
	return nil, false
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot returns a copy of the current session set, safe to range over
// without holding the manager's lock (spec §4.5 "reader thread holds a
// snapshot of current session sockets").
func (m *Manager) Snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CleanupTimedOutSessions implements spec §4.4's periodic walk: for each
// live session, if it's idle past the disconnect timeout (and timeout
// checking is enabled), fire OnSessionTimeout; if it's already terminated,
// fire OnSessionClose; either way the session is evicted. Live, non-
// terminated sessions are retained.
func (m *Manager) CleanupTimedOutSessions() {
	m.mu.Lock()
	timeoutEnabled := m.timeoutEnabled
	disconnectTO := m.disconnectTO
	var toEvict []*Session
	for _, s := range m.sessions {
		terminated, _ := s.Terminated()
		switch {
		case timeoutEnabled && s.ElapsedSinceLastRequest() > disconnectTO:
			s.Terminate(TerminationTimeout)
			toEvict = append(toEvict, s)
		case terminated:
			toEvict = append(toEvict, s)
		}
	}
	for _, s := range toEvict {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()

	for _, s := range toEvict {
		_, reason := s.Terminated()
		if reason == TerminationTimeout && m.OnSessionTimeout != nil {
			m.OnSessionTimeout(s)
		}
		if m.OnSessionClose != nil {
			m.OnSessionClose(s)
		}
	}
}

// TerminateAll marks every live session terminated with reason and runs
// one cleanup pass, evicting them all (spec §4.5 graceful shutdown).
func (m *Manager) TerminateAll(reason TerminationReason) {
	for _, s := range m.Snapshot() {
		s.Terminate(reason)
	}
	m.CleanupTimedOutSessions()
}
