package flowcontrol

import (
	"log/slog"
	"sync"
	"time"

	"streamsdk/channel"
	"streamsdk/clock"
)

// Emitter sends one already-framed datagram to the peer. Implementations
// are the Socket.SendTo/Send wrappers of package socket; Protocol never
// reaches back into the emitter's internals (spec §4.2.8: send callbacks
// run under the outgoing lock but must not re-enter this instance).
type Emitter func(datagram []byte) error

// DeliverFunc hands one fully reassembled, in-order logical message to the
// application (spec §6.5 on_message_received).
type DeliverFunc func(ch channel.ID, msgID uint16, payload []byte)

// MTUChangeFunc is invoked when the MTU monitor decides the maximum
// fragment size must shrink (spec §4.2.1 step 5, on_set_max_fragment_size).
type MTUChangeFunc func(newMaxFragmentSize uint32)

// DefaultInitialMaxFragmentSize is used when Protocol is constructed
// without an explicit MTU (spec examples use 1400/548; 1400 is a
// conservative Ethernet-safe default before any handshake negotiates a
// larger datagram size).
const DefaultInitialMaxFragmentSize = 1400

// Option configures a Protocol at construction time.
type Option func(*Protocol)

// WithClock injects a Clock, used by tests to control the flush timeout
// and MTU monitor interval deterministically.
func WithClock(c clock.Clock) Option {
	return func(p *Protocol) { p.clk = c }
}

// WithMaxFragmentSize sets the initial maximum fragment size (the
// negotiated MTU), in bytes, header included.
func WithMaxFragmentSize(n uint32) Option {
	return func(p *Protocol) { p.maxFragmentSize = n }
}

// WithFlushTimeout overrides DefaultFlushTimeout.
func WithFlushTimeout(d time.Duration) Option {
	return func(p *Protocol) { p.flushTimeout = d }
}

// WithProfiling enables the stale-drop bypass of spec §4.2.2 step 5 and
// §9's "Open question — behavior on profiling mode". Test-only: there is
// no production constructor path that calls this.
func WithProfiling() Option {
	return func(p *Protocol) { p.enableProfiling = true }
}

// Metrics is an optional, peer-bound set of instrumentation callbacks a
// caller wires to a metrics.Registry (e.g. UDPServer binds the channel
// argument through to Registry.ObserveFragmentSent and closes over this
// session's peer address for SetMTU). Every field is optional; a nil field
// is simply skipped.
type Metrics struct {
	FragmentSent            func(ch channel.ID)
	FragmentLost            func(ch channel.ID)
	RetransmissionRequested func(ch channel.ID)
	MessageDropped          func(ch channel.ID, reason string)
	MTUChanged              func(bytes uint32)
}

// WithMetrics wires m's callbacks into this Protocol instance.
func WithMetrics(m Metrics) Option {
	return func(p *Protocol) { p.metrics = m }
}

// Protocol is one flow-control instance: the pairing of a sender and a
// receiver across all channels, sharing one Emitter and one MTU monitor,
// matching spec §3 "flow-control instance" as referenced by Session.
type Protocol struct {
	emit     Emitter
	deliver  DeliverFunc
	onMTU    MTUChangeFunc
	clk      clock.Clock
	log      *slog.Logger

	flushTimeout time.Duration
	enableProfiling bool
	metrics      Metrics

	outMu           sync.Mutex
	sendState       map[channel.ID]*senderChannel
	maxFragmentSize uint32
	version         uint8

	recvMu      sync.Mutex
	recvState   map[channel.ID]*receiverChannel
	sysInflight map[uint16]*reassembly

	mtu *mtuMonitor
}

// New constructs a Protocol. emit and deliver must be non-nil; deliver may
// be called synchronously from within ProcessFragment.
func New(emit Emitter, deliver DeliverFunc, opts ...Option) *Protocol {
	p := &Protocol{
		emit:            emit,
		deliver:         deliver,
		clk:             clock.Real{},
		flushTimeout:    DefaultFlushTimeout,
		maxFragmentSize: DefaultInitialMaxFragmentSize,
		version:         3,
		sendState:       make(map[channel.ID]*senderChannel),
		recvState:       make(map[channel.ID]*receiverChannel),
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.mtu = newMTUMonitor(p.clk)
	return p
}

// SetOnMTUChange registers the callback fired when the monitor shrinks the
// maximum fragment size.
func (p *Protocol) SetOnMTUChange(fn MTUChangeFunc) { p.onMTU = fn }

// MaxFragmentSize returns the current maximum fragment size (header
// included), the value adapted downward by the MTU monitor.
func (p *Protocol) MaxFragmentSize() uint32 {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	return p.maxFragmentSize
}

func (p *Protocol) maxFragmentPayload() uint32 {
	if p.maxFragmentSize <= HeaderSize {
		return 1
	}
	return p.maxFragmentSize - HeaderSize
}

// Send fragments payload and emits it on ch (spec §4.2.1). It returns the
// assigned message id and the first emitter error encountered, if any;
// fragmentation and emission continue best-effort even after an error so a
// single lost datagram doesn't abort the whole message.
func (p *Protocol) Send(ch channel.ID, payload []byte) (uint16, error) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	sc, ok := p.sendState[ch]
	if !ok {
		sc = newSenderChannel()
		p.sendState[ch] = sc
	}

	id := sc.nextMessageID
	sc.nextMessageID++
	sc.push(id, payload)

	var firstErr error
	for _, f := range fragmentsOf(ch, id, payload, 0, 0, p.maxFragmentPayload()) {
		dgram := f.Encode(payload[f.FragmentOffset : f.FragmentOffset+f.FragmentSize])
		if err := p.emit(dgram); err != nil && firstErr == nil {
			firstErr = err
		}
		if p.metrics.FragmentSent != nil {
			p.metrics.FragmentSent(ch)
		}
	}

	p.mtu.recordSent(uint32(len(payload)))
	p.maybeAdaptMTU()

	return id, firstErr
}

// maybeAdaptMTU consults the MTU monitor and, if it returns a reduction,
// applies it and fires onMTU. Caller must hold outMu.
func (p *Protocol) maybeAdaptMTU() {
	newMTU, ok := p.mtu.processWhenTime(p.maxFragmentSize)
	if !ok {
		return
	}
	p.maxFragmentSize = newMTU
	if p.onMTU != nil {
		p.onMTU(newMTU)
	}
	if p.metrics.MTUChanged != nil {
		p.metrics.MTUChanged(newMTU)
	}
}

// ProcessFragment handles one inbound datagram (spec §4.2.2). System-
// channel datagrams carry a retransmission-request manifest, which — like
// any other message — may itself be split across several fragments (spec
// §4.2.3/§6.1); they're reassembled before being handed to the manifest
// decoder. All other channels go through reassembly, gap detection, and
// in-order delivery.
func (p *Protocol) ProcessFragment(datagram []byte) error {
	f, payload, err := DecodeFragment(datagram)
	if err != nil {
		return err
	}

	if f.Channel == channel.System {
		body, ready := p.reassembleSystemFragment(f, payload)
		if !ready {
			return nil
		}
		return p.handleRetransmissionRequest(body)
	}

	p.recvMu.Lock()
	delivered := p.processDataFragment(f, payload)
	p.recvMu.Unlock()

	for _, d := range delivered {
		p.deliver(f.Channel, d.id, d.payload)
	}
	return nil
}

// reassembleSystemFragment accumulates one fragment of a SYSTEM-channel
// manifest by message id and reports whether the message is now complete.
// Unlike a data channel, a manifest carries no cross-message delivery
// ordering — it's a self-contained control message (DecodeManifest checks
// its own total-length prefix), so each message id is reassembled
// independently and handed off the instant it completes, with no gap
// detection or flush-timeout promotion needed.
func (p *Protocol) reassembleSystemFragment(f Fragment, payload []byte) ([]byte, bool) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()

	if p.sysInflight == nil {
		p.sysInflight = make(map[uint16]*reassembly)
	}
	now := p.clk.Now()
	r, ok := p.sysInflight[f.MessageID]
	if !ok || r.size != f.MessageSize {
		r = newReassembly(f.MessageID, f.MessageSize, now)
		p.sysInflight[f.MessageID] = r
	}
	if !r.insert(f.FragmentOffset, payload, now) {
		return nil, false
	}
	delete(p.sysInflight, f.MessageID)
	return r.buf, true
}

// processDataFragment runs steps 3-9 of spec §4.2.2 for one non-SYSTEM
// fragment. Caller holds recvMu.
func (p *Protocol) processDataFragment(f Fragment, payload []byte) []deliverable {
	rc, ok := p.recvState[f.Channel]
	if !ok {
		rc = newReceiverChannel()
		p.recvState[f.Channel] = rc
	}

	if rc.firstMessage {
		rc.nextExpectedID = f.MessageID - 1
		rc.firstMessage = false
	}

	d := signedDistance(f.MessageID, rc.nextExpectedID)
	if d <= 0 && !p.enableProfiling {
		if p.metrics.MessageDropped != nil {
			p.metrics.MessageDropped(f.Channel, "stale")
		}
		return nil // stale, drop
	}

	now := p.clk.Now()
	r, ok := rc.inflight[f.MessageID]
	if !ok || r.size != f.MessageSize {
		r = newReassembly(f.MessageID, f.MessageSize, now)
		rc.inflight[f.MessageID] = r
	}
	r.insert(f.FragmentOffset, payload, now)

	// The fragment that ends a message also triggers detection when the
	// message is still incomplete, so a hole inside the newest message is
	// requested even if no later message follows it.
	endsMessage := f.FragmentOffset+f.FragmentSize == f.MessageSize
	if d > 1 || len(rc.waiting) > 0 || (endsMessage && !r.complete) {
		gap := rc.detectGaps(f.MessageID)
		if len(gap.messages) > 0 {
			p.sendGapRequest(f.Channel, gap)
		}
	}

	return rc.deliverReady(now, p.flushTimeout)
}

func (p *Protocol) sendGapRequest(ch channel.ID, gap gapRequest) {
	m := Manifest{
		Version: ManifestVersion,
		Channels: []ChannelRequest{
			{Channel: ch, Messages: gap.messages},
		},
	}
	body := m.Encode()
	for _, f := range fragmentsOf(channel.System, 0, body, 0, 0, p.maxFragmentPayload()) {
		dgram := f.Encode(body[f.FragmentOffset : f.FragmentOffset+f.FragmentSize])
		if err := p.emit(dgram); err != nil {
			p.log.Warn("flowcontrol: failed to emit retransmission request", "err", err)
		}
	}
	if p.metrics.RetransmissionRequested != nil {
		p.metrics.RetransmissionRequested(ch)
	}
}

// handleRetransmissionRequest implements the sender side of spec §4.2.4.
func (p *Protocol) handleRetransmissionRequest(body []byte) error {
	m, err := DecodeManifest(body)
	if err != nil {
		return err
	}

	p.outMu.Lock()
	defer p.outMu.Unlock()

	for _, cr := range m.Channels {
		sc, ok := p.sendState[cr.Channel]
		if !ok {
			continue
		}
		for _, mm := range cr.Messages {
			payload, found := sc.find(mm.MessageID)
			if !found {
				continue // no longer in history, drop
			}
			p.mtu.recordLost(mm.MessageID, uint32(len(payload)))
			if p.metrics.FragmentLost != nil {
				p.metrics.FragmentLost(cr.Channel)
			}
			for _, chunk := range mm.Chunks {
				for _, f := range fragmentsOf(cr.Channel, mm.MessageID, payload, chunk.Offset, chunk.Size, p.maxFragmentPayload()) {
					dgram := f.Encode(payload[f.FragmentOffset : f.FragmentOffset+f.FragmentSize])
					if err := p.emit(dgram); err != nil {
						p.log.Warn("flowcontrol: retransmit emit failed", "message_id", mm.MessageID, "err", err)
					}
				}
			}
		}
	}
	p.maybeAdaptMTU()
	return nil
}

// TickNotify runs the in-order delivery/flush pass over every channel even
// when no new fragments have arrived, so recovery proceeds during quiet
// periods (spec §4.2.5). Callers (typically Session) should invoke this at
// least every flushTimeout/2.
func (p *Protocol) TickNotify() {
	now := p.clk.Now()

	// Collect every channel's newly-ready messages under one critical
	// section, then invoke deliver after releasing recvMu — matching
	// ProcessFragment, since Protocol's deliver callback must not re-enter
	// Protocol (spec §4.2.8).
	type pending struct {
		ch channel.ID
		d  deliverable
	}
	var toDeliver []pending

	p.recvMu.Lock()
	for ch, rc := range p.recvState {
		for _, d := range rc.deliverReady(now, p.flushTimeout) {
			toDeliver = append(toDeliver, pending{ch, d})
		}
	}
	for id, r := range p.sysInflight {
		if now.Sub(r.lastUpdate) >= p.flushTimeout {
			delete(p.sysInflight, id)
		}
	}
	p.recvMu.Unlock()

	for _, item := range toDeliver {
		p.deliver(item.ch, item.d.id, item.d.payload)
	}
}

// ErrInvalidVersion is returned by UpgradeProtocol when v is not one this
// build supports.
var ErrInvalidVersion = errInvalidVersion{}

type errInvalidVersion struct{}

func (errInvalidVersion) Error() string { return "flowcontrol: unsupported protocol version" }

// SupportedVersions are the protocol versions this build can negotiate
// (spec §4.2.7, DESIGN.md manifest-endianness decision: 3 is the legacy
// host-byte-order manifest, 4 is this implementation's big-endian fix).
var SupportedVersions = [2]uint8{3, 4}

// UpgradeProtocol implements spec §4.2.7: set the active version on every
// per-channel state, ensure next_message_id >= 1 on every channel, and
// clear waiting-for-retransmission maps.
func (p *Protocol) UpgradeProtocol(v uint8) error {
	supported := false
	for _, sv := range SupportedVersions {
		if sv == v {
			supported = true
			break
		}
	}
	if !supported {
		return ErrInvalidVersion
	}

	p.outMu.Lock()
	p.version = v
	for _, sc := range p.sendState {
		if sc.nextMessageID == 0 {
			sc.nextMessageID = 1
		}
	}
	p.outMu.Unlock()

	p.recvMu.Lock()
	for _, rc := range p.recvState {
		rc.waiting = make(map[uint16]bool)
	}
	p.recvMu.Unlock()

	return nil
}

// Version returns the currently active protocol version.
func (p *Protocol) Version() uint8 {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	return p.version
}
