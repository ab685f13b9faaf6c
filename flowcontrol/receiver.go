package flowcontrol

import (
	"sort"
	"time"
)

// DefaultFlushTimeout is the head-of-line-blocking promotion timeout of
// spec §4.2.5 ("Flush timeout").
const DefaultFlushTimeout = 150 * time.Millisecond

// TickPollInterval is how often a transport loop should call TickNotify on
// every live session's Protocol to satisfy spec §4.2.5's "tick_notify runs
// at least every msg_flush_timeout/2" with margin to spare.
const TickPollInterval = DefaultFlushTimeout / 3

// byteInterval is a merged, half-open [start, end) range of bytes already
// received within a reassembly buffer.
type byteInterval struct{ start, end uint32 }

// reassembly is one in-flight incoming message (spec §3 "Reassembly
// buffer").
type reassembly struct {
	id         uint16
	size       uint32
	buf        []byte
	chunks     []byteInterval // sorted, non-overlapping, merged
	lastUpdate time.Time

	complete   bool
	completeAt time.Time
}

func newReassembly(id uint16, size uint32, now time.Time) *reassembly {
	return &reassembly{id: id, size: size, buf: make([]byte, size), lastUpdate: now}
}

// insert writes data at offset and merges the covered range into chunks.
// Returns true if the message just became complete.
func (r *reassembly) insert(offset uint32, data []byte, now time.Time) bool {
	if r.complete {
		return false
	}
	end := offset + uint32(len(data))
	if end > r.size {
		end = r.size
	}
	if end > offset {
		copy(r.buf[offset:end], data[:end-offset])
	}
	r.mergeRange(offset, end)
	r.lastUpdate = now

	if r.remaining() == 0 {
		r.complete = true
		r.completeAt = now
		return true
	}
	return false
}

func (r *reassembly) mergeRange(start, end uint32) {
	if end <= start {
		return
	}
	r.chunks = append(r.chunks, byteInterval{start, end})
	sort.Slice(r.chunks, func(i, j int) bool { return r.chunks[i].start < r.chunks[j].start })

	merged := r.chunks[:0]
	for _, c := range r.chunks {
		if len(merged) > 0 && c.start <= merged[len(merged)-1].end {
			if c.end > merged[len(merged)-1].end {
				merged[len(merged)-1].end = c.end
			}
			continue
		}
		merged = append(merged, c)
	}
	r.chunks = merged
}

func (r *reassembly) remaining() uint32 {
	var have uint32
	for _, c := range r.chunks {
		have += c.end - c.start
	}
	if have >= r.size {
		return 0
	}
	return r.size - have
}

// missingRanges returns the complement of chunks within [0, size) — the
// byte ranges still needed to complete this message.
func (r *reassembly) missingRanges() []ByteRange {
	var out []ByteRange
	var cursor uint32
	for _, c := range r.chunks {
		if c.start > cursor {
			out = append(out, ByteRange{Offset: uint64(cursor), Size: uint64(c.start - cursor)})
		}
		if c.end > cursor {
			cursor = c.end
		}
	}
	if cursor < r.size {
		out = append(out, ByteRange{Offset: uint64(cursor), Size: uint64(r.size - cursor)})
	}
	return out
}

// receiverChannel holds the per-channel receiver state of spec §3
// "Per-channel receiver state".
type receiverChannel struct {
	nextExpectedID uint16
	firstMessage   bool

	inflight map[uint16]*reassembly
	waiting  map[uint16]bool // requested, not yet received/completed
}

func newReceiverChannel() *receiverChannel {
	return &receiverChannel{
		firstMessage: true,
		inflight:     make(map[uint16]*reassembly),
		waiting:      make(map[uint16]bool),
	}
}

// signedDistance computes the wrap-aware signed 16-bit distance id-next
// used throughout spec §4.2.2/§4.2.3 (spec §8 invariant 8).
func signedDistance(id, next uint16) int32 {
	return int32(int16(id - next))
}

// deliverable is a message ready to hand to the application, in the order
// it must be delivered.
type deliverable struct {
	id      uint16
	payload []byte
}

// deliverReady repeatedly delivers the complete message at
// nextExpectedID+1 while one is available, then — if none is available but
// an already-complete later message has been waiting past flushTimeout —
// promotes that message past the gap (spec §4.2.5). It purges reassembly
// buffers strictly behind the (possibly advanced) nextExpectedID afterward.
func (rc *receiverChannel) deliverReady(now time.Time, flushTimeout time.Duration) []deliverable {
	var out []deliverable

	for {
		wantID := rc.nextExpectedID + 1
		if r, ok := rc.inflight[wantID]; ok && r.complete {
			out = append(out, deliverable{id: wantID, payload: r.buf})
			rc.nextExpectedID = wantID
			delete(rc.inflight, wantID)
			delete(rc.waiting, wantID)
			continue
		}
		break
	}

	if promoted := rc.promoteOldestComplete(now, flushTimeout); promoted != nil {
		out = append(out, deliverable{id: promoted.id, payload: promoted.buf})
		rc.nextExpectedID = promoted.id
		delete(rc.inflight, promoted.id)
		delete(rc.waiting, promoted.id)
		// After promotion there may be immediately-deliverable successors.
		out = append(out, rc.deliverReady(now, flushTimeout)...)
	}

	rc.purgeBehind()
	return out
}

// promoteOldestComplete finds the lowest-id complete message that has been
// waiting (by completion time) longer than flushTimeout and is still ahead
// of nextExpectedID, i.e. the message genuinely blocked on a gap.
func (rc *receiverChannel) promoteOldestComplete(now time.Time, flushTimeout time.Duration) *reassembly {
	var best *reassembly
	for id, r := range rc.inflight {
		if !r.complete || signedDistance(id, rc.nextExpectedID) <= 0 {
			continue
		}
		if now.Sub(r.completeAt) < flushTimeout {
			continue
		}
		if best == nil || signedDistance(id, best.id) < 0 {
			best = r
		}
	}
	return best
}

// purgeBehind drops reassembly buffers whose id is strictly behind
// nextExpectedID (wrap-aware), per spec §4.2.5's final step.
func (rc *receiverChannel) purgeBehind() {
	for id := range rc.inflight {
		if signedDistance(id, rc.nextExpectedID) <= 0 {
			delete(rc.inflight, id)
			delete(rc.waiting, id)
		}
	}
}

// gapRequest describes the retransmission requests that should be sent for
// this channel as a result of processing one fragment (spec §4.2.3).
type gapRequest struct {
	messages []MissingMessage
}

// detectGaps implements spec §4.2.3. It must be called after the new
// fragment has already been inserted into rc.inflight.
func (rc *receiverChannel) detectGaps(newID uint16) gapRequest {
	var req gapRequest

	if signedDistance(newID, rc.nextExpectedID) >= int32(SendHistoryLimit) {
		// Sender's history is assumed gone; drop waiting state, request nothing.
		rc.waiting = make(map[uint16]bool)
		return req
	}

	// Whole messages missing strictly between nextExpectedID and newID.
	for m := rc.nextExpectedID + 1; m != newID; m++ {
		if _, have := rc.inflight[m]; have {
			continue
		}
		if rc.waiting[m] {
			continue
		}
		rc.waiting[m] = true
		req.messages = append(req.messages, MissingMessage{MessageID: m, Chunks: []ByteRange{WholeMessage}})
	}

	// Byte-range gaps within every in-flight incomplete message in history.
	for id, r := range rc.inflight {
		if r.complete {
			continue
		}
		if signedDistance(id, rc.nextExpectedID) < 0 || signedDistance(id, rc.nextExpectedID) > int32(SendHistoryLimit) {
			continue
		}
		missing := r.missingRanges()
		if len(missing) == 0 {
			continue
		}
		req.messages = append(req.messages, MissingMessage{MessageID: id, Chunks: missing})
	}

	return req
}
