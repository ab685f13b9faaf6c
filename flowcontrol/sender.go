package flowcontrol

import (
	"streamsdk/channel"
)

// SendHistoryLimit is the number of recently sent messages retained per
// channel for retransmission (spec "SEND_HISTORY_LIMIT", default 10).
const SendHistoryLimit = 10

// sentMessage is one entry in a channel's send history: the full payload
// as originally submitted, retained so any byte range can be re-fragmented
// on request.
type sentMessage struct {
	id      uint16
	payload []byte
}

// senderChannel holds the per-channel sender state of spec §3
// "Per-channel sender state".
type senderChannel struct {
	nextMessageID uint16
	history       []sentMessage // ring, oldest first, capped at SendHistoryLimit
}

func newSenderChannel() *senderChannel {
	return &senderChannel{nextMessageID: 1}
}

func (s *senderChannel) push(id uint16, payload []byte) {
	s.history = append(s.history, sentMessage{id: id, payload: payload})
	if len(s.history) > SendHistoryLimit {
		s.history = s.history[len(s.history)-SendHistoryLimit:]
	}
}

func (s *senderChannel) find(id uint16) ([]byte, bool) {
	for _, m := range s.history {
		if m.id == id {
			return m.payload, true
		}
	}
	return nil, false
}

// fragmentsOf splits payload into fragments of at most maxFragmentPayload
// bytes each, honoring an optional (offset,size) restriction — used both
// for the initial send (the full message) and for retransmission of a
// specific missing byte range.
func fragmentsOf(ch channel.ID, id uint16, payload []byte, rangeOff, rangeSize uint64, maxFragmentPayload uint32) []Fragment {
	if rangeSize == 0 {
		rangeOff, rangeSize = 0, uint64(len(payload))
	}
	end := rangeOff + rangeSize
	if end > uint64(len(payload)) {
		end = uint64(len(payload))
	}

	var out []Fragment
	for off := rangeOff; off < end; {
		n := end - off
		if n > uint64(maxFragmentPayload) {
			n = uint64(maxFragmentPayload)
		}
		out = append(out, Fragment{
			MessageID:      id,
			MessageSize:    uint32(len(payload)),
			FragmentOffset: uint32(off),
			FragmentSize:   uint32(n),
			Channel:        ch,
		})
		off += n
	}
	return out
}
