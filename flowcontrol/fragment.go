// Package flowcontrol implements the datagram flow-control protocol of
// spec §4.2: fragmentation of arbitrary-sized messages into datagrams that
// fit a negotiated MTU, loss/duplication/reorder-tolerant reassembly,
// per-channel gap detection with bounded-history retransmission requests,
// and MTU adaptation driven by observed loss.
//
// It generalizes the teacher's flat per-sender NACK cache
// (server/client.go's cachedDatagram/dgramCache/"nack" control message) into
// the spec's full per-channel, per-message, byte-range retransmission
// protocol.
package flowcontrol

import (
	"encoding/binary"
	"fmt"

	"streamsdk/channel"
)

// HeaderSize is the encoded size of a Fragment header. The header carries
// message_id(u16) + message_size(u32) + fragment_offset(u32) +
// fragment_size(u32) + channel_id(u8) = 15 bytes.
const HeaderSize = 2 + 4 + 4 + 4 + 1

// Fragment is one datagram-sized slice of a logical message (spec §3).
type Fragment struct {
	MessageID      uint16
	MessageSize    uint32
	FragmentOffset uint32
	FragmentSize   uint32
	Channel        channel.ID
}

// Encode writes the header followed by payload[FragmentOffset:FragmentOffset+FragmentSize]
// into a freshly allocated datagram buffer.
func (f Fragment) Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+int(f.FragmentSize))
	binary.BigEndian.PutUint16(buf[0:2], f.MessageID)
	binary.BigEndian.PutUint32(buf[2:6], f.MessageSize)
	binary.BigEndian.PutUint32(buf[6:10], f.FragmentOffset)
	binary.BigEndian.PutUint32(buf[10:14], f.FragmentSize)
	buf[14] = uint8(f.Channel)
	copy(buf[HeaderSize:], payload)
	return buf
}

// ErrIncompleteFragment is returned when a datagram is too short to contain
// a header, or its declared fragment_size disagrees with the actual payload
// length (spec §4.2.2 step 1).
var ErrIncompleteFragment = fmt.Errorf("flowcontrol: incomplete fragment")

// DecodeFragment parses a received datagram into its header and payload
// slice (which aliases datagram — callers that retain it across calls must
// copy).
func DecodeFragment(datagram []byte) (Fragment, []byte, error) {
	if len(datagram) < HeaderSize {
		return Fragment{}, nil, ErrIncompleteFragment
	}
	f := Fragment{
		MessageID:      binary.BigEndian.Uint16(datagram[0:2]),
		MessageSize:    binary.BigEndian.Uint32(datagram[2:6]),
		FragmentOffset: binary.BigEndian.Uint32(datagram[6:10]),
		FragmentSize:   binary.BigEndian.Uint32(datagram[10:14]),
		Channel:        channel.ID(datagram[14]),
	}
	if int(f.FragmentSize)+HeaderSize != len(datagram) {
		return Fragment{}, nil, ErrIncompleteFragment
	}
	if uint64(f.FragmentOffset)+uint64(f.FragmentSize) > uint64(f.MessageSize) {
		return Fragment{}, nil, ErrIncompleteFragment
	}
	return f, datagram[HeaderSize:], nil
}

// sizeBucket classifies a message size into one of the MTU monitor's eight
// buckets (spec §3 "MTU monitor").
type sizeBucket int

const (
	bucket508 sizeBucket = iota
	bucket1KiB
	bucket4KiB
	bucket8KiB
	bucket16KiB
	bucket32KiB
	bucket64KiB
	bucketOver64KiB
	numBuckets
)

// bucketUpperBound is the inclusive upper size (in bytes) of each bucket,
// except bucketOver64KiB which has no finite upper bound.
var bucketUpperBound = [numBuckets]uint32{
	bucket508:  508,
	bucket1KiB: 1024,
	bucket4KiB: 4096,
	bucket8KiB: 8192,
	bucket16KiB: 16384,
	bucket32KiB: 32768,
	bucket64KiB: 65536,
}

func classify(size uint32) sizeBucket {
	for b := bucket508; b < bucketOver64KiB; b++ {
		if size <= bucketUpperBound[b] {
			return b
		}
	}
	return bucketOver64KiB
}
