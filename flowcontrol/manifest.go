package flowcontrol

import (
	"encoding/binary"
	"fmt"

	"streamsdk/channel"
)

// ManifestVersion is the wire version of the retransmission-request
// manifest. spec §9 flags the original implementation's host-byte-order
// manifest as a defect; this core fixes the manifest to big-endian and
// bumps the version to 4 to advertise the change (see DESIGN.md).
const ManifestVersion uint8 = 4

// ByteRange is a missing byte range within a reassembly buffer. A zero
// range (Offset:0, Size:0) means "the entire message is missing" (spec
// §4.2.3).
type ByteRange struct {
	Offset uint64
	Size   uint64
}

// WholeMessage is the sentinel "entire message missing" chunk.
var WholeMessage = ByteRange{}

// MissingMessage names one message id and the byte ranges requested for it.
type MissingMessage struct {
	MessageID uint16
	Chunks    []ByteRange
}

// ChannelRequest groups missing messages by channel.
type ChannelRequest struct {
	Channel  channel.ID
	Messages []MissingMessage
}

// Manifest is the self-describing retransmission-request body carried on
// channel.System (spec §4.2.3).
type Manifest struct {
	Version  uint8
	Channels []ChannelRequest
}

// Encode serializes m into the SYSTEM-channel message body.
func (m Manifest) Encode() []byte {
	size := 8 + 1 + 1 + 1 // total_size + version + reserved + n_channels
	for _, cr := range m.Channels {
		size += 1 + 4 // channel_id + n_messages
		for _, mm := range cr.Messages {
			size += 2 + 4 // message_id + n_chunks
			size += len(mm.Chunks) * 16
		}
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], uint64(size))
	buf[8] = m.Version
	buf[9] = 0 // reserved
	buf[10] = uint8(len(m.Channels))

	off := 11
	for _, cr := range m.Channels {
		buf[off] = uint8(cr.Channel)
		off++
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(cr.Messages)))
		off += 4
		for _, mm := range cr.Messages {
			binary.BigEndian.PutUint16(buf[off:off+2], mm.MessageID)
			off += 2
			binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(mm.Chunks)))
			off += 4
			for _, c := range mm.Chunks {
				binary.BigEndian.PutUint64(buf[off:off+8], c.Offset)
				off += 8
				binary.BigEndian.PutUint64(buf[off:off+8], c.Size)
				off += 8
			}
		}
	}
	return buf
}

// ErrTruncatedManifest is returned when a manifest body is shorter than its
// own declared structure requires.
var ErrTruncatedManifest = fmt.Errorf("flowcontrol: truncated retransmission manifest")

// DecodeManifest parses a SYSTEM-channel message body produced by Encode.
func DecodeManifest(body []byte) (Manifest, error) {
	if len(body) < 11 {
		return Manifest{}, ErrTruncatedManifest
	}
	total := binary.BigEndian.Uint64(body[0:8])
	if total != uint64(len(body)) {
		return Manifest{}, ErrTruncatedManifest
	}
	m := Manifest{Version: body[8]}
	nChannels := int(body[10])

	off := 11
	need := func(n int) error {
		if off+n > len(body) {
			return ErrTruncatedManifest
		}
		return nil
	}

	for i := 0; i < nChannels; i++ {
		if err := need(1 + 4); err != nil {
			return Manifest{}, err
		}
		cr := ChannelRequest{Channel: channel.ID(body[off])}
		off++
		nMessages := binary.BigEndian.Uint32(body[off : off+4])
		off += 4

		for j := uint32(0); j < nMessages; j++ {
			if err := need(2 + 4); err != nil {
				return Manifest{}, err
			}
			mm := MissingMessage{MessageID: binary.BigEndian.Uint16(body[off : off+2])}
			off += 2
			nChunks := binary.BigEndian.Uint32(body[off : off+4])
			off += 4

			for k := uint32(0); k < nChunks; k++ {
				if err := need(16); err != nil {
					return Manifest{}, err
				}
				mm.Chunks = append(mm.Chunks, ByteRange{
					Offset: binary.BigEndian.Uint64(body[off : off+8]),
					Size:   binary.BigEndian.Uint64(body[off+8 : off+16]),
				})
				off += 16
			}
			cr.Messages = append(cr.Messages, mm)
		}
		m.Channels = append(m.Channels, cr)
	}
	return m, nil
}
