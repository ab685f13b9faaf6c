// Package transportstream implements the stream flow-control protocol of
// spec §4.3: length-prefixed framing over a reliable, ordered byte stream.
// Unlike package flowcontrol, there is no fragmentation, reassembly, or
// retransmission logic here — the substrate (TCP or a QUIC stream) already
// guarantees ordering and delivery, so framing is all that remains.
//
// Grounded on the teacher's control-stream framing: client/transport.go's
// writeCtrl/readControl and server/client.go's bufio.Reader.ReadBytes('\n')
// loop, generalized from newline-delimited JSON to the binary
// u32-size|u8-channel|u16-id header spec §4.3 requires.
package transportstream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"streamsdk/channel"
)

// HeaderSize is the encoded size of a stream frame header: msg_size(u32) +
// channel_id(u8) + message_id(u16) = 7 bytes.
const HeaderSize = 4 + 1 + 2

// MaxBodySize bounds how large a single framed message may be, guarding
// against a corrupt or malicious peer claiming an unbounded msg_size.
const MaxBodySize = 64 << 20 // 64 MiB

// Frame is one length-prefixed message on the reliable stream.
type Frame struct {
	Channel   channel.ID
	MessageID uint16
	Body      []byte
}

// Encode serializes f's header and body into one write-ready buffer.
func (f Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Body)))
	buf[4] = uint8(f.Channel)
	binary.BigEndian.PutUint16(buf[5:7], f.MessageID)
	copy(buf[HeaderSize:], f.Body)
	return buf
}

// ErrFrameTooLarge is returned by Receive when a peer's declared body
// size exceeds MaxBodySize.
var ErrFrameTooLarge = fmt.Errorf("transportstream: frame exceeds MaxBodySize")

// ErrTruncatedFrame is returned by DecodeFrame when buf is shorter than its
// own header declares.
var ErrTruncatedFrame = fmt.Errorf("transportstream: truncated frame")

// DecodeFrame parses one complete, already-delimited header+body buffer
// produced by Encode — the counterpart to Receive for a caller that reads a
// whole frame off the wire itself (socket.Selector's per-connection
// goroutines do this, since Selector's recv signature returns a []byte
// rather than a Frame).
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, ErrTruncatedFrame
	}
	size := binary.BigEndian.Uint32(buf[0:4])
	ch := channel.ID(buf[4])
	id := binary.BigEndian.Uint16(buf[5:7])
	if uint32(len(buf)-HeaderSize) != size {
		return Frame{}, ErrTruncatedFrame
	}
	return Frame{Channel: ch, MessageID: id, Body: buf[HeaderSize:]}, nil
}

// Conn wraps a reliable, ordered, full-duplex byte stream (a *net.TCPConn
// or a quic-go stream) with framed Send/Receive. Writes are serialized
// with a mutex, since concurrent writers would otherwise interleave
// headers and bodies (spec §4.3's "send serializes outbound writes with a
// per-session mutex").
type Conn struct {
	rw io.ReadWriter

	writeMu sync.Mutex
	reader  *bufio.Reader
}

// NewConn wraps rw for framed use. rw is typically a *net.TCPConn or a
// quic.Stream; Conn takes no ownership beyond buffering reads.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw, reader: bufio.NewReaderSize(rw, 64<<10)}
}

// Send writes one frame, blocking until the full header+body is written.
func (c *Conn) Send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.rw.Write(f.Encode())
	return err
}

// Receive blocks for exactly one frame: the header, then its declared body
// length in full (spec §4.3: "reads exactly the header, grows its receive
// buffer to msg_size, then blocking-reads exactly that many bytes").
func (c *Conn) Receive() (Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return Frame{}, err
	}

	size := binary.BigEndian.Uint32(header[0:4])
	if size > MaxBodySize {
		return Frame{}, ErrFrameTooLarge
	}
	ch := channel.ID(header[4])
	id := binary.BigEndian.Uint16(header[5:7])

	body := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Channel: ch, MessageID: id, Body: body}, nil
}
