package transportserver

import (
	"net"
	"testing"

	"streamsdk/channel"
	"streamsdk/flowcontrol"
	"streamsdk/socket"
)

// newLoopbackSenderProtocol builds a flowcontrol.Protocol whose Emitter
// sends real UDP datagrams from sock to serverAddr, for exercising
// UDPServer end-to-end without hand-constructing wire bytes.
func newLoopbackSenderProtocol(t *testing.T, sock *socket.UDPDatagram, serverAddr net.Addr) *flowcontrol.Protocol {
	t.Helper()
	return flowcontrol.New(
		func(datagram []byte) error { return sock.SendTo(serverAddr, datagram) },
		func(channel.ID, uint16, []byte) {},
	)
}
