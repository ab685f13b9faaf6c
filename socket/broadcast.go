package socket

import (
	"net"
	"sync"
	"time"
)

// NICListUpdateInterval bounds how often EnumerateBroadcastAddrs re-walks
// the host's interfaces, matching original_source DatagramSocket's
// NIC_LIST_UPDATE_INTERVAL cache so discovery broadcasts (spec §4.7 Hello
// Discovery) don't re-enumerate on every send.
const NICListUpdateInterval = 5 * time.Second

// BroadcastEnumerator caches each local IPv4 interface's broadcast address,
// refreshing at most once per NICListUpdateInterval.
type BroadcastEnumerator struct {
	clk func() time.Time

	mu          sync.Mutex
	lastUpdated time.Time
	cached      []net.IP
}

// NewBroadcastEnumerator builds an enumerator using time.Now for cache
// expiry.
func NewBroadcastEnumerator() *BroadcastEnumerator {
	return &BroadcastEnumerator{clk: time.Now}
}

// Addrs returns the broadcast address of every up, non-loopback IPv4
// interface, refreshing the cache if it has expired.
func (b *BroadcastEnumerator) Addrs() ([]net.IP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk()
	if now.Sub(b.lastUpdated) < NICListUpdateInterval && b.cached != nil {
		return b.cached, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := make(net.IP, len(ip4))
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			out = append(out, bcast)
		}
	}

	b.cached = out
	b.lastUpdated = now
	return out, nil
}

// Broadcast sends b on every local broadcast interface at the given port,
// best-effort: it keeps sending to the remaining interfaces after a failed
// SendTo and returns the first error encountered, if any (spec §4.7's
// discovery broadcast, original_source DatagramSocket::Broadcast).
func Broadcast(d Datagram, enum *BroadcastEnumerator, port int, payload []byte) error {
	addrs, err := enum.Addrs()
	if err != nil {
		return err
	}

	var firstErr error
	for _, ip := range addrs {
		addr := &net.UDPAddr{IP: ip, Port: port}
		if err := d.SendTo(addr, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
