package socket

import (
	"net"
	"testing"
	"time"
)

func TestClassifyConnectionClosed(t *testing.T) {
	if got := Classify(net.ErrClosed); got != ErrConnectionClosed {
		t.Fatalf("got %v, want ErrConnectionClosed", got)
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != ErrUnknown {
		t.Fatalf("got %v, want ErrUnknown", got)
	}
}

func TestClassifyTimeout(t *testing.T) {
	err := &net.OpError{Op: "read", Err: fakeTimeoutErr{}}
	if got := Classify(err); got != ErrConnectionTimeout {
		t.Fatalf("got %v, want ErrConnectionTimeout", got)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestUDPDatagramRoundTrip(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP a: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP b: %v", err)
	}
	defer b.Close()

	if err := a.SendTo(b.LocalAddr(), []byte("ping")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, _, err := b.ReceiveFrom(buf)
	if err != nil {
		t.Fatalf("ReceiveFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}
}

func TestBroadcastEnumeratorCachesWithinInterval(t *testing.T) {
	calls := 0
	enum := &BroadcastEnumerator{clk: func() time.Time { return time.Unix(int64(calls), 0) }}

	first, err := enum.Addrs()
	if err != nil {
		t.Fatalf("Addrs: %v", err)
	}
	calls++
	second, err := enum.Addrs()
	if err != nil {
		t.Fatalf("Addrs: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("expected cached result, got different lengths %d vs %d", len(first), len(second))
	}
}

func TestSelectorWaitAnyTimesOutWithoutData(t *testing.T) {
	sel := NewSelector(1)
	defer sel.Close()

	_, ok := sel.WaitAny(20 * time.Millisecond)
	if ok {
		t.Fatalf("expected timeout, got a result")
	}
}

func TestSelectorDeliversRegisteredSource(t *testing.T) {
	sel := NewSelector(1)
	defer sel.Close()

	done := make(chan struct{})
	sel.Register("test", func() ([]byte, error) {
		<-done // block until test signals, then return once
		return []byte("hi"), nil
	})
	close(done)

	r, ok := sel.WaitAny(time.Second)
	if !ok {
		t.Fatalf("expected a result before timeout")
	}
	if r.Source != "test" || string(r.Data) != "hi" {
		t.Fatalf("got %+v", r)
	}
}
