package socket

import (
	"context"
	"time"
)

// Selector multiplexes readiness across several sockets without dedicating
// one goroutine's worth of blocking I/O per source to the caller — the Go
// equivalent of original_source Socket's select()-based wait, expressed as
// a fan-in channel instead of an fd_set.
//
// Each registered source runs its own read loop (ReadFromUDP et al. already
// block in the runtime's netpoller, so this costs one goroutine per source,
// not one per readiness check); results funnel into a single channel that
// WaitAny drains with a timeout.
type Selector struct {
	results chan Readiness
	cancel  context.CancelFunc
	ctx     context.Context
}

// Readiness is one inbound event surfaced by a registered source.
type Readiness struct {
	Source string
	Data   []byte
	Err    error
}

// NewSelector creates an empty Selector. Call Register for each source
// and WaitAny to receive their results.
func NewSelector(bufSize int) *Selector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Selector{
		results: make(chan Readiness, bufSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register starts a goroutine that repeatedly calls recv until Close, or
// until recv returns an error, relaying every result as a Readiness tagged
// with name.
func (s *Selector) Register(name string, recv func() ([]byte, error)) {
	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			data, err := recv()
			select {
			case s.results <- Readiness{Source: name, Data: data, Err: err}:
			case <-s.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// WaitAny blocks until one registered source produces a Readiness, the
// timeout elapses (ok=false), or Close is called (ok=false).
func (s *Selector) WaitAny(timeout time.Duration) (Readiness, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-s.results:
		return r, true
	case <-timer.C:
		return Readiness{}, false
	case <-s.ctx.Done():
		return Readiness{}, false
	}
}

// Close stops all registered read loops. Outstanding blocking recv calls
// exit on their own once their underlying socket is closed by the caller.
func (s *Selector) Close() { s.cancel() }
