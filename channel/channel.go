// Package channel defines the small, stable logical-channel enumeration
// multiplexed over one session (spec §3 "Channel") and a per-channel
// callback dispatch table used to route delivered messages up to the
// application, generalizing the string-tagged switch the teacher used for
// voice-room control messages (server/client.go's processControl) into a
// closed numeric space.
package channel

import "fmt"

// ID is the wire representation of a logical channel: a single byte.
type ID uint8

const (
	Service      ID = 0
	VideoOut     ID = 1
	AudioOut     ID = 2
	AudioIn      ID = 3
	SensorsIn    ID = 4
	controllerIn ID = 5 // reserved/deprecated, never registered
	MiscOut      ID = 6
	SensorsOut   ID = 7
	UserDefined  ID = 8
	VideoIn      ID = 9

	// System is reserved for retransmission-request manifests (spec §4.2.3)
	// and is never delivered to the application.
	System ID = 255
)

func (c ID) String() string {
	switch c {
	case Service:
		return "service"
	case VideoOut:
		return "video_out"
	case AudioOut:
		return "audio_out"
	case AudioIn:
		return "audio_in"
	case SensorsIn:
		return "sensors_in"
	case controllerIn:
		return "controller_in(deprecated)"
	case MiscOut:
		return "misc_out"
	case SensorsOut:
		return "sensors_out"
	case UserDefined:
		return "user_defined"
	case VideoIn:
		return "video_in"
	case System:
		return "system"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Deliverable reports whether messages on this channel may ever be
// surfaced to the application. The System channel and the reserved/
// deprecated ControllerIn slot are not.
func (c ID) Deliverable() bool {
	return c != System && c != controllerIn
}

// Handler receives one fully reassembled, in-order logical message.
type Handler func(msgID uint16, payload []byte)

// Router dispatches delivered messages to per-channel callbacks. It holds
// no locking of its own beyond what's needed to register handlers safely
// before traffic starts; delivery itself is expected to be single-threaded
// per channel (spec §5 ordering guarantees), matching the way the teacher
// registers all SetOnXxx callbacks once at startup before Connect.
type Router struct {
	handlers map[ID]Handler
}

// NewRouter returns an empty dispatch table.
func NewRouter() *Router {
	return &Router{handlers: make(map[ID]Handler)}
}

// On registers the handler invoked for messages delivered on ch. Passing a
// nil handler removes any existing registration. Registering a handler for
// the System channel panics: those messages never leave the flow-control
// layer (spec §3).
func (r *Router) On(ch ID, h Handler) {
	if ch == System {
		panic("channel: System channel is never delivered to the application")
	}
	if h == nil {
		delete(r.handlers, ch)
		return
	}
	r.handlers[ch] = h
}

// Dispatch delivers one message to its registered handler, if any. Messages
// on channels with no registered handler are silently dropped, matching the
// teacher's default case (no match) in processControl's type switch.
func (r *Router) Dispatch(ch ID, msgID uint16, payload []byte) {
	if !ch.Deliverable() {
		return
	}
	if h, ok := r.handlers[ch]; ok {
		h(msgID, payload)
	}
}
