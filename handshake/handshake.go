// Package handshake implements spec §4.7: the SERVICE-channel opcode space
// and the HELLO/HELLO_RESPONSE/DISCOVERY/CONNECTION_REFUSED JSON message
// schema, plus the version-negotiation rule of spec §4.6/§4.7.
//
// Grounded on the teacher's ControlMsg/UserInfo/ChannelInfo JSON schema
// (server/protocol.go, client/transport.go): the same "one flat struct
// with omitempty tags" idiom, generalized from chat/voice-room fields to
// the handshake fields this spec names, plus a nested Options.Codecs
// sub-object original_source's HELLO payload carries.
package handshake

import (
	"encoding/json"
	"fmt"
)

// Opcode is the single byte preceding every SERVICE-channel JSON body
// (spec §4.7).
type Opcode uint8

const (
	OpDiscovery            Opcode = 0
	OpConnectionRefused     Opcode = 1
	OpStart                 Opcode = 3
	OpStop                  Opcode = 4
	OpTrackableDeviceCaps   Opcode = 5
	OpUpdate                Opcode = 6
	OpHello                 Opcode = 7
	OpStatLatency           Opcode = 8
	OpTerminateSession      Opcode = 13
	OpServerStat            Opcode = 14
	OpCodecsUpdate          Opcode = 15
)

func (o Opcode) String() string {
	switch o {
	case OpDiscovery:
		return "DISCOVERY"
	case OpConnectionRefused:
		return "CONNECTION_REFUSED"
	case OpStart:
		return "START"
	case OpStop:
		return "STOP"
	case OpTrackableDeviceCaps:
		return "TRACKABLE_DEVICE_CAPS"
	case OpUpdate:
		return "UPDATE"
	case OpHello:
		return "HELLO"
	case OpStatLatency:
		return "STAT_LATENCY"
	case OpTerminateSession:
		return "TERMINATE_SESSION"
	case OpServerStat:
		return "SERVER_STAT"
	case OpCodecsUpdate:
		return "CODECS_UPDATE"
	default:
		return fmt.Sprintf("OPCODE(%d)", o)
	}
}

// Codec describes one video or audio codec entry within Options.Codecs.
// Codec-specific attributes beyond Name ride in Attrs, matching the
// teacher's preference for flat, tag-driven structs over per-codec types.
type Codec struct {
	Name  string            `json:"name"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Codecs groups the client/server's supported codec lists.
type Codecs struct {
	VideoCodecs []Codec `json:"VideoCodecs,omitempty"`
	AudioCodecs []Codec `json:"AudioCodecs,omitempty"`
}

// Options is the optional nested bag carried by both HELLO and
// HELLO_RESPONSE.
type Options struct {
	Codecs *Codecs `json:"Codecs,omitempty"`
}

// Hello is the client→server connection request (spec §4.7 "HELLO
// request").
type Hello struct {
	ProtocolVersion    int      `json:"ProtocolVersion"`
	ProtocolMinVersion int      `json:"ProtocolMinVersion"`
	MaxDatagramSize    int      `json:"MaxDatagramSize"`
	DeviceID           string   `json:"DeviceID"`
	PlatformInfo       string   `json:"PlatformInfo"`
	Options            *Options `json:"Options,omitempty"`
}

// Platform name constants, the closed set spec §4.7 names.
const (
	PlatformWindows = "Windows"
	PlatformIOS     = "iOS"
	PlatformAndroid = "Android"
	PlatformLinux   = "Linux"
	PlatformUnknown = "Unknown"
)

// HelloResponse is the server→client accept (spec §4.7 "HELLO response").
type HelloResponse struct {
	ServerName         string   `json:"ServerName"`
	ProtocolVersion    int      `json:"ProtocolVersion"`
	ProtocolMinVersion int      `json:"ProtocolMinVersion"`
	DatagramSize       int      `json:"DatagramSize"`
	MaxDatagramSize    int      `json:"MaxDatagramSize"`
	Port               int      `json:"Port"`
	Transports         []string `json:"Transports,omitempty"`
	StreamID           *int     `json:"StreamID,omitempty"`
	Options            *Options `json:"Options,omitempty"`

	// WSFingerprint, when non-empty, is the SHA-256 fingerprint of the
	// self-signed certificate presented by this server's WebSocket
	// discovery listener (if any), so a client that can't validate a CA
	// chain can pin it out-of-band before falling back to that transport.
	WSFingerprint string `json:"WSFingerprint,omitempty"`
}

// DefaultTransports is substituted when a HelloResponse omits Transports
// (spec §4.7: "defaults to [UDP] if absent").
var DefaultTransports = []string{"UDP"}

// TransportsOrDefault returns r.Transports, or DefaultTransports if empty.
func (r HelloResponse) TransportsOrDefault() []string {
	if len(r.Transports) > 0 {
		return r.Transports
	}
	return DefaultTransports
}

// ConnectionRefused is the empty-bodied refusal (spec §4.7
// "CONNECTION_REFUSED has only the opcode and an empty JSON object").
type ConnectionRefused struct{}

// Discovery is the client's broadcast/direct server query.
type Discovery struct {
	DeviceID string `json:"DeviceID,omitempty"`
}

// Encode prefixes body's JSON encoding with op, matching spec §4.7 "every
// service message begins with a single-byte opcode followed by a UTF-8
// JSON body".
func Encode(op Opcode, body any) ([]byte, error) {
	j, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("handshake: encode %s: %w", op, err)
	}
	out := make([]byte, 1+len(j))
	out[0] = byte(op)
	copy(out[1:], j)
	return out, nil
}

// ErrShortMessage is returned by Decode when data has no opcode byte.
var ErrShortMessage = fmt.Errorf("handshake: message shorter than one opcode byte")

// Decode splits the leading opcode byte from the JSON body. Callers
// dispatch on the returned Opcode before unmarshaling the body into the
// matching type.
func Decode(data []byte) (Opcode, []byte, error) {
	if len(data) < 1 {
		return 0, nil, ErrShortMessage
	}
	return Opcode(data[0]), data[1:], nil
}

// NegotiateVersion implements spec §4.7's rule: the accepted version is
// min(maxLocal, maxRemote) provided it is >= max(minLocal, minRemote);
// otherwise negotiation fails and the peer must be refused.
func NegotiateVersion(minLocal, maxLocal, minRemote, maxRemote int) (int, bool) {
	accepted := maxLocal
	if maxRemote < accepted {
		accepted = maxRemote
	}
	floor := minLocal
	if minRemote > floor {
		floor = minRemote
	}
	if accepted < floor {
		return 0, false
	}
	return accepted, true
}
