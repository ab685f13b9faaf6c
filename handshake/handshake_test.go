package handshake

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Hello{
		ProtocolVersion:    4,
		ProtocolMinVersion: 3,
		MaxDatagramSize:    1400,
		DeviceID:           "device-1",
		PlatformInfo:       PlatformLinux,
		Options: &Options{
			Codecs: &Codecs{
				VideoCodecs: []Codec{{Name: "h264"}},
			},
		},
	}

	data, err := Encode(OpHello, h)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	op, body, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if op != OpHello {
		t.Fatalf("got opcode %v, want OpHello", op)
	}

	var got Hello
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.DeviceID != h.DeviceID || got.Options.Codecs.VideoCodecs[0].Name != "h264" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeShortMessage(t *testing.T) {
	if _, _, err := Decode(nil); err != ErrShortMessage {
		t.Fatalf("got err %v, want ErrShortMessage", err)
	}
}

func TestHelloResponseTransportsDefault(t *testing.T) {
	r := HelloResponse{}
	got := r.TransportsOrDefault()
	if len(got) != 1 || got[0] != "UDP" {
		t.Fatalf("got %v, want [UDP]", got)
	}

	r.Transports = []string{"TCP"}
	got = r.TransportsOrDefault()
	if len(got) != 1 || got[0] != "TCP" {
		t.Fatalf("got %v, want [TCP]", got)
	}
}

func TestNegotiateVersionWithinOverlap(t *testing.T) {
	v, ok := NegotiateVersion(1, 4, 2, 5)
	if !ok || v != 4 {
		t.Fatalf("got v=%d ok=%v, want v=4 ok=true", v, ok)
	}
}

func TestNegotiateVersionNoOverlapRefused(t *testing.T) {
	_, ok := NegotiateVersion(3, 4, 1, 2)
	if ok {
		t.Fatalf("expected negotiation to fail when ranges don't overlap")
	}
}

func TestNegotiateVersionExactBoundary(t *testing.T) {
	v, ok := NegotiateVersion(2, 4, 4, 6)
	if !ok || v != 4 {
		t.Fatalf("got v=%d ok=%v, want v=4 ok=true (boundary case)", v, ok)
	}
}

func TestConnectionRefusedEncodesEmptyObject(t *testing.T) {
	data, err := Encode(OpConnectionRefused, ConnectionRefused{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != string(append([]byte{byte(OpConnectionRefused)}, []byte("{}")...)) {
		t.Fatalf("got %q", data)
	}
}
