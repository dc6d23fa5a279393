package cloudbus

import (
	"testing"

	"github.com/agms-cesar/knot-virtualthing/internal/gateway"
)

func TestLink_ChannelNames(t *testing.T) {
	l := &Link{deviceID: "abc123"}
	if got, want := l.inChannel(), "knot:abc123:in"; got != want {
		t.Errorf("inChannel() = %q, want %q", got, want)
	}
	if got, want := l.outChannel(), "knot:abc123:out"; got != want {
		t.Errorf("outChannel() = %q, want %q", got, want)
	}
}

func TestDecode_RegisterOK(t *testing.T) {
	l := &Link{}
	msg, err := l.decode(`{"kind":"register","token":"tok-1"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != gateway.MsgRegister || msg.Error || msg.Token != "tok-1" {
		t.Errorf("got %+v", msg)
	}
}

func TestDecode_UpdateWithValues(t *testing.T) {
	l := &Link{}
	msg, err := l.decode(`{"kind":"update","sensors":[3],"values":[{"kind":"int","int":42}]}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Sensors) != 1 || msg.Sensors[0] != 3 {
		t.Fatalf("sensors = %v", msg.Sensors)
	}
	if len(msg.Values) != 1 || msg.Values[0].Int != 42 || msg.Values[0].Kind != gateway.KindInt {
		t.Fatalf("values = %+v", msg.Values)
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	l := &Link{}
	if _, err := l.decode(`{"kind":"bogus"}`); err == nil {
		t.Error("expected an error for an unknown message kind")
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	l := &Link{}
	if _, err := l.decode(`not json`); err == nil {
		t.Error("expected an error for malformed JSON")
	}
}

func TestValueRoundTrip(t *testing.T) {
	cases := []gateway.Value{
		{Kind: gateway.KindInt, Int: -7},
		{Kind: gateway.KindFloat, F: 3.5},
		{Kind: gateway.KindBool, B: true},
		{Kind: gateway.KindString, S: "ok"},
	}
	for _, v := range cases {
		got := wireToValue(valueToWire(v))
		if !got.Equal(v) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, v)
		}
	}
}
