package message

import (
	"bytes"
	"testing"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

func TestRequestLayout(t *testing.T) {
	f := &Frame{
		Kind:          KindRequest,
		Routing:       "jvm",
		CorrelationID: 0x01020304,
		Opcode:        7,
		Payload:       []byte("ab"),
	}
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := []byte{
		0x00,          // kind
		0x03,          // routing length
		'j', 'v', 'm', // routing
		0x01, 0x02, 0x03, 0x04, // correlation id
		0x07,                   // opcode
		0x00, 0x00, 0x00, 0x02, // payload length
		'a', 'b',
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("request layout mismatch:\n got %x\nwant %x", data, want)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Routing != "jvm" || decoded.CorrelationID != 0x01020304 || decoded.Opcode != 7 {
		t.Errorf("decoded header mismatch: %+v", decoded)
	}
	if string(decoded.Payload) != "ab" {
		t.Errorf("Payload mismatch: got %q", decoded.Payload)
	}
}

func TestRequestDefaultRouting(t *testing.T) {
	f := &Frame{Kind: KindRequest, CorrelationID: 1, Opcode: 0}
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := []byte{0x00, 0x00, 0, 0, 0, 1, 0x00, 0, 0, 0, 0}
	if !bytes.Equal(data, want) {
		t.Fatalf("got %x, want %x", data, want)
	}
}

func TestResponseLayout(t *testing.T) {
	f := &Frame{Kind: KindResponse, CorrelationID: -2, Opcode: 0xff, Payload: []byte{9}}
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := []byte{0x01, 0xff, 0xff, 0xff, 0xfe, 0xff, 0, 0, 0, 1, 9}
	if !bytes.Equal(data, want) {
		t.Fatalf("got %x, want %x", data, want)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.CorrelationID != -2 || decoded.Opcode != 0xff {
		t.Errorf("decoded header mismatch: %+v", decoded)
	}
}

func TestNotificationLayout(t *testing.T) {
	f := &Frame{Kind: KindNotification, CorrelationID: 42, Payload: []byte("n")}
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := []byte{0x02, 0, 0, 0, 42, 0, 0, 0, 1, 'n'}
	if !bytes.Equal(data, want) {
		t.Fatalf("got %x, want %x", data, want)
	}
}

func TestMarshalRejectsLongRouting(t *testing.T) {
	f := &Frame{Kind: KindRequest, Routing: string(make([]byte, MaxRoutingLen+1))}
	if _, err := f.Marshal(); err == nil {
		t.Fatal("expect error for routing tag over 255 bytes")
	}
}

func TestMarshalRejectsRoutingOnResponse(t *testing.T) {
	f := &Frame{Kind: KindResponse, Routing: "x"}
	if _, err := f.Marshal(); err == nil {
		t.Fatal("expect error for routing tag on a response")
	}
}

func TestUnmarshalErrors(t *testing.T) {
	cases := map[string][]byte{
		"empty":         {},
		"unknown kind":  {0x09, 0, 0, 0, 1},
		"short routing": {0x00, 0x05, 'a'},
		"short payload": {0x01, 0, 0, 0, 1, 0, 0, 0, 0, 3, 'a'},
		"trailing":      {0x02, 0, 0, 0, 1, 0, 0, 0, 0, 'x'},
	}
	for name, data := range cases {
		_, err := Unmarshal(data)
		if err == nil {
			t.Errorf("%s: expect error", name)
			continue
		}
		if !errors.Is(err, rpcerr.Decode) {
			t.Errorf("%s: expect decode error, got %v", name, err)
		}
	}
}
