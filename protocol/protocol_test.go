package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeFrame,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("expect %d bytes, got %d", HeaderSize+len(body), buf.Len())
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestEncodeLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeFrame}, []byte{0xaa, 0xbb}); err != nil {
		t.Fatal(err)
	}
	want := []byte{'m', 'b', 'r', Version, CodecTypeBinary, byte(MsgTypeFrame), 0, 0, 0, 2, 0xaa, 0xbb}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", buf.Bytes(), want)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeFrame), 0x00, 0x00, 0x00, 0x0B})
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if !errors.Is(err, rpcerr.Decode) {
		t.Fatalf("expect decode error, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("error message should contain 'invalid magic number', instead: %v", err)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeHeartbeat}, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	h, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", h.MsgType, MsgTypeHeartbeat)
	}
	if h.BodyLen != 0 || len(body) != 0 {
		t.Errorf("expect empty body, got length %d", len(body))
	}
}

func TestDecodeInvalidHeader(t *testing.T) {
	cases := map[string][]byte{
		"version":  {MagicNumber, MagicByte2, MagicByte3, 0xFF, CodecTypeJSON, byte(MsgTypeFrame), 0, 0, 0, 0},
		"codec":    {MagicNumber, MagicByte2, MagicByte3, Version, 9, byte(MsgTypeFrame), 0, 0, 0, 0},
		"msg type": {MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, 7, 0, 0, 0, 0},
		"too long": {MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(MsgTypeFrame), 0xff, 0xff, 0xff, 0xff},
	}
	for name, frame := range cases {
		_, _, err := Decode(bytes.NewReader(frame))
		if !errors.Is(err, rpcerr.Decode) {
			t.Errorf("%s: expect decode error, got %v", name, err)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expect io.EOF on empty stream, got %v", err)
	}

	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(MsgTypeFrame), 0, 0, 0, 4, 1, 2}
	_, _, err = Decode(bytes.NewReader(frame))
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("expect io.ErrUnexpectedEOF on short body, got %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	if err := Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeFrame}, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}

func TestDecodeSequence(t *testing.T) {
	var buf bytes.Buffer
	for _, body := range []string{"a", "", "ccc"} {
		if err := Encode(&buf, &Header{MsgType: MsgTypeFrame}, []byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"a", "", "ccc"} {
		_, body, err := Decode(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if string(body) != want {
			t.Fatalf("got %q, want %q", body, want)
		}
	}
}
