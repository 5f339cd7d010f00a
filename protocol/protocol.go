// Package protocol implements the stream envelope that carries wire frames over
// a byte stream such as TCP.
//
// A stream has no message boundaries, so every frame travels inside an
// envelope: a fixed 10-byte header followed by the frame as the body. The
// receiver reads the header first to learn the body length, then reads exactly
// that many bytes. Correlation lives inside the frame, so unlike a classic RPC
// header there is no sequence number here.
//
// Envelope format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ mbr  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

// Magic number bytes: "mbr" (mbean remoting).
// Used to reject non-protocol connections early (e.g. an HTTP client hitting
// the wrong port).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x62 // 'b'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a peer can force with a forged header.
	MaxBodyLen uint32 = 64 << 20
)

// MsgType distinguishes frames from heartbeats.
type MsgType byte

const (
	MsgTypeFrame     MsgType = 0 // Body is one wire frame
	MsgTypeHeartbeat MsgType = 1 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 10-byte envelope header.
type Header struct {
	CodecType byte    // Payload codec the sender used: 0=JSON, 1=Binary
	MsgType   MsgType // Frame or Heartbeat
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete envelope (header + body) to w in a single write.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise envelopes interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return errors.Errorf("body of %d bytes exceeds limit %d", len(body), MaxBodyLen)
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	// Body length is taken from the body, not the header, so they cannot disagree.
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return errors.Trace(err)
}

// Decode reads a complete envelope from r.
// It validates the magic number, version, codec type, and message type, and
// uses io.ReadFull so a partial read never yields a short body.
// Malformed headers are reported as rpcerr.Decode; I/O errors such as io.EOF
// are returned unchanged so callers can tell a closed stream apart.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Annotatef(rpcerr.Decode, "invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.Annotatef(rpcerr.Decode, "unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, errors.Annotatef(rpcerr.Decode, "unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeFrame && msgType != MsgTypeHeartbeat {
		return nil, nil, errors.Annotatef(rpcerr.Decode, "unsupported message type: %d", msgType)
	}
	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.Annotatef(rpcerr.Decode, "body length %d exceeds limit %d", bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, body, nil
}
