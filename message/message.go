// Package message defines the frames exchanged between a client and a server.
//
// A Frame is one self-contained unit on the wire. It is carried as the body of a
// protocol envelope, but its layout is fixed and independent of the transport:
//
//	REQUEST       ┌──┬──┬─────────┬──────┬──┬──────────┬─────────┐
//	              │k0│rl│ routing │  id  │op│  plen    │ payload │
//	              │1B│1B│ rl bytes│ 4B   │1B│  4B      │ plen B  │
//	              └──┴──┴─────────┴──────┴──┴──────────┴─────────┘
//	RESPONSE      ┌──┬──────┬──┬──────────┬─────────┐
//	              │k1│  id  │op│  plen    │ payload │
//	              └──┴──────┴──┴──────────┴─────────┘
//	NOTIFICATION  ┌──┬──────┬──────────┬─────────┐
//	              │k2│  id  │  plen    │ payload │
//	              └──┴──────┴──────────┴─────────┘
//
// All integers are big-endian. A zero routing length selects the default target.
package message

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

// Kind distinguishes request, response and notification frames.
type Kind byte

const (
	KindRequest      Kind = 0 // Client → Server call
	KindResponse     Kind = 1 // Server → Client reply, mirrors the request id and opcode
	KindNotification Kind = 2 // Server → Client push for a registered listener
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindNotification:
		return "NOTIFICATION"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// MaxRoutingLen is the longest routing tag a request can carry.
const MaxRoutingLen = 255

// Frame carries a single request, response or notification.
//
//   - Request:      Routing, CorrelationID, Opcode and Payload (encoded arguments) are set.
//   - Response:     CorrelationID and Opcode mirror the request, Payload holds the result.
//   - Notification: CorrelationID is the listener registration id; Opcode is unused.
type Frame struct {
	Kind          Kind
	Routing       string // Target namespace tag, "" for the default target
	CorrelationID int32
	Opcode        byte
	Payload       []byte
}

// Size returns the encoded length of the frame.
func (f *Frame) Size() int {
	switch f.Kind {
	case KindRequest:
		return 1 + 1 + len(f.Routing) + 4 + 1 + 4 + len(f.Payload)
	case KindResponse:
		return 1 + 4 + 1 + 4 + len(f.Payload)
	default:
		return 1 + 4 + 4 + len(f.Payload)
	}
}

// Marshal encodes the frame in its wire layout.
func (f *Frame) Marshal() ([]byte, error) {
	switch f.Kind {
	case KindRequest, KindResponse, KindNotification:
	default:
		return nil, errors.Errorf("cannot marshal frame of kind %v", f.Kind)
	}
	if len(f.Routing) > MaxRoutingLen {
		return nil, errors.Errorf("routing tag too long: %d bytes", len(f.Routing))
	}
	if f.Kind != KindRequest && f.Routing != "" {
		return nil, errors.Errorf("%v frame cannot carry a routing tag", f.Kind)
	}

	buf := make([]byte, f.Size())
	offset := 0

	// Kind -- 1 byte
	buf[offset] = byte(f.Kind)
	offset++

	if f.Kind == KindRequest {
		// Routing length -- 1 byte, routing -- n bytes
		buf[offset] = byte(len(f.Routing))
		offset++
		copy(buf[offset:], f.Routing)
		offset += len(f.Routing)
	}

	// Correlation id -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(f.CorrelationID))
	offset += 4

	if f.Kind != KindNotification {
		// Opcode -- 1 byte
		buf[offset] = f.Opcode
		offset++
	}

	// Payload length -- 4 bytes, payload -- n bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(f.Payload)))
	offset += 4
	copy(buf[offset:], f.Payload)
	return buf, nil
}

// Unmarshal decodes a frame from data. The whole slice must be consumed.
func Unmarshal(data []byte) (*Frame, error) {
	r := reader{data: data}

	kind, err := r.byte()
	if err != nil {
		return nil, err
	}
	f := &Frame{Kind: Kind(kind)}
	switch f.Kind {
	case KindRequest, KindResponse, KindNotification:
	default:
		return nil, errors.Annotatef(rpcerr.Decode, "unknown frame kind %d", kind)
	}

	if f.Kind == KindRequest {
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		routing, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		f.Routing = string(routing)
	}

	id, err := r.uint32()
	if err != nil {
		return nil, err
	}
	f.CorrelationID = int32(id)

	if f.Kind != KindNotification {
		if f.Opcode, err = r.byte(); err != nil {
			return nil, err
		}
	}

	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	payload, err := r.bytes(int(n))
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		f.Payload = make([]byte, len(payload))
		copy(f.Payload, payload)
	}

	if r.offset != len(data) {
		return nil, errors.Annotatef(rpcerr.Decode, "%d trailing bytes after %v frame", len(data)-r.offset, f.Kind)
	}
	return f, nil
}

type reader struct {
	data   []byte
	offset int
}

func (r *reader) need(n int) error {
	if n < 0 || len(r.data)-r.offset < n {
		return errors.Annotatef(rpcerr.Decode, "frame truncated at offset %d, need %d more bytes", r.offset, n)
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.offset : r.offset+4])
	r.offset += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

// Result is the outcome of a server-side invocation before it is encoded into
// a RESPONSE payload.
//
//   - Void:  the operation returns nothing, the payload is empty.
//   - Err:   non-nil if the call failed; it is sent as a RemoteError.
//   - Value: the return value otherwise.
type Result struct {
	Value any
	Void  bool
	Err   error
}
