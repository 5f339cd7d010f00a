// Package codec encodes argument and result lists into frame payloads.
//
// A payload is the encoding of zero or more values. Zero values always encode to
// an empty payload so decoders can short-circuit. A decoded list holding exactly
// one *rpcerr.RemoteError is the failure signal of a response (see Failure).
package codec

import (
	"encoding/gob"

	"mbean-remoting/rpcerr"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}

type Codec interface {
	Encode(values ...any) ([]byte, error)
	Decode(data []byte) ([]any, error)
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseType maps a configuration name onto a CodecType.
func ParseType(name string) (CodecType, bool) {
	switch name {
	case "json":
		return CodecTypeJSON, true
	case "binary", "gob", "":
		return CodecTypeBinary, true
	}
	return 0, false
}

// Register makes a concrete type transmissible inside an argument list by
// the binary codec. It must be called with the same types on both peers.
func Register(value any) {
	gob.Register(value)
}

func init() {
	Register(&rpcerr.RemoteError{})
	Register([]any(nil))
	Register(map[string]any(nil))
}

// Failure reports whether a decoded list is a remote failure.
func Failure(values []any) (*rpcerr.RemoteError, bool) {
	if len(values) != 1 {
		return nil, false
	}
	re, ok := values[0].(*rpcerr.RemoteError)
	return re, ok
}
