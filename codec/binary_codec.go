package codec

import (
	"bytes"
	"encoding/gob"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

// BinaryCodec encodes the value list with encoding/gob.
// Concrete types are preserved across the wire as long as both peers
// registered them (see Register); nil elements are kept as nil.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(values ...any) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(values); err != nil {
		return nil, errors.Annotate(err, "BinaryCodec: encode")
	}
	return buf.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte) ([]any, error) {
	if len(data) == 0 {
		return []any{}, nil
	}
	var values []any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&values); err != nil {
		return nil, errors.Annotatef(rpcerr.Decode, "BinaryCodec: %v", err)
	}
	if values == nil {
		values = []any{}
	}
	return values, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
