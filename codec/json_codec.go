package codec

import (
	"encoding/json"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

// JSONCodec encodes the value list as a JSON array.
// Pros: human-readable, cross-language, easy to debug.
// Cons: concrete types are lost (numbers come back as float64, structs as maps);
// receivers coerce them with ConvertTo.
//
// Each element is wrapped so a RemoteError can be told apart from a value:
//
//	[{"v":1},{"v":"x"},{"e":"boom"}]
type JSONCodec struct{}

type jsonElement struct {
	Value any     `json:"v"`
	Error *string `json:"e,omitempty"`
}

func (c *JSONCodec) Encode(values ...any) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	elems := make([]jsonElement, len(values))
	for i, v := range values {
		if re, ok := v.(*rpcerr.RemoteError); ok && re != nil {
			msg := re.Message
			elems[i].Error = &msg
			continue
		}
		elems[i].Value = v
	}
	data, err := json.Marshal(elems)
	if err != nil {
		return nil, errors.Annotate(err, "JSONCodec: encode")
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte) ([]any, error) {
	if len(data) == 0 {
		return []any{}, nil
	}
	var elems []jsonElement
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, errors.Annotatef(rpcerr.Decode, "JSONCodec: %v", err)
	}
	values := make([]any, len(elems))
	for i, e := range elems {
		if e.Error != nil {
			values[i] = &rpcerr.RemoteError{Message: *e.Error}
			continue
		}
		values[i] = e.Value
	}
	return values, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
