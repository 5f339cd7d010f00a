package codec

import (
	"encoding/json"
	"reflect"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

// ConvertTo coerces a decoded value into t.
//
// The binary codec usually yields values that are directly assignable. The JSON
// codec does not (numbers are float64, structs are maps), so the fallbacks are a
// numeric conversion and finally a JSON re-decode into a fresh t.
func ConvertTo(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if isNumeric(rv.Kind()) && isNumeric(t.Kind()) {
		return rv.Convert(t), nil
	}
	if rv.Kind() == reflect.String && t.Kind() == reflect.String {
		return rv.Convert(t), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, errors.Annotatef(rpcerr.Decode, "cannot convert %T to %v: %v", v, t, err)
	}
	out := reflect.New(t)
	if err := json.Unmarshal(data, out.Interface()); err != nil {
		return reflect.Value{}, errors.Annotatef(rpcerr.Decode, "cannot convert %T to %v: %v", v, t, err)
	}
	return out.Elem(), nil
}

// As is the generic form of ConvertTo.
func As[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	rv, err := ConvertTo(v, reflect.TypeOf(&zero).Elem())
	if err != nil {
		return zero, err
	}
	return rv.Interface().(T), nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
