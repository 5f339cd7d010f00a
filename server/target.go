package server

import (
	"context"
	"reflect"

	"github.com/juju/errors"

	"mbean-remoting/codec"
	"mbean-remoting/message"
	"mbean-remoting/opcode"
	"mbean-remoting/rpcerr"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// target is a registered remote object with its methods resolved by opcode.
type target struct {
	routing string
	rcvr    reflect.Value
	methods []reflect.Value // indexed by opcode
}

// newTarget resolves every operation of reg on rcvr. A missing or mismatched
// method is a configuration error.
func newTarget(reg *opcode.Registry, routing string, rcvr any) (*target, error) {
	if rcvr == nil {
		return nil, errors.Annotatef(rpcerr.Configuration, "nil target for routing %q", routing)
	}
	val := reflect.ValueOf(rcvr)
	t := &target{
		routing: routing,
		rcvr:    val,
		methods: make([]reflect.Value, reg.Len()),
	}
	for code, op := range reg.Operations() {
		m := val.MethodByName(op.Name)
		if !m.IsValid() {
			return nil, errors.Annotatef(rpcerr.Configuration, "%T has no method %s", rcvr, op.Name)
		}
		if err := checkMethod(op, m.Type()); err != nil {
			return nil, errors.Annotatef(rpcerr.Configuration, "%T.%s: %v", rcvr, op.Name, err)
		}
		t.methods[code] = m
	}
	return t, nil
}

func checkMethod(op opcode.Operation, mt reflect.Type) error {
	first := 0
	if op.Context {
		if mt.NumIn() == 0 || mt.In(0) != contextType {
			return errors.New("first parameter must be context.Context")
		}
		first = 1
	}
	if mt.NumIn()-first != len(op.Params) {
		return errors.Errorf("takes %d parameters, want %d", mt.NumIn()-first, len(op.Params))
	}
	for i, p := range op.Params {
		if got := mt.In(first + i).String(); got != p {
			return errors.Errorf("parameter %d is %s, want %s", i, got, p)
		}
	}
	want := 1
	if op.Returns {
		want = 2
	}
	if mt.NumOut() != want || mt.Out(want-1) != errorType {
		return errors.Errorf("returns %d values, want %d ending in error", mt.NumOut(), want)
	}
	if op.Returns && mt.Out(0).String() != op.Result {
		return errors.Errorf("returns %s, want %s", mt.Out(0), op.Result)
	}
	return nil
}

// call invokes the operation at code with decoded args. Conversion failures,
// returned errors and panics all end up in Result.Err.
func (t *target) call(ctx context.Context, code byte, op opcode.Operation, args []any) (res *message.Result) {
	m := t.methods[code]
	mt := m.Type()

	in := make([]reflect.Value, 0, mt.NumIn())
	if op.Context {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, arg := range args {
		v, err := codec.ConvertTo(arg, mt.In(len(in)))
		if err != nil {
			return &message.Result{Err: errors.Annotatef(err, "%s argument %d", op.Name, i)}
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			res = &message.Result{Err: errors.Errorf("%s panicked: %v", op.Name, r)}
		}
	}()
	out := m.Call(in)

	if errv := out[len(out)-1]; !errv.IsNil() {
		return &message.Result{Err: errv.Interface().(error)}
	}
	if !op.Returns {
		return &message.Result{Void: true}
	}
	return &message.Result{Value: out[0].Interface()}
}
