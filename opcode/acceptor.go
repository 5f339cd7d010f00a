package opcode

import (
	"reflect"

	"github.com/juju/errors"

	"mbean-remoting/codec"
	"mbean-remoting/rpcerr"
)

// AcceptorSuffix is appended to an operation name to find its acceptor.
const AcceptorSuffix = "Response"

var int32Type = reflect.TypeOf(int32(0))

type acceptor struct {
	method    reflect.Method
	valueType reflect.Type // nil for void operations
}

// AcceptorTable resolves, for each opcode, the listener method that receives
// an asynchronous response:
//
//	void op  X(...) error      → XResponse(id int32)
//	value op X(...) (T, error) → XResponse(id int32, value T)
type AcceptorTable struct {
	typ       reflect.Type
	acceptors []acceptor
}

// NewAcceptorTable checks listenerType against every operation of r. A missing
// acceptor or one with the wrong arity is a configuration error.
func NewAcceptorTable(r *Registry, listenerType reflect.Type) (*AcceptorTable, error) {
	t := &AcceptorTable{
		typ:       listenerType,
		acceptors: make([]acceptor, r.Len()),
	}
	// Interface method types have no receiver; concrete ones do.
	recv := 1
	if listenerType.Kind() == reflect.Interface {
		recv = 0
	}

	for code, op := range r.ops {
		name := op.Name + AcceptorSuffix
		m, ok := listenerType.MethodByName(name)
		if !ok {
			return nil, errors.Annotatef(rpcerr.Configuration, "%v has no acceptor %s", listenerType, name)
		}
		want := 1
		if op.Returns {
			want = 2
		}
		if m.Type.NumIn()-recv != want || m.Type.NumOut() != 0 {
			return nil, errors.Annotatef(rpcerr.Configuration, "acceptor %s must take %d arguments and return nothing", name, want)
		}
		if m.Type.In(recv) != int32Type {
			return nil, errors.Annotatef(rpcerr.Configuration, "acceptor %s must take the correlation id as int32", name)
		}
		a := acceptor{method: m}
		if op.Returns {
			a.valueType = m.Type.In(recv + 1)
		}
		t.acceptors[code] = a
	}
	return t, nil
}

// Accept invokes the acceptor for code on listener.
func (t *AcceptorTable) Accept(listener any, code byte, id int32, value any) error {
	if int(code) >= len(t.acceptors) {
		return errors.Annotatef(rpcerr.UnknownOpcode, "opcode %d", code)
	}
	a := t.acceptors[code]
	fn := reflect.ValueOf(listener).MethodByName(a.method.Name)
	if !fn.IsValid() {
		return errors.Annotatef(rpcerr.Configuration, "%T has no acceptor %s", listener, a.method.Name)
	}

	args := []reflect.Value{reflect.ValueOf(id)}
	if a.valueType != nil {
		v, err := codec.ConvertTo(value, a.valueType)
		if err != nil {
			return errors.Trace(err)
		}
		args = append(args, v)
	}
	fn.Call(args)
	return nil
}
