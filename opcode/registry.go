// Package opcode maps the operations of a remote interface onto compact
// numeric opcodes.
//
// Both peers build the mapping from the same interface definition: every
// operation signature is rendered in a canonical string form, the signatures
// are sorted, and the position in that order is the opcode. No names travel on
// the wire.
package opcode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"sort"
	"strings"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

// MaxOperations is the size of the opcode space.
const MaxOperations = 256

// ListenerKind marks operations whose arguments include a notification
// listener. Listeners cannot cross the wire; the client replaces them with the
// registration's correlation id.
type ListenerKind byte

const (
	ListenerNone ListenerKind = iota
	ListenerAdd
	ListenerRemove
)

// Operation is one signature of the remote interface.
type Operation struct {
	Name          string
	Context       bool         // Leading context.Context parameter, never encoded
	Params        []string     // Canonical names of the encoded parameter types
	Returns       bool         // True if the operation yields a value besides its error
	Result        string       // Canonical name of that value's type, not part of the signature
	Listener      ListenerKind // Add/remove listener special case
	ListenerParam int          // Index of the listener in Params, -1 if none
}

// Signature renders the canonical form used for ordering: Name(p1,p2,...).
func (op Operation) Signature() string {
	return op.Name + "(" + strings.Join(op.Params, ",") + ")"
}

// Descriptor is the ordered operation list of a remote interface.
type Descriptor []Operation

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// DescriptorOf derives a descriptor from a Go interface type. Every method must
// return either error or (T, error). A leading context.Context parameter is
// allowed and is not part of the signature. Parameters of listenerType mark add
// or remove listener operations, told apart by the method name prefix.
func DescriptorOf(iface, listenerType reflect.Type) (Descriptor, error) {
	if iface.Kind() != reflect.Interface {
		return nil, errors.Annotatef(rpcerr.Configuration, "%v is not an interface", iface)
	}
	d := make(Descriptor, 0, iface.NumMethod())
	for i := 0; i < iface.NumMethod(); i++ {
		m := iface.Method(i)
		mt := m.Type

		if mt.NumOut() == 0 || mt.NumOut() > 2 || mt.Out(mt.NumOut()-1) != errorType {
			return nil, errors.Annotatef(rpcerr.Configuration, "method %s must return error or (T, error)", m.Name)
		}
		op := Operation{
			Name:          m.Name,
			Params:        []string{},
			Returns:       mt.NumOut() == 2,
			ListenerParam: -1,
		}
		if op.Returns {
			op.Result = mt.Out(0).String()
		}
		first := 0
		if mt.NumIn() > 0 && mt.In(0) == contextType {
			op.Context = true
			first = 1
		}
		for j := first; j < mt.NumIn(); j++ {
			in := mt.In(j)
			if in == contextType {
				return nil, errors.Annotatef(rpcerr.Configuration, "method %s takes a context that is not the first parameter", m.Name)
			}
			op.Params = append(op.Params, in.String())
			if listenerType == nil || in != listenerType {
				continue
			}
			if op.ListenerParam >= 0 {
				return nil, errors.Annotatef(rpcerr.Configuration, "method %s takes more than one listener", m.Name)
			}
			op.ListenerParam = len(op.Params) - 1
			switch {
			case strings.HasPrefix(m.Name, "Add"):
				op.Listener = ListenerAdd
			case strings.HasPrefix(m.Name, "Remove"):
				op.Listener = ListenerRemove
			default:
				return nil, errors.Annotatef(rpcerr.Configuration, "method %s takes a listener but is neither Add nor Remove", m.Name)
			}
		}
		d = append(d, op)
	}
	return d, nil
}

// Registry is the bijection between operations and opcodes. It is immutable
// once built and safe for concurrent use.
type Registry struct {
	ops         []Operation
	bySignature map[string]byte
	byName      map[string]byte
	fingerprint string
}

// NewRegistry numbers the descriptor's operations in signature order.
func NewRegistry(d Descriptor) (*Registry, error) {
	if len(d) == 0 {
		return nil, errors.Annotate(rpcerr.Configuration, "empty descriptor")
	}
	if len(d) > MaxOperations {
		return nil, errors.Annotatef(rpcerr.Configuration, "%d operations exceed the opcode space", len(d))
	}

	ops := make([]Operation, len(d))
	copy(ops, d)
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Signature() < ops[j].Signature()
	})

	r := &Registry{
		ops:         ops,
		bySignature: make(map[string]byte, len(ops)),
		byName:      make(map[string]byte, len(ops)),
	}
	h := sha256.New()
	for i, op := range ops {
		sig := op.Signature()
		if _, dup := r.bySignature[sig]; dup {
			return nil, errors.Annotatef(rpcerr.Configuration, "duplicate operation %s", sig)
		}
		if _, dup := r.byName[op.Name]; dup {
			return nil, errors.Annotatef(rpcerr.Configuration, "overloaded operation %s", op.Name)
		}
		r.bySignature[sig] = byte(i)
		r.byName[op.Name] = byte(i)
		h.Write([]byte(sig))
		h.Write([]byte{'\n'})
	}
	r.fingerprint = hex.EncodeToString(h.Sum(nil))
	return r, nil
}

// Opcode returns the opcode of a canonical signature.
func (r *Registry) Opcode(signature string) (byte, bool) {
	code, ok := r.bySignature[signature]
	return code, ok
}

// OpcodeOf returns the opcode of an operation by name.
func (r *Registry) OpcodeOf(name string) (byte, bool) {
	code, ok := r.byName[name]
	return code, ok
}

// Operation returns the operation numbered code.
func (r *Registry) Operation(code byte) (Operation, bool) {
	if int(code) >= len(r.ops) {
		return Operation{}, false
	}
	return r.ops[code], true
}

// Operations returns the operations in opcode order.
func (r *Registry) Operations() []Operation {
	out := make([]Operation, len(r.ops))
	copy(out, r.ops)
	return out
}

func (r *Registry) Len() int {
	return len(r.ops)
}

// Fingerprint identifies the operation table. Peers with equal fingerprints
// agree on every opcode.
func (r *Registry) Fingerprint() string {
	return r.fingerprint
}
