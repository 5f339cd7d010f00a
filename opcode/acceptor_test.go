package opcode

import (
	"reflect"
	"testing"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

type storeListener struct {
	calls []string
	value any
}

func (l *storeListener) GetResponse(id int32, value string) {
	l.calls = append(l.calls, "Get")
	l.value = value
}
func (l *storeListener) PutResponse(id int32) { l.calls = append(l.calls, "Put") }
func (l *storeListener) LenResponse(id int32, n int) {
	l.calls = append(l.calls, "Len")
	l.value = n
}
func (l *storeListener) AddWatcherResponse(id int32)    { l.calls = append(l.calls, "AddWatcher") }
func (l *storeListener) RemoveWatcherResponse(id int32) { l.calls = append(l.calls, "RemoveWatcher") }

type partialListener struct{}

func (partialListener) GetResponse(id int32, value string) {}

type wrongArityListener struct {
	storeListener
}

// Shadows the embedded method with a void signature for a value operation.
func (l *wrongArityListener) LenResponse(id int32) {}

func TestAcceptorTable(t *testing.T) {
	r := storeRegistry(t)
	table, err := NewAcceptorTable(r, reflect.TypeOf(&storeListener{}))
	if err != nil {
		t.Fatalf("NewAcceptorTable failed: %v", err)
	}

	l := &storeListener{}
	lenCode, _ := r.OpcodeOf("Len")
	// JSON-decoded numbers arrive as float64.
	if err := table.Accept(l, lenCode, 3, 4.0); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if l.value != 4 {
		t.Errorf("expect 4, got %#v", l.value)
	}

	putCode, _ := r.OpcodeOf("Put")
	if err := table.Accept(l, putCode, 4, nil); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if !reflect.DeepEqual(l.calls, []string{"Len", "Put"}) {
		t.Errorf("unexpected calls %v", l.calls)
	}
}

func TestAcceptorTableMissingAcceptor(t *testing.T) {
	r := storeRegistry(t)
	_, err := NewAcceptorTable(r, reflect.TypeOf(partialListener{}))
	if !errors.Is(err, rpcerr.Configuration) {
		t.Fatalf("expect configuration error, got %v", err)
	}
}

func TestAcceptorTableWrongArity(t *testing.T) {
	r := storeRegistry(t)
	_, err := NewAcceptorTable(r, reflect.TypeOf(&wrongArityListener{}))
	if !errors.Is(err, rpcerr.Configuration) {
		t.Fatalf("expect configuration error, got %v", err)
	}
}

func TestAcceptBadValue(t *testing.T) {
	r := storeRegistry(t)
	table, err := NewAcceptorTable(r, reflect.TypeOf(&storeListener{}))
	if err != nil {
		t.Fatal(err)
	}
	lenCode, _ := r.OpcodeOf("Len")
	if err := table.Accept(&storeListener{}, lenCode, 1, "many"); !errors.Is(err, rpcerr.Decode) {
		t.Fatalf("expect decode error, got %v", err)
	}
}
