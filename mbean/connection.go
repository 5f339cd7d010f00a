// Package mbean defines the management interface exposed over the wire, and an
// in-memory server implementing it.
package mbean

import (
	"context"
	"reflect"

	"github.com/juju/errors"

	"mbean-remoting/codec"
	"mbean-remoting/opcode"
)

// Connection is the remote interface. Both peers derive their opcode table
// from it, so changing it changes the protocol.
type Connection interface {
	GetAttribute(ctx context.Context, name ObjectName, attribute string) (any, error)
	SetAttribute(ctx context.Context, name ObjectName, attribute Attribute) error
	Invoke(ctx context.Context, name ObjectName, operation string, params []any) (any, error)
	GetMBeanCount(ctx context.Context) (int32, error)
	QueryNames(ctx context.Context, pattern ObjectName) ([]ObjectName, error)
	IsRegistered(ctx context.Context, name ObjectName) (bool, error)
	GetDefaultDomain(ctx context.Context) (string, error)
	UnregisterMBean(ctx context.Context, name ObjectName) error
	AddNotificationListener(ctx context.Context, name ObjectName, listener NotificationListener, handback any) error
	RemoveNotificationListener(ctx context.Context, name ObjectName, listener NotificationListener) error
}

var (
	// ConnectionType is the reflect type of Connection.
	ConnectionType = reflect.TypeOf((*Connection)(nil)).Elem()
	// ListenerType is the reflect type of NotificationListener.
	ListenerType = reflect.TypeOf((*NotificationListener)(nil)).Elem()
)

func init() {
	codec.Register(ObjectName(""))
	codec.Register([]ObjectName(nil))
	codec.Register(Attribute{})
	codec.Register(Notification{})
	codec.Register(AttributeChange{})
}

// Descriptor returns the operations of Connection.
func Descriptor() opcode.Descriptor {
	d, err := opcode.DescriptorOf(ConnectionType, ListenerType)
	if err != nil {
		// Connection is fixed at compile time.
		panic(err)
	}
	return d
}

// NewRegistry builds the opcode table both peers share.
func NewRegistry() (*opcode.Registry, error) {
	r, err := opcode.NewRegistry(Descriptor())
	return r, errors.Trace(err)
}
