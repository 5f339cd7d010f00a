package mbean

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// OperationFunc implements one bean operation.
type OperationFunc func(ctx context.Context, params []any) (any, error)

// Bean is a DynamicMBean backed by a map of attributes and a map of
// operations. Getters override stored attributes and make them read-only.
type Bean struct {
	mu         sync.RWMutex
	attributes map[string]any
	getters    map[string]func() any
	operations map[string]OperationFunc
}

var _ DynamicMBean = (*Bean)(nil)

func NewBean() *Bean {
	return &Bean{
		attributes: make(map[string]any),
		getters:    make(map[string]func() any),
		operations: make(map[string]OperationFunc),
	}
}

// WithAttribute adds a writable attribute.
func (b *Bean) WithAttribute(name string, value any) *Bean {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attributes[name] = value
	return b
}

// WithGetter adds a read-only attribute computed on every read.
func (b *Bean) WithGetter(name string, get func() any) *Bean {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getters[name] = get
	return b
}

func (b *Bean) WithOperation(name string, op OperationFunc) *Bean {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.operations[name] = op
	return b
}

// AttributeNames lists every attribute, sorted.
func (b *Bean) AttributeNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.attributes)+len(b.getters))
	for n := range b.attributes {
		names = append(names, n)
	}
	for n := range b.getters {
		if _, ok := b.attributes[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (b *Bean) GetAttribute(ctx context.Context, attribute string) (any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if get, ok := b.getters[attribute]; ok {
		return get(), nil
	}
	v, ok := b.attributes[attribute]
	if !ok {
		return nil, errors.Annotatef(AttributeNotFound, "%q", attribute)
	}
	return v, nil
}

func (b *Bean) SetAttribute(ctx context.Context, attribute Attribute) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.getters[attribute.Name]; ok {
		return errors.NotSupportedf("writing read-only attribute %q", attribute.Name)
	}
	if _, ok := b.attributes[attribute.Name]; !ok {
		return errors.Annotatef(AttributeNotFound, "%q", attribute.Name)
	}
	b.attributes[attribute.Name] = attribute.Value
	return nil
}

func (b *Bean) Invoke(ctx context.Context, operation string, params []any) (any, error) {
	b.mu.RLock()
	op, ok := b.operations[operation]
	b.mu.RUnlock()
	if !ok {
		return nil, errors.Annotatef(OperationNotFound, "%q", operation)
	}
	return op(ctx, params)
}
