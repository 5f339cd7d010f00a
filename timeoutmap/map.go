// Package timeoutmap implements a concurrent key/value store whose entries
// expire on their own.
//
// Every Put schedules a fire-once timer on the map's clock. Whoever deletes the
// entry from the backing map first wins: an explicit Remove cancels the timer
// and returns the value; an expiry deletes the entry and then notifies every
// registered listener with (key, value). Both paths take the same lock only for
// the delete itself, so the loser always observes absence and no entry is
// handled twice. Listeners run outside the lock, on the timer's goroutine.
package timeoutmap

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Listener is notified when an entry expires.
type Listener[K comparable, V any] interface {
	Expired(key K, value V)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc[K comparable, V any] func(key K, value V)

func (f ListenerFunc[K, V]) Expired(key K, value V) { f(key, value) }

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type entry[V any] struct {
	value      V
	insertedAt time.Time // reset by Refresh
	ttl        time.Duration
	deadline   time.Time // zero if the entry never expires
	timer      clock.Timer
}

// Map is a self-expiring map. The zero value is not usable; call New.
type Map[K comparable, V any] struct {
	clock  clock.Clock
	ttl    time.Duration
	logger *zap.Logger

	mu           sync.Mutex
	entries      map[K]*entry[V]
	listeners    map[ListenerID]Listener[K, V]
	nextListener ListenerID
}

// New creates an empty map. Without WithTTL entries only expire when Put is
// given a positive ttl.
func New[K comparable, V any](opts ...Option) *Map[K, V] {
	o := options{
		clock:  clock.WallClock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Map[K, V]{
		clock:     o.clock,
		ttl:       o.ttl,
		logger:    o.logger,
		entries:   make(map[K]*entry[V]),
		listeners: make(map[ListenerID]Listener[K, V]),
	}
}

// TTL is the default time to live.
func (m *Map[K, V]) TTL() time.Duration {
	return m.ttl
}

// Put stores value under key and schedules its expiry after ttl. A ttl <= 0
// falls back to the map's default; if that is also <= 0 the entry stays until
// removed. Replacing an existing key cancels the old entry's expiry without
// notifying listeners.
func (m *Map[K, V]) Put(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(key, value, ttl)
}

func (m *Map[K, V]) putLocked(key K, value V, ttl time.Duration) {
	now := m.clock.Now()
	e := &entry[V]{value: value, insertedAt: now, ttl: ttl}
	if old, ok := m.entries[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	m.entries[key] = e
	if ttl > 0 {
		e.deadline = now.Add(ttl)
		// Scheduled under the lock so e.timer is set before expire can read it.
		e.timer = m.clock.AfterFunc(ttl, func() { m.expire(key, e) })
	}
}

// Refresh restarts the expiry of key with the ttl it was stored with. It
// reports false if key is absent, so a removed entry is never brought back.
func (m *Map[K, V]) Refresh(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	if e.ttl > 0 {
		m.putLocked(key, e.value, e.ttl)
	}
	return true
}

// Remove deletes key and cancels its expiry. It reports false if the entry was
// never there, was already removed, or has already expired.
func (m *Map[K, V]) Remove(key K) (V, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if !ok {
		var zero V
		return zero, false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return e.value, true
}

// Get returns the value stored under key without removing it.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// InsertedAt returns when key was stored or last refreshed.
func (m *Map[K, V]) InsertedAt(key K) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.insertedAt, true
}

// Deadline returns when key is due to expire. The time is zero for entries
// without expiry.
func (m *Map[K, V]) Deadline(key K) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Drain removes every entry, cancels all pending expiries and returns what was
// stored. Listeners are not called.
func (m *Map[K, V]) Drain() map[K]V {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[K]*entry[V])
	m.mu.Unlock()

	out := make(map[K]V, len(entries))
	for k, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		out[k] = e.value
	}
	return out
}

// AddExpiryListener registers l for every expiry from now on.
func (m *Map[K, V]) AddExpiryListener(l Listener[K, V]) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListener++
	m.listeners[m.nextListener] = l
	return m.nextListener
}

// RemoveExpiryListener unregisters a listener. Unknown ids are ignored.
func (m *Map[K, V]) RemoveExpiryListener(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

func (m *Map[K, V]) expire(key K, e *entry[V]) {
	m.mu.Lock()
	// The key may have been removed, or replaced by a newer entry whose timer
	// is still running.
	if m.entries[key] != e {
		m.mu.Unlock()
		return
	}
	delete(m.entries, key)
	ids := make([]ListenerID, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener[K, V], len(ids))
	for i, id := range ids {
		listeners[i] = m.listeners[id]
	}
	m.mu.Unlock()

	for _, l := range listeners {
		m.notify(l, key, e)
	}
}

func (m *Map[K, V]) notify(l Listener[K, V], key K, e *entry[V]) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("expiry listener panicked",
				zap.Any("key", key),
				zap.Any("panic", r),
			)
		}
	}()
	l.Expired(key, e.value)
}
