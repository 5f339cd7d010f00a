package client

import (
	"fmt"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"mbean-remoting/mbean"
	"mbean-remoting/opcode"
)

// subKey identifies a registration: the listener plus the arguments in front
// of it, which for AddNotificationListener is the bean name.
type subKey struct {
	listener mbean.NotificationListener
	scope    string
}

// subscription is a Notification Registration. Its id is the correlation id of
// the request that created it and is what the server echoes in NOTIFICATION
// frames.
type subscription struct {
	id       int32
	key      subKey
	listener mbean.NotificationListener
}

// substitute replaces the listener argument of add/remove operations with a
// registration id. Listeners must be comparable, usually pointers.
//
// Adding a listener that is already registered under the same scope reuses the
// existing registration, so one remove undoes all of them. Removing clears the
// registration before the request is sent; notifications still in flight are
// then dropped.
func (c *Client) substitute(id int32, op opcode.Operation, args []any, p *pending) ([]any, error) {
	if op.Listener == opcode.ListenerNone {
		return args, nil
	}
	l, ok := args[op.ListenerParam].(mbean.NotificationListener)
	if !ok || l == nil {
		return nil, errors.NotValidf("%s listener argument %T", op.Name, args[op.ListenerParam])
	}
	key := subKey{listener: l, scope: fmt.Sprint(args[:op.ListenerParam]...)}
	out := append([]any(nil), args...)

	c.subMu.Lock()
	defer c.subMu.Unlock()

	switch op.Listener {
	case opcode.ListenerAdd:
		sub, ok := c.subs[key]
		if !ok {
			sub = &subscription{id: id, key: key, listener: l}
			c.subs[key] = sub
			c.notifications.Put(id, sub, 0)
			p.sub = sub
		}
		out[op.ListenerParam] = sub.id
	case opcode.ListenerRemove:
		sub, ok := c.subs[key]
		if !ok {
			return nil, errors.Annotatef(mbean.ListenerNotFound, "on %s", key.scope)
		}
		delete(c.subs, key)
		c.notifications.Remove(sub.id)
		out[op.ListenerParam] = sub.id
	}
	return out, nil
}

func (c *Client) dropSubscription(sub *subscription) {
	if sub == nil {
		return
	}
	c.subMu.Lock()
	if c.subs[sub.key] == sub {
		delete(c.subs, sub.key)
	}
	c.subMu.Unlock()
	c.notifications.Remove(sub.id)
}

// subscriptionExpired is the notification table's expiry listener.
func (c *Client) subscriptionExpired(id int32, sub *subscription) {
	c.subMu.Lock()
	if c.subs[sub.key] == sub {
		delete(c.subs, sub.key)
	}
	c.subMu.Unlock()
	c.logger.Debug("notification registration expired", zap.Int32("id", id), zap.String("scope", sub.key.scope))
}

// Subscriptions returns the number of live notification registrations.
func (c *Client) Subscriptions() int {
	return c.notifications.Len()
}
