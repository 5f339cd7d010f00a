package client

import (
	"context"

	"mbean-remoting/codec"
	"mbean-remoting/mbean"
)

// call is Call with the result coerced to T.
func call[T any](ctx context.Context, c *Client, operation string, args ...any) (T, error) {
	v, err := c.Call(ctx, operation, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return codec.As[T](v)
}

func (c *Client) GetAttribute(ctx context.Context, name mbean.ObjectName, attribute string) (any, error) {
	return c.Call(ctx, "GetAttribute", name, attribute)
}

func (c *Client) SetAttribute(ctx context.Context, name mbean.ObjectName, attribute mbean.Attribute) error {
	_, err := c.Call(ctx, "SetAttribute", name, attribute)
	return err
}

func (c *Client) Invoke(ctx context.Context, name mbean.ObjectName, operation string, params []any) (any, error) {
	return c.Call(ctx, "Invoke", name, operation, params)
}

func (c *Client) GetMBeanCount(ctx context.Context) (int32, error) {
	return call[int32](ctx, c, "GetMBeanCount")
}

func (c *Client) QueryNames(ctx context.Context, pattern mbean.ObjectName) ([]mbean.ObjectName, error) {
	return call[[]mbean.ObjectName](ctx, c, "QueryNames", pattern)
}

func (c *Client) IsRegistered(ctx context.Context, name mbean.ObjectName) (bool, error) {
	return call[bool](ctx, c, "IsRegistered", name)
}

func (c *Client) GetDefaultDomain(ctx context.Context) (string, error) {
	return call[string](ctx, c, "GetDefaultDomain")
}

func (c *Client) UnregisterMBean(ctx context.Context, name mbean.ObjectName) error {
	_, err := c.Call(ctx, "UnregisterMBean", name)
	return err
}

// AddNotificationListener registers listener for notifications from name.
// The listener stays on this side; only its registration id is sent.
func (c *Client) AddNotificationListener(ctx context.Context, name mbean.ObjectName, listener mbean.NotificationListener, handback any) error {
	_, err := c.Call(ctx, "AddNotificationListener", name, listener, handback)
	return err
}

func (c *Client) RemoveNotificationListener(ctx context.Context, name mbean.ObjectName, listener mbean.NotificationListener) error {
	_, err := c.Call(ctx, "RemoveNotificationListener", name, listener)
	return err
}
