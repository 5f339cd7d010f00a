package client

import (
	"github.com/juju/errors"
	"go.uber.org/zap"

	"mbean-remoting/codec"
	"mbean-remoting/mbean"
	"mbean-remoting/message"
	"mbean-remoting/rpcerr"
)

// HandleFrame is the demultiplexer. It runs on the channel's receive loop:
// undecodable frames are logged and dropped, and listener callbacks are
// expected to return quickly.
func (c *Client) HandleFrame(ct codec.CodecType, data []byte) {
	f, err := message.Unmarshal(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	cdc := codec.GetCodec(ct)
	switch f.Kind {
	case message.KindResponse:
		c.handleResponse(cdc, f)
	case message.KindNotification:
		c.handleNotification(cdc, f)
	default:
		c.logger.Warn("dropping unexpected frame", zap.Stringer("kind", f.Kind), zap.Int32("id", f.CorrelationID))
	}
}

func (c *Client) handleResponse(cdc codec.Codec, f *message.Frame) {
	p, ok := c.pending.Remove(f.CorrelationID)
	if !ok {
		// Timed out, cancelled, or a duplicate.
		c.logger.Debug("discarding orphaned response", zap.Int32("id", f.CorrelationID))
		c.opts.metrics.orphan()
		return
	}
	if f.Opcode != p.opcode {
		c.fail(f.CorrelationID, p, errors.Annotatef(rpcerr.Decode, "response opcode %d for request opcode %d", f.Opcode, p.opcode))
		return
	}

	values, err := cdc.Decode(f.Payload)
	if err != nil {
		c.logger.Warn("undecodable response payload", zap.Int32("id", f.CorrelationID), zap.Error(err))
		c.fail(f.CorrelationID, p, err)
		return
	}
	if re, ok := codec.Failure(values); ok {
		c.fail(f.CorrelationID, p, re)
		return
	}
	var value any
	if len(values) > 0 {
		value = values[0]
	}

	c.opts.metrics.completed(p, outcomeOK)
	if p.gate != nil {
		p.gate.release(value, nil)
		return
	}
	c.callback(f.CorrelationID, func() {
		if err := c.acceptors.Accept(p.listener, p.opcode, f.CorrelationID, value); err != nil {
			p.listener.OnException(f.CorrelationID, err)
		}
	})
}

// handleNotification forwards (notification, handback) to the listener
// registered under the frame's correlation id. Unmatched notifications are
// dropped: the registration may have been removed while the frame was in
// flight.
func (c *Client) handleNotification(cdc codec.Codec, f *message.Frame) {
	sub, ok := c.notifications.Get(f.CorrelationID)
	if !ok {
		c.logger.Debug("dropping notification without listener", zap.Int32("id", f.CorrelationID))
		c.opts.metrics.notification(false)
		return
	}
	values, err := cdc.Decode(f.Payload)
	if err != nil || len(values) == 0 {
		c.logger.Warn("undecodable notification", zap.Int32("id", f.CorrelationID), zap.Error(err))
		c.opts.metrics.notification(false)
		return
	}
	n, err := codec.As[mbean.Notification](values[0])
	if err != nil {
		c.logger.Warn("undecodable notification", zap.Int32("id", f.CorrelationID), zap.Error(err))
		c.opts.metrics.notification(false)
		return
	}
	var handback any
	if len(values) > 1 {
		handback = values[1]
	}

	c.notifications.Refresh(f.CorrelationID)
	c.opts.metrics.notification(true)
	c.callback(f.CorrelationID, func() { sub.listener.HandleNotification(n, handback) })
}
