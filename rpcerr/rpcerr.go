// Package rpcerr defines the errors shared by both ends of a remoting channel.
//
// Local failures are reported as one of the ConstError sentinels below, usually
// annotated with context; callers match them with errors.Is. The only error that
// ever crosses the wire is RemoteError, which carries a message and nothing else.
package rpcerr

import (
	"github.com/juju/errors"
)

const (
	// Decode is returned when a frame or payload cannot be decoded.
	Decode = errors.ConstError("decode error")

	// UnknownOpcode is returned when an opcode is absent from the registry,
	// which usually means the peers were built from different interfaces.
	UnknownOpcode = errors.ConstError("unknown opcode")

	// TargetNotFound is returned when a routing tag does not resolve.
	TargetNotFound = errors.ConstError("target not found")

	// Timeout is returned when no response arrives within the bound.
	Timeout = errors.ConstError("request timed out")

	// ChannelClosed is returned when a dispatcher is used after its channel died.
	ChannelClosed = errors.ConstError("channel closed")

	// Configuration is returned when an interface, acceptor set or target
	// disagree at startup. It is not recoverable at runtime.
	Configuration = errors.ConstError("configuration error")

	// RateLimited is returned by the server when a request is shed.
	RateLimited = errors.ConstError("rate limit exceeded")
)

// RemoteError is the failure reported by the remote side of a call. It holds
// only the message; no trace is transmitted.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// NewRemoteError converts err into the compact form sent on the wire.
func NewRemoteError(err error) *RemoteError {
	if re, ok := IsRemote(err); ok {
		return re
	}
	return &RemoteError{Message: err.Error()}
}

// IsRemote reports whether err is, or wraps, a RemoteError.
func IsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
