// Package registry advertises where a routing tag is served.
//
// An endpoint carries the fingerprint of the opcode table the server was
// built with, so a client only connects to servers that agree on opcodes.
package registry

import (
	"context"

	"github.com/juju/errors"

	"mbean-remoting/rpcerr"
)

// DefaultTag is the key segment used for the default target, whose routing
// tag is empty.
const DefaultTag = "_default"

type Endpoint struct {
	Addr        string `json:"addr"`
	Fingerprint string `json:"fingerprint"`
	Codec       string `json:"codec"`
}

type Registry interface {
	Register(ctx context.Context, tag string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, tag, addr string) error
	Discover(ctx context.Context, tag string) ([]Endpoint, error)
	Watch(ctx context.Context, tag string) <-chan []Endpoint
}

// Resolve returns the first endpoint of tag whose fingerprint matches. An
// empty fingerprint matches any endpoint.
func Resolve(ctx context.Context, reg Registry, tag, fingerprint string) (Endpoint, error) {
	eps, err := reg.Discover(ctx, tag)
	if err != nil {
		return Endpoint{}, errors.Trace(err)
	}
	for _, ep := range eps {
		if fingerprint == "" || ep.Fingerprint == fingerprint {
			return ep, nil
		}
	}
	return Endpoint{}, errors.Annotatef(rpcerr.TargetNotFound, "no endpoint for %q among %d", tagKey(tag), len(eps))
}

func tagKey(tag string) string {
	if tag == "" {
		return DefaultTag
	}
	return tag
}
