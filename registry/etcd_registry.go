package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of all keys written by EtcdRegistry:
//
//	/mbean-remoting/{tag}/{addr} -> JSON Endpoint
//
// Entries hang off a lease, so a crashed server disappears once its lease runs
// out.
const KeyPrefix = "/mbean-remoting/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given endpoints. The client logs through
// logger.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Annotate(err, "connect to etcd")
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

func key(tag, addr string) string {
	return prefix(tag) + addr
}

func prefix(tag string) string {
	return KeyPrefix + tagKey(tag) + "/"
}

// Register writes ep under tag with a lease of ttl seconds and keeps the lease
// alive in the background until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, tag string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotate(err, "grant lease")
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := r.client.Put(ctx, key(tag, ep.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "advertise %s", key(tag, ep.Addr))
	}

	// The keepalive must outlive ctx, which often belongs to a single request.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return errors.Annotate(err, "keep lease alive")
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key(tag, ep.Addr)))
	}()
	r.logger.Info("endpoint advertised", zap.String("key", key(tag, ep.Addr)), zap.Int64("ttl", ttl))
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, tag, addr string) error {
	_, err := r.client.Delete(ctx, key(tag, addr))
	return errors.Annotatef(err, "withdraw %s", key(tag, addr))
}

// Discover returns the endpoints currently advertised under tag. Malformed
// entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, tag string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, prefix(tag), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "list %s", prefix(tag))
	}
	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Watch emits the full endpoint list of tag after every change, until ctx is
// done.
func (r *EtcdRegistry) Watch(ctx context.Context, tag string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, prefix(tag), clientv3.WithPrefix()) {
			eps, err := r.Discover(ctx, tag)
			if err != nil {
				r.logger.Warn("rediscover failed", zap.String("tag", tagKey(tag)), zap.Error(err))
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	return errors.Trace(r.client.Close())
}
