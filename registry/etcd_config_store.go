package registry

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfigStore implements ConfigStore on etcd v3. Keys are stored under
// a fixed prefix so a shared etcd cluster can host more than one runtime
// fleet's mirrored state without collision.
//
// Unlike the teacher's EtcdRegistry, entries here carry no TTL lease: trust
// and route decisions are not heartbeat-expired membership, they are
// explicit configuration that stays in effect until a Runtime removes it.
type EtcdConfigStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdConfigStore connects to the given etcd endpoints and returns a
// ConfigStore namespaced under "/duplexrpc/".
func NewEtcdConfigStore(endpoints []string) (*EtcdConfigStore, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	return &EtcdConfigStore{client: c, prefix: "/duplexrpc/"}, nil
}

func (s *EtcdConfigStore) Put(ctx context.Context, key, value string) error {
	_, err := s.client.Put(ctx, s.prefix+key, value)
	return err
}

func (s *EtcdConfigStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Delete(ctx, s.prefix+key)
	return err
}

func (s *EtcdConfigStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := s.client.Get(ctx, s.prefix+prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := string(kv.Key)[len(s.prefix):]
		out[key] = string(kv.Value)
	}
	return out, nil
}

func (s *EtcdConfigStore) Watch(ctx context.Context, prefix string) <-chan KVEvent {
	out := make(chan KVEvent, 16)
	watchChan := s.client.Watch(ctx, s.prefix+prefix, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchChan:
				if !ok {
					return
				}
				for _, ev := range resp.Events {
					key := string(ev.Kv.Key)[len(s.prefix):]
					out <- KVEvent{
						Key:     key,
						Value:   string(ev.Kv.Value),
						Deleted: ev.Type == clientv3.EventTypeDelete,
					}
				}
			}
		}
	}()

	return out
}

// Close releases the underlying etcd client connection.
func (s *EtcdConfigStore) Close() error {
	return s.client.Close()
}
