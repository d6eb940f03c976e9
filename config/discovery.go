package config

import (
	"fmt"
	"io"
	"time"

	"github.com/jrife/kvcache/topology"
	"github.com/jrife/kvcache/topology/discovery/etcd"
	"github.com/jrife/kvcache/topology/discovery/static"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discoverer builds the discovery backend named by the configuration.
// A static manifest takes precedence over etcd. The returned closer
// releases the backend's resources.
func (cfg ClientConfig) Discoverer() (topology.Discoverer, io.Closer, error) {
	if cfg.Manifest != "" {
		discoverer, err := static.Load(cfg.Manifest)

		if err != nil {
			return nil, nil, err
		}

		return discoverer, nopCloser{}, nil
	}

	client, err := NewEtcdClient(cfg.EtcdEndpoints, cfg.EtcdDialTimeout)

	if err != nil {
		return nil, nil, err
	}

	return etcd.NewDiscoverer(client, cfg.EtcdPrefix), client, nil
}

// NewEtcdClient connects to an etcd cluster
func NewEtcdClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})

	if err != nil {
		return nil, fmt.Errorf("could not connect to etcd at %v: %w", endpoints, err)
	}

	return client, nil
}
