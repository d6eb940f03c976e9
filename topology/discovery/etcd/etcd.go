// Package etcd discovers service topologies registered in etcd. A
// service is laid out under a key prefix as
//
//	<prefix>/<service>/scheme            -> singleton | uniform
//	<prefix>/<service>/count             -> number of partitions
//	<prefix>/<service>/partitions/<id>   -> host:port
//
// Partition keys are attached to a lease held by the server hosting the
// partition (see Registrar) so that they disappear with it. The scheme and
// count are not. A description with fewer partitions than its count fails
// with ErrIncomplete and is not cached by the topology layer.
package etcd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jrife/kvcache/partition"
	"github.com/jrife/kvcache/topology"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the key prefix used when none is configured
const DefaultPrefix = "/kvcache/services"

// ErrIncomplete is returned when some partitions of a
// service are not currently registered
var ErrIncomplete = errors.New("service description is incomplete")

var _ topology.Discoverer = (*Discoverer)(nil)

// Discoverer reads service descriptions from etcd
type Discoverer struct {
	kv     clientv3.KV
	prefix string
}

// NewDiscoverer creates a Discoverer that reads keys below prefix
func NewDiscoverer(kv clientv3.KV, prefix string) *Discoverer {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Discoverer{kv: kv, prefix: strings.TrimSuffix(prefix, "/")}
}

// Describe implements topology.Discoverer.Describe
func (discoverer *Discoverer) Describe(ctx context.Context, service string) (topology.Description, error) {
	servicePrefix := serviceKey(discoverer.prefix, service) + "/"
	resp, err := discoverer.kv.Get(ctx, servicePrefix, clientv3.WithPrefix())

	if err != nil {
		return topology.Description{}, fmt.Errorf("could not read %s: %w", servicePrefix, err)
	}

	keys := make(map[string]string, len(resp.Kvs))

	for _, kv := range resp.Kvs {
		keys[strings.TrimPrefix(string(kv.Key), servicePrefix)] = string(kv.Value)
	}

	return describe(service, keys)
}

// describe builds a description from the keys below a service's
// prefix, relative to that prefix
func describe(service string, keys map[string]string) (topology.Description, error) {
	scheme, ok := keys["scheme"]

	if !ok {
		return topology.Description{}, fmt.Errorf("%s: %w", service, topology.ErrNoSuchService)
	}

	description := topology.Description{Service: service, Scheme: topology.ParseScheme(scheme)}

	for key, address := range keys {
		idText, ok := strings.CutPrefix(key, "partitions/")

		if !ok {
			continue
		}

		id, err := strconv.ParseInt(idText, 10, 64)

		if err != nil {
			return topology.Description{}, fmt.Errorf("%s: malformed partition key %q", service, key)
		}

		description.Partitions = append(description.Partitions, topology.Partition{ID: partition.ID(id), Address: address})
	}

	slices.SortFunc(description.Partitions, func(a, b topology.Partition) int {
		return cmp.Compare(a.ID, b.ID)
	})

	if description.Scheme == topology.SchemeUniformInt64Range {
		count, err := strconv.Atoi(keys["count"])

		if err != nil || count < 1 {
			return topology.Description{}, fmt.Errorf("%s: malformed partition count %q", service, keys["count"])
		}

		if len(description.Partitions) != count {
			return topology.Description{}, fmt.Errorf("%s: %d of %d partitions registered: %w", service, len(description.Partitions), count, ErrIncomplete)
		}
	}

	if err := description.Validate(); err != nil {
		return topology.Description{}, err
	}

	return description, nil
}

func serviceKey(prefix string, service string) string {
	return prefix + "/" + service
}

// Registrar advertises the partitions hosted by this process. All keys
// share one lease that is kept alive until Close.
type Registrar struct {
	client *clientv3.Client
	prefix string
	ttl    int64
	logger *zap.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

// NewRegistrar creates a Registrar whose lease expires ttlSeconds
// after the last keep-alive
func NewRegistrar(client *clientv3.Client, prefix string, ttlSeconds int64, logger *zap.Logger) *Registrar {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registrar{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		ttl:    ttlSeconds,
		logger: logger,
	}
}

// Register publishes the scheme and partition count of service and the
// address of one of its partitions. count is ignored unless the scheme is
// uniform. The first call grants the lease and starts keeping it alive.
func (registrar *Registrar) Register(ctx context.Context, service string, scheme topology.Scheme, count int, p topology.Partition) error {
	if scheme == topology.SchemeUniformInt64Range && (p.ID < 1 || int(p.ID) > count) {
		return fmt.Errorf("%s partition %s is outside a service of %d partitions", service, p.ID, count)
	}

	leaseID, err := registrar.lease(ctx)

	if err != nil {
		return err
	}

	key := serviceKey(registrar.prefix, service)

	if _, err := registrar.client.Put(ctx, key+"/scheme", scheme.String()); err != nil {
		return fmt.Errorf("could not register scheme of %s: %w", service, err)
	}

	if scheme == topology.SchemeUniformInt64Range {
		if _, err := registrar.client.Put(ctx, key+"/count", strconv.Itoa(count)); err != nil {
			return fmt.Errorf("could not register partition count of %s: %w", service, err)
		}
	}

	if _, err := registrar.client.Put(ctx, key+"/partitions/"+strconv.FormatInt(int64(p.ID), 10), p.Address, clientv3.WithLease(leaseID)); err != nil {
		return fmt.Errorf("could not register %s partition %s: %w", service, p.ID, err)
	}

	registrar.logger.Info("registered partition",
		zap.String("service", service),
		zap.Stringer("partition", p.ID),
		zap.String("address", p.Address))

	return nil
}

func (registrar *Registrar) lease(ctx context.Context) (clientv3.LeaseID, error) {
	registrar.mu.Lock()
	defer registrar.mu.Unlock()

	if registrar.cancel != nil {
		return registrar.leaseID, nil
	}

	grant, err := registrar.client.Grant(ctx, registrar.ttl)

	if err != nil {
		return 0, fmt.Errorf("could not grant lease: %w", err)
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	responses, err := registrar.client.KeepAlive(keepAliveCtx, grant.ID)

	if err != nil {
		cancel()

		return 0, fmt.Errorf("could not keep lease alive: %w", err)
	}

	go func() {
		for range responses {
		}

		if keepAliveCtx.Err() == nil {
			registrar.logger.Warn("lease keep-alive stopped", zap.Int64("lease", int64(grant.ID)))
		}
	}()

	registrar.leaseID = grant.ID
	registrar.cancel = cancel

	return grant.ID, nil
}

// Close stops the keep-alive and revokes the lease which removes
// every registered partition
func (registrar *Registrar) Close(ctx context.Context) error {
	registrar.mu.Lock()
	defer registrar.mu.Unlock()

	if registrar.cancel == nil {
		return nil
	}

	registrar.cancel()
	registrar.cancel = nil

	if _, err := registrar.client.Revoke(ctx, registrar.leaseID); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("could not revoke lease: %w", err)
	}

	return nil
}
