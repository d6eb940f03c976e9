// Package topology resolves how a cache service is partitioned and hands
// out one proxy per partition for the lifetime of the process.
//
// Descriptions and proxies are created lazily. Concurrent callers asking
// for the same service or partition serialize on a lock dedicated to that
// key so that discovery runs once per service and at most one proxy is
// ever published per partition. Nothing is evicted: a topology change
// requires a process restart.
package topology

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrife/kvcache/partition"
)

var (
	// ErrNoSuchPartition is returned when a partition id is not
	// part of a service's description
	ErrNoSuchPartition = errors.New("no such partition")
	// ErrNoSuchService is returned by discoverers that don't know
	// the requested service
	ErrNoSuchService = errors.New("no such service")
)

// Scheme is the partitioning scheme of a service
type Scheme int

const (
	// SchemeInvalid is the scheme of a description that
	// could not be classified
	SchemeInvalid Scheme = iota
	// SchemeSingleton services have exactly one unpartitioned instance
	SchemeSingleton
	// SchemeUniformInt64Range services are split into partitions
	// numbered 1 through n
	SchemeUniformInt64Range
)

func (scheme Scheme) String() string {
	switch scheme {
	case SchemeSingleton:
		return "singleton"
	case SchemeUniformInt64Range:
		return "uniform"
	default:
		return "invalid"
	}
}

// ParseScheme is the inverse of Scheme.String. Unknown names
// yield SchemeInvalid.
func ParseScheme(s string) Scheme {
	switch s {
	case "singleton":
		return SchemeSingleton
	case "uniform":
		return SchemeUniformInt64Range
	default:
		return SchemeInvalid
	}
}

// Partition is one addressable instance of a service
type Partition struct {
	ID      partition.ID
	Address string
}

// Description describes the partitions of a service
type Description struct {
	Service    string
	Scheme     Scheme
	Partitions []Partition
}

// PartitionCount returns the number of hashable partitions. Singleton
// and invalid descriptions have a count of zero.
func (description Description) PartitionCount() int {
	if description.Scheme != SchemeUniformInt64Range {
		return 0
	}

	return len(description.Partitions)
}

// Partition returns the partition with the given id
func (description Description) Partition(id partition.ID) (Partition, error) {
	for _, p := range description.Partitions {
		if p.ID == id {
			return p, nil
		}
	}

	return Partition{}, fmt.Errorf("%s partition %s: %w", description.Service, id, ErrNoSuchPartition)
}

// Validate checks that a uniform description numbers its partitions
// 1 through n and that a singleton description has a single
// partition with the singleton id. A description whose scheme could
// not be classified is accepted under the singleton rule; its
// partition count is zero so every key routes to that partition.
func (description Description) Validate() error {
	switch description.Scheme {
	case SchemeUniformInt64Range:
		seen := make(map[partition.ID]bool, len(description.Partitions))

		for _, p := range description.Partitions {
			if p.ID < 1 || int(p.ID) > len(description.Partitions) || seen[p.ID] {
				return fmt.Errorf("service %s: partition ids must be 1 through %d without duplicates", description.Service, len(description.Partitions))
			}

			seen[p.ID] = true
		}
	default:
		if len(description.Partitions) != 1 || !description.Partitions[0].ID.IsSingleton() {
			return fmt.Errorf("%s service %s must have exactly one partition with id %d", description.Scheme, description.Service, partition.Singleton)
		}
	}

	return nil
}

// Discoverer looks up the description of a service
type Discoverer interface {
	Describe(ctx context.Context, service string) (Description, error)
}

// DiscovererFunc adapts a function to the Discoverer interface
type DiscovererFunc func(ctx context.Context, service string) (Description, error)

// Describe implements Discoverer.Describe
func (fn DiscovererFunc) Describe(ctx context.Context, service string) (Description, error) {
	return fn(ctx, service)
}

// Factory builds a proxy for one partition of a service
type Factory[P any] interface {
	NewProxy(ctx context.Context, service string, p Partition) (P, error)
}

// FactoryFunc adapts a function to the Factory interface
type FactoryFunc[P any] func(ctx context.Context, service string, p Partition) (P, error)

// NewProxy implements Factory.NewProxy
func (fn FactoryFunc[P]) NewProxy(ctx context.Context, service string, p Partition) (P, error) {
	return fn(ctx, service, p)
}
