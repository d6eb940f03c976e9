// Package replica manages the lifecycle of the cache partition replica
// hosted by a process. Only a primary replica serves cache operations.
// Role changes open or suspend the replica's cache service and publish
// its readiness through the gRPC health service.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jrife/kvcache/partition"
	"github.com/jrife/kvcache/stateful_services"
	"github.com/jrife/kvcache/transport/cachepb"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Role is the role of a replica in its partition
type Role int

const (
	// RoleNone means the replica does not hold the partition's data
	RoleNone Role = iota
	// RoleSecondary replicas hold data but serve nothing
	RoleSecondary
	// RolePrimary replicas serve cache operations
	RolePrimary
)

func (role Role) String() string {
	switch role {
	case RoleSecondary:
		return "secondary"
	case RolePrimary:
		return "primary"
	default:
		return "none"
	}
}

// Replica is one replica of a cache partition
type Replica struct {
	id      partition.ID
	service *stateful_services.CacheService
	health  *health.Server
	logger  *zap.Logger

	mu     sync.Mutex
	role   Role
	cancel context.CancelFunc
	done   chan error
}

// New creates a replica in RoleNone. health may be nil.
func New(id partition.ID, service *stateful_services.CacheService, healthServer *health.Server, logger *zap.Logger) *Replica {
	if logger == nil {
		logger = zap.NewNop()
	}

	replica := &Replica{
		id:      id,
		service: service,
		health:  healthServer,
		logger:  logger.With(zap.Stringer("partition", id)),
	}

	replica.setServing(false)
	service.OnReady(replica.setServing)

	return replica
}

func (replica *Replica) setServing(serving bool) {
	if replica.health == nil {
		return
	}

	status := healthpb.HealthCheckResponse_NOT_SERVING

	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}

	replica.health.SetServingStatus("", status)
	replica.health.SetServingStatus(cachepb.ServiceName, status)
}

// ID returns the partition id of the replica
func (replica *Replica) ID() partition.ID {
	return replica.id
}

// Role returns the current role
func (replica *Replica) Role() Role {
	replica.mu.Lock()
	defer replica.mu.Unlock()

	return replica.role
}

// ChangeRole moves the replica to role. Promotion to primary returns
// once the cache service is ready. Demotion returns once the service
// has stopped.
func (replica *Replica) ChangeRole(ctx context.Context, role Role) error {
	replica.mu.Lock()
	defer replica.mu.Unlock()

	if role == replica.role {
		return nil
	}

	replica.logger.Info("changing role", zap.Stringer("from", replica.role), zap.Stringer("to", role))

	if role != RolePrimary {
		replica.stop()
		replica.role = role

		return nil
	}

	if err := replica.service.Open(ctx); err != nil {
		return fmt.Errorf("could not promote replica: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- replica.service.Run(runCtx)
	}()

	replica.cancel = cancel
	replica.done = done
	replica.role = role

	return nil
}

func (replica *Replica) stop() {
	if replica.cancel == nil {
		return
	}

	replica.cancel()

	if err := <-replica.done; err != nil && !errors.Is(err, context.Canceled) {
		replica.logger.Warn("cache service stopped with an error", zap.Error(err))
	}

	replica.cancel = nil
	replica.done = nil
}

// Close demotes the replica to RoleNone
func (replica *Replica) Close() error {
	return replica.ChangeRole(context.Background(), RoleNone)
}
