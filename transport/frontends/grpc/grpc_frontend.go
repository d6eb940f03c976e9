package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jrife/kvcache/stateful_services"
	"github.com/jrife/kvcache/transport"
	"github.com/jrife/kvcache/transport/cachepb"
	"github.com/jrife/kvcache/transport/frontends"
	"github.com/jrife/kvcache/utils/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

var _ frontends.CacheFrontend = (*Frontend)(nil)

// Frontend is an implementation of
// CacheFrontend for the gRPC protocol
type Frontend struct {
	cacheServer transport.CacheServer
	grpcServer  *grpc.Server
	logger      *zap.Logger
	retryAfter  time.Duration
}

// Init initializes the frontend
func (frontend *Frontend) Init(options frontends.Options) error {
	if options.Server == nil {
		return errors.New("a cache server is required")
	}

	options = options.Defaults()
	frontend.cacheServer = options.Server
	frontend.logger = options.Logger
	frontend.retryAfter = options.RetryAfter
	frontend.grpcServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(frontend.logCalls),
	)

	cachepb.RegisterCacheServiceServer(frontend.grpcServer, &CacheServer{cacheServer: options.Server, frontend: frontend})

	if options.Health != nil {
		healthpb.RegisterHealthServer(frontend.grpcServer, options.Health)
	} else {
		healthpb.RegisterHealthServer(frontend.grpcServer, health.NewServer())
	}

	return nil
}

// Listen accepts connections from this listener
func (frontend *Frontend) Listen(listener net.Listener) error {
	if err := frontend.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

// Stop stops accepting connections from listeners and causes
// all calls to Listen to return
func (frontend *Frontend) Stop() error {
	frontend.grpcServer.GracefulStop()

	return nil
}

func (frontend *Frontend) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx = log.WithRequestID(ctx)
	ctx = log.WithFields(ctx, zap.String("method", info.FullMethod))
	logger := log.WithContext(ctx, frontend.logger)
	ctx = log.WithLogger(ctx, logger)
	start := time.Now()
	resp, err := handler(ctx, req)

	if err != nil {
		logger.Debug("call failed",
			zap.Duration("duration", time.Since(start)),
			zap.Stringer("code", status.Code(err)),
			zap.Error(err))
	}

	return resp, err
}

// toStatus maps errors returned by the cache server to gRPC statuses
func (frontend *Frontend) toStatus(err error) error {
	if err == nil {
		return nil
	}

	var opErr *stateful_services.OpError

	switch {
	case errors.Is(err, stateful_services.ErrNotReady):
		st, detailErr := status.New(codes.Unavailable, err.Error()).WithDetails(&errdetails.RetryInfo{
			RetryDelay: durationpb.New(frontend.retryAfter),
		})

		if detailErr != nil {
			return status.Error(codes.Unavailable, err.Error())
		}

		return st.Err()
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &opErr):
		return status.Error(codes.Internal, err.Error())
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	return status.Error(codes.Unknown, err.Error())
}
