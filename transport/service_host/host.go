// Package service_host hosts one cache partition replica: its store, its
// cache service and every frontend through which clients reach it.
package service_host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jrife/kvcache/config"
	kvprom "github.com/jrife/kvcache/metrics/prometheus"
	"github.com/jrife/kvcache/replica"
	"github.com/jrife/kvcache/stateful_services"
	"github.com/jrife/kvcache/storage/kv"
	"github.com/jrife/kvcache/storage/kv/plugins"
	"github.com/jrife/kvcache/topology"
	"github.com/jrife/kvcache/topology/discovery/etcd"
	"github.com/jrife/kvcache/transport/frontends"
	grpcfrontend "github.com/jrife/kvcache/transport/frontends/grpc"
	"github.com/jrife/kvcache/transport/frontends/rest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
)

// Endpoint names
const (
	EndpointGRPC    = "grpc"
	EndpointREST    = "rest"
	EndpointMetrics = "metrics"
)

// server is anything that serves connections from a listener
// until stopped
type server interface {
	Listen(listener net.Listener) error
	Stop() error
}

type endpoint struct {
	name     string
	addr     string
	server   server
	listener net.Listener
}

// metricsServer exposes the host's Prometheus registry over HTTP
type metricsServer struct {
	httpServer *http.Server
	timeout    time.Duration
}

func (s *metricsServer) Listen(listener net.Listener) error {
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *metricsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// Host serves one cache partition replica
type Host struct {
	cfg       config.ServerConfig
	logger    *zap.Logger
	registry  *prometheus.Registry
	store     kv.RootStore
	replica   *replica.Replica
	endpoints []*endpoint
	etcd      *clientv3.Client
	registrar *etcd.Registrar
}

// New opens the configured store and prepares the frontends
// without binding any listener
func New(cfg config.ServerConfig, logger *zap.Logger) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mode, err := cfg.StoreErrorMode()

	if err != nil {
		return nil, err
	}

	plugin := plugins.NewKVPluginManager().Plugin(cfg.Plugin)

	if plugin == nil {
		return nil, fmt.Errorf("unknown storage plugin %q", cfg.Plugin)
	}

	store, err := plugin.NewRootStore(cfg.PluginOptions())

	if err != nil {
		return nil, fmt.Errorf("could not open %s store: %w", cfg.Plugin, err)
	}

	logger = logger.With(zap.String("service", cfg.Service), zap.Stringer("partition", cfg.PartitionID()))
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service := stateful_services.New(store,
		stateful_services.WithDictionary(cfg.Dictionary),
		stateful_services.WithErrorMode(mode),
		stateful_services.WithSweepInterval(cfg.SweepInterval),
		stateful_services.WithLogger(logger),
		stateful_services.WithMetrics(kvprom.NewStoreMetrics(registry)),
	)

	healthServer := health.NewServer()
	host := &Host{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    store,
		replica:  replica.New(cfg.PartitionID(), service, healthServer, logger),
	}

	options := frontends.Options{
		Server:     service,
		Health:     healthServer,
		Logger:     logger,
		RetryAfter: cfg.RetryAfter,
	}

	grpcFrontend := &grpcfrontend.Frontend{}

	if err := grpcFrontend.Init(options); err != nil {
		store.Close()

		return nil, err
	}

	host.endpoints = append(host.endpoints, &endpoint{name: EndpointGRPC, addr: cfg.ListenAddr, server: grpcFrontend})

	if cfg.RESTAddr != "" {
		restFrontend := &rest.Frontend{}

		if err := restFrontend.Init(options); err != nil {
			store.Close()

			return nil, err
		}

		host.endpoints = append(host.endpoints, &endpoint{name: EndpointREST, addr: cfg.RESTAddr, server: restFrontend})
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		host.endpoints = append(host.endpoints, &endpoint{
			name: EndpointMetrics,
			addr: cfg.MetricsAddr,
			server: &metricsServer{
				httpServer: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
				timeout:    cfg.ShutdownTimeout,
			},
		})
	}

	return host, nil
}

// Listen binds every endpoint
func (host *Host) Listen() error {
	for _, ep := range host.endpoints {
		if ep.listener != nil {
			continue
		}

		listener, err := net.Listen("tcp", ep.addr)

		if err != nil {
			host.closeListeners()

			return fmt.Errorf("could not listen on %s for %s: %w", ep.addr, ep.name, err)
		}

		ep.listener = listener
	}

	return nil
}

// Addr returns the bound address of an endpoint or nil if
// it is disabled or not yet bound
func (host *Host) Addr(name string) net.Addr {
	for _, ep := range host.endpoints {
		if ep.name == name && ep.listener != nil {
			return ep.listener.Addr()
		}
	}

	return nil
}

// Run promotes the replica, serves every endpoint and registers the
// partition in etcd if configured. It returns once ctx is done and
// everything has shut down, or when an endpoint fails.
func (host *Host) Run(ctx context.Context) error {
	defer host.close()

	if err := host.Listen(); err != nil {
		return err
	}

	if err := host.replica.ChangeRole(ctx, replica.RolePrimary); err != nil {
		host.closeListeners()

		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, ep := range host.endpoints {
		host.logger.Info("serving", zap.String("endpoint", ep.name), zap.Stringer("addr", ep.listener.Addr()))

		g.Go(func() error {
			if err := ep.server.Listen(ep.listener); err != nil {
				return fmt.Errorf("%s endpoint: %w", ep.name, err)
			}

			return nil
		})
	}

	if len(host.cfg.EtcdEndpoints) > 0 {
		if err := host.register(gctx); err != nil {
			host.logger.Error("could not register partition", zap.Error(err))
			host.stop()
			g.Wait()

			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		host.stop()

		return nil
	})

	return g.Wait()
}

func (host *Host) register(ctx context.Context) error {
	client, err := config.NewEtcdClient(host.cfg.EtcdEndpoints, 5*time.Second)

	if err != nil {
		return err
	}

	host.etcd = client
	host.registrar = etcd.NewRegistrar(client, host.cfg.EtcdPrefix, int64(host.cfg.EtcdLeaseTTL/time.Second), host.logger)

	return host.registrar.Register(ctx, host.cfg.Service, topology.ParseScheme(host.cfg.Scheme), host.cfg.Partitions, topology.Partition{
		ID:      host.cfg.PartitionID(),
		Address: host.cfg.Advertise(),
	})
}

// stop deregisters the partition then stops the endpoints so
// that clients stop discovering it first
func (host *Host) stop() {
	if host.registrar != nil {
		ctx, cancel := context.WithTimeout(context.Background(), host.cfg.ShutdownTimeout)

		if err := host.registrar.Close(ctx); err != nil {
			host.logger.Warn("could not deregister partition", zap.Error(err))
		}

		cancel()
	}

	for _, ep := range host.endpoints {
		if err := ep.server.Stop(); err != nil {
			host.logger.Warn("could not stop endpoint", zap.String("endpoint", ep.name), zap.Error(err))
		}
	}
}

func (host *Host) closeListeners() {
	for _, ep := range host.endpoints {
		if ep.listener != nil {
			ep.listener.Close()
			ep.listener = nil
		}
	}
}

func (host *Host) close() {
	if err := host.replica.Close(); err != nil {
		host.logger.Warn("could not demote replica", zap.Error(err))
	}

	if host.etcd != nil {
		host.etcd.Close()
	}

	if err := host.store.Close(); err != nil {
		host.logger.Warn("could not close store", zap.Error(err))
	}

	host.logger.Info("stopped")
}
