package topology_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/kvcache/partition"
	"github.com/jrife/kvcache/topology"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeProxy struct {
	service string
	p       topology.Partition
	closed  atomic.Bool
}

func (proxy *fakeProxy) Close() error {
	proxy.closed.Store(true)

	return nil
}

func uniform(service string, n int) topology.Description {
	description := topology.Description{Service: service, Scheme: topology.SchemeUniformInt64Range}

	for i := 1; i <= n; i++ {
		description.Partitions = append(description.Partitions, topology.Partition{ID: partition.ID(i), Address: fmt.Sprintf("node-%d:5000", i)})
	}

	return description
}

func singleton(service string) topology.Description {
	return topology.Description{
		Service:    service,
		Scheme:     topology.SchemeSingleton,
		Partitions: []topology.Partition{{ID: partition.Singleton, Address: "node-0:5000"}},
	}
}

type countingDiscoverer struct {
	calls        atomic.Int64
	descriptions map[string]topology.Description
	err          error
}

func (discoverer *countingDiscoverer) Describe(ctx context.Context, service string) (topology.Description, error) {
	discoverer.calls.Add(1)

	if discoverer.err != nil {
		return topology.Description{}, discoverer.err
	}

	description, ok := discoverer.descriptions[service]

	if !ok {
		return topology.Description{}, topology.ErrNoSuchService
	}

	return description, nil
}

type countingFactory struct {
	calls atomic.Int64
}

func (factory *countingFactory) NewProxy(ctx context.Context, service string, p topology.Partition) (*fakeProxy, error) {
	factory.calls.Add(1)

	return &fakeProxy{service: service, p: p}, nil
}

func TestPartitionCount(t *testing.T) {
	testCases := map[string]struct {
		description topology.Description
		count       int
		partitions  []partition.ID
	}{
		"uniform": {
			description: uniform("fabric:/CacheApp/CacheService", 4),
			count:       4,
			partitions:  []partition.ID{1, 2, 3, 4},
		},
		"singleton": {
			description: singleton("fabric:/CacheApp/CacheService"),
			count:       0,
			partitions:  []partition.ID{partition.Singleton},
		},
		"invalid": {
			description: topology.Description{Service: "fabric:/CacheApp/CacheService"},
			count:       0,
			partitions:  []partition.ID{partition.Singleton},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			discoverer := &countingDiscoverer{descriptions: map[string]topology.Description{testCase.description.Service: testCase.description}}
			cache := topology.New[*fakeProxy]("cache", discoverer, &countingFactory{})

			for i := 0; i < 3; i++ {
				count, err := cache.PartitionCount(context.Background(), testCase.description.Service)

				if err != nil {
					t.Fatalf("expected err to be nil, got %#v", err)
				}

				if count != testCase.count {
					t.Fatalf("expected count to be %d, got %d", testCase.count, count)
				}
			}

			partitions, err := cache.Partitions(context.Background(), testCase.description.Service)

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if diff := cmp.Diff(testCase.partitions, partitions); diff != "" {
				t.Fatal(diff)
			}

			if calls := discoverer.calls.Load(); calls != 1 {
				t.Fatalf("expected one discovery call, got %d", calls)
			}
		})
	}
}

func TestDiscoveryErrorsAreNotCached(t *testing.T) {
	discoverer := &countingDiscoverer{err: errors.New("naming service unavailable")}
	cache := topology.New[*fakeProxy]("cache", discoverer, &countingFactory{})

	if _, err := cache.PartitionCount(context.Background(), "svc"); err == nil {
		t.Fatalf("expected discovery error")
	}

	discoverer.err = nil
	discoverer.descriptions = map[string]topology.Description{"svc": uniform("svc", 2)}

	count, err := cache.PartitionCount(context.Background(), "svc")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if count != 2 {
		t.Fatalf("expected count to be 2, got %d", count)
	}

	if calls := discoverer.calls.Load(); calls != 2 {
		t.Fatalf("expected two discovery calls, got %d", calls)
	}
}

func TestProxyUniqueness(t *testing.T) {
	const goroutines = 64

	discoverer := &countingDiscoverer{descriptions: map[string]topology.Description{"svc": uniform("svc", 4)}}
	factory := &countingFactory{}
	cache := topology.New[*fakeProxy]("cache", discoverer, factory)

	var wg sync.WaitGroup
	proxies := make([]*fakeProxy, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			proxies[i], errs[i] = cache.Proxy(context.Background(), "svc", 3)
		}(i)
	}

	wg.Wait()

	for i := 0; i < goroutines; i++ {
		if errs[i] != nil {
			t.Fatalf("expected err to be nil, got %#v", errs[i])
		}

		if proxies[i] != proxies[0] {
			t.Fatalf("goroutine %d got a different proxy", i)
		}
	}

	if calls := factory.calls.Load(); calls != 1 {
		t.Fatalf("expected factory to be called once, got %d", calls)
	}

	if calls := discoverer.calls.Load(); calls != 1 {
		t.Fatalf("expected one discovery call, got %d", calls)
	}

	if proxies[0].p.Address != "node-3:5000" {
		t.Fatalf("expected proxy for node-3:5000, got %s", proxies[0].p.Address)
	}
}

func TestProxyForKey(t *testing.T) {
	testCases := map[string]struct {
		description topology.Description
		key         string
		id          partition.ID
	}{
		"uniform": {
			description: uniform("svc", 4),
			key:         "Order^42",
			id:          partition.Index("Order^42", 4),
		},
		"singleton": {
			description: singleton("svc"),
			key:         "Order^42",
			id:          partition.Singleton,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			discoverer := &countingDiscoverer{descriptions: map[string]topology.Description{"svc": testCase.description}}
			cache := topology.New[*fakeProxy]("cache", discoverer, &countingFactory{})

			proxy, id, err := cache.ProxyForKey(context.Background(), "svc", testCase.key)

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if id != testCase.id {
				t.Fatalf("expected partition %s, got %s", testCase.id, id)
			}

			if proxy.p.ID != testCase.id {
				t.Fatalf("expected proxy for partition %s, got %s", testCase.id, proxy.p.ID)
			}
		})
	}
}

func TestProxyUnknownPartition(t *testing.T) {
	discoverer := &countingDiscoverer{descriptions: map[string]topology.Description{"svc": uniform("svc", 2)}}
	cache := topology.New[*fakeProxy]("cache", discoverer, &countingFactory{})

	if _, err := cache.Proxy(context.Background(), "svc", 7); !errors.Is(err, topology.ErrNoSuchPartition) {
		t.Fatalf("expected ErrNoSuchPartition, got %#v", err)
	}
}

func TestProxyTypesAreSeparate(t *testing.T) {
	discoverer := &countingDiscoverer{descriptions: map[string]topology.Description{"svc": uniform("svc", 2)}}
	factory := &countingFactory{}
	a := topology.New[*fakeProxy]("a", discoverer, factory)
	b := topology.New[*fakeProxy]("b", discoverer, factory)

	proxyA, err := a.Proxy(context.Background(), "svc", 1)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	proxyB, err := b.Proxy(context.Background(), "svc", 1)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if proxyA == proxyB {
		t.Fatalf("expected different proxies for different service types")
	}
}

func TestClose(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	discoverer := &countingDiscoverer{descriptions: map[string]topology.Description{"svc": uniform("svc", 2)}}
	cache := topology.New[*fakeProxy]("cache", discoverer, &countingFactory{}, topology.WithLogger[*fakeProxy](zap.New(core)))

	proxy, err := cache.Proxy(context.Background(), "svc", 2)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := cache.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if !proxy.closed.Load() {
		t.Fatalf("expected proxy to be closed")
	}

	released := logs.FilterMessage("proxy released").All()

	if len(released) != 1 || released[0].ContextMap()["proxy"] != "cache_svc_2" {
		t.Fatalf("expected one release of cache_svc_2, got %v", released)
	}
}

func TestLockWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	discoverer := topology.DiscovererFunc(func(ctx context.Context, service string) (topology.Description, error) {
		close(entered)
		<-release

		return uniform(service, 1), nil
	})
	cache := topology.New[*fakeProxy]("cache", discoverer, &countingFactory{})

	go cache.PartitionCount(context.Background(), "svc")

	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := cache.PartitionCount(ctx, "svc"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %#v", err)
	}

	close(release)
}

func TestValidate(t *testing.T) {
	testCases := map[string]struct {
		description topology.Description
		valid       bool
	}{
		"uniform": {
			description: uniform("svc", 3),
			valid:       true,
		},
		"singleton": {
			description: singleton("svc"),
			valid:       true,
		},
		"gap": {
			description: topology.Description{
				Service:    "svc",
				Scheme:     topology.SchemeUniformInt64Range,
				Partitions: []topology.Partition{{ID: 1}, {ID: 3}},
			},
		},
		"duplicate": {
			description: topology.Description{
				Service:    "svc",
				Scheme:     topology.SchemeUniformInt64Range,
				Partitions: []topology.Partition{{ID: 1}, {ID: 1}},
			},
		},
		"singleton-with-id": {
			description: topology.Description{
				Service:    "svc",
				Scheme:     topology.SchemeSingleton,
				Partitions: []topology.Partition{{ID: 1}},
			},
		},
		"invalid-scheme-unpartitioned": {
			description: topology.Description{
				Service:    "svc",
				Scheme:     topology.SchemeInvalid,
				Partitions: []topology.Partition{{ID: partition.Singleton}},
			},
			valid: true,
		},
		"invalid-scheme-without-partitions": {
			description: topology.Description{Service: "svc"},
		},
		"invalid-scheme-partitioned": {
			description: topology.Description{
				Service:    "svc",
				Scheme:     topology.SchemeInvalid,
				Partitions: []topology.Partition{{ID: 1}, {ID: 2}},
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			err := testCase.description.Validate()

			if testCase.valid && err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			} else if !testCase.valid && err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
