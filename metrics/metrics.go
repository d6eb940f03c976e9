// Package metrics declares the instrumentation points of the cache client
// and the cache store. Implementations live in subpackages so that the
// core packages do not depend on any particular metrics backend.
package metrics

// Timer measures the duration of an operation. Call ObserveDuration
// when the operation completes.
type Timer interface {
	ObserveDuration()
}

// Client is the set of metrics recorded by the cache client and its
// partition routing layer. All methods are safe for concurrent use.
type Client interface {
	// RequestDuration times one logical call to a partition,
	// retries included
	RequestDuration(op string) Timer
	RequestCompleted(op string, success bool)
	// RequestRetried is recorded for every retry of an attempt that
	// failed with a transient status code
	RequestRetried(op string, code string)
	DiscoveryCompleted(success bool)
	ProxyCreated()
}

// Store is the set of metrics recorded by a partition's store
type Store interface {
	OperationDuration(op string) Timer
	// OperationCompleted records the outcome of an operation. outcome
	// is one of ok, contained, failed or not_ready.
	OperationCompleted(op string, outcome string)
	EntriesExpired(count int)
}

// Outcomes reported to Store.OperationCompleted
const (
	OutcomeOK        = "ok"
	OutcomeContained = "contained"
	OutcomeFailed    = "failed"
	OutcomeNotReady  = "not_ready"
)

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing
func NopTimer() Timer { return nopTimer{} }

type nopClient struct{}

func (nopClient) RequestDuration(string) Timer  { return nopTimer{} }
func (nopClient) RequestCompleted(string, bool) {}
func (nopClient) RequestRetried(string, string) {}
func (nopClient) DiscoveryCompleted(bool)       {}
func (nopClient) ProxyCreated()                 {}

// NopClient returns a Client that records nothing
func NopClient() Client { return nopClient{} }

type nopStore struct{}

func (nopStore) OperationDuration(string) Timer     { return nopTimer{} }
func (nopStore) OperationCompleted(string, string) {}
func (nopStore) EntriesExpired(int)                {}

// NopStore returns a Store that records nothing
func NopStore() Store { return nopStore{} }
