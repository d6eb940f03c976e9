package observable_map

import "sync"

// MapObserver is a callback through which observers
// can be notified of map changes.
type MapObserver[K comparable, V any] func(key K, value V)

// ObservableMap is a thread-safe wrapper for go's
// map that allows observers to be notified when
// keys are added or deleted. Observers are invoked
// after the map lock is released.
type ObservableMap[K comparable, V any] struct {
	mu              sync.RWMutex
	internalMap     map[K]V
	addObservers    []MapObserver[K, V]
	deleteObservers []MapObserver[K, V]
}

// New creates an empty ObservableMap
func New[K comparable, V any]() *ObservableMap[K, V] {
	return &ObservableMap[K, V]{
		internalMap: make(map[K]V),
	}
}

// Put sets a key in the map. It returns true
// if the key already existed in the map and
// false if this call to Put is adding a key
// that didn't exist before.
func (observableMap *ObservableMap[K, V]) Put(key K, value V) bool {
	observableMap.mu.Lock()

	_, ok := observableMap.internalMap[key]
	observableMap.internalMap[key] = value
	addObservers := observableMap.addObservers

	observableMap.mu.Unlock()

	// Replacing an existing value is not an add
	if !ok {
		notifyObservers(addObservers, key, value)
	}

	return ok
}

// PutIfAbsent stores value under key only if key is not present.
// It returns the value held by the map after the call and true if
// that value was already present. Add observers fire only when
// value is stored.
func (observableMap *ObservableMap[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	observableMap.mu.Lock()

	if existing, ok := observableMap.internalMap[key]; ok {
		observableMap.mu.Unlock()

		return existing, true
	}

	observableMap.internalMap[key] = value
	addObservers := observableMap.addObservers

	observableMap.mu.Unlock()

	notifyObservers(addObservers, key, value)

	return value, false
}

// Delete deletes a key from the map. It returns
// true if the key existed in the map and false
// if the key didn't exist.
func (observableMap *ObservableMap[K, V]) Delete(key K) bool {
	observableMap.mu.Lock()

	value, ok := observableMap.internalMap[key]

	if ok {
		delete(observableMap.internalMap, key)
	}

	deleteObservers := observableMap.deleteObservers

	observableMap.mu.Unlock()

	// Only notify observers if we actually
	// removed something that existed
	if ok {
		notifyObservers(deleteObservers, key, value)
	}

	return ok
}

// Get reads a key from the map. If the key exists
// its value will be returned and ok will be true
// If the value doesn't exist the zero value will be
// returned and ok will be false.
func (observableMap *ObservableMap[K, V]) Get(key K) (V, bool) {
	observableMap.mu.RLock()
	defer observableMap.mu.RUnlock()

	value, ok := observableMap.internalMap[key]

	return value, ok
}

// Len returns the number of keys in the map
func (observableMap *ObservableMap[K, V]) Len() int {
	observableMap.mu.RLock()
	defer observableMap.mu.RUnlock()

	return len(observableMap.internalMap)
}

// Range calls fn for every entry of a snapshot of the map
// until fn returns false.
func (observableMap *ObservableMap[K, V]) Range(fn func(key K, value V) bool) {
	observableMap.mu.RLock()
	snapshot := make(map[K]V, len(observableMap.internalMap))

	for k, v := range observableMap.internalMap {
		snapshot[k] = v
	}

	observableMap.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func notifyObservers[K comparable, V any](observers []MapObserver[K, V], key K, value V) {
	for _, observer := range observers {
		observer(key, value)
	}
}

// OnAdd registers an observer for when a new key is
// added to the map.
func (observableMap *ObservableMap[K, V]) OnAdd(cb MapObserver[K, V]) {
	observableMap.mu.Lock()
	defer observableMap.mu.Unlock()

	observableMap.addObservers = append(observableMap.addObservers, cb)
}

// OnDelete registers an observer for map deletes.
func (observableMap *ObservableMap[K, V]) OnDelete(cb MapObserver[K, V]) {
	observableMap.mu.Lock()
	defer observableMap.mu.Unlock()

	observableMap.deleteObservers = append(observableMap.deleteObservers, cb)
}
