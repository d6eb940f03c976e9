package kv_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/kvcache/storage/kv"
	"github.com/jrife/kvcache/storage/kv/plugins"
	"github.com/jrife/kvcache/storage/kv/plugins/memory"
)

type dictionaryModel map[string]string

type tempStoreBuilder func(t *testing.T, model dictionaryModel) (kv.Dictionary, kv.RootStore, func())

func builder(plugin kv.Plugin) tempStoreBuilder {
	return func(t *testing.T, model dictionaryModel) (kv.Dictionary, kv.RootStore, func()) {
		rootStore, err := plugin.NewTempRootStore()

		if errors.Is(err, kv.ErrPluginUnavailable) {
			t.Skipf("%s plugin unavailable: %s", plugin.Name(), err)
		} else if err != nil {
			t.Fatalf("Could not build a %s store: %s", plugin.Name(), err)
		}

		dictionary := rootStore.Dictionary("test")

		if err := dictionary.Create(context.Background()); err != nil {
			rootStore.Delete()
			t.Fatalf("Could not create dictionary in %s store: %s", plugin.Name(), err)
		}

		if model != nil {
			if err := writeDictionary(dictionary, model); err != nil {
				rootStore.Delete()
				t.Fatalf("Could not populate %s store: %s", plugin.Name(), err)
			}
		}

		return dictionary, rootStore, func() { rootStore.Delete() }
	}
}

func writeDictionary(dictionary kv.Dictionary, model dictionaryModel) error {
	return kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		for key, value := range model {
			if err := txn.Set(key, []byte(value)); err != nil {
				return err
			}
		}

		return nil
	})
}

func readDictionary(dictionary kv.Dictionary) (dictionaryModel, error) {
	model := dictionaryModel{}

	err := kv.View(context.Background(), dictionary, func(txn kv.Transaction) error {
		return txn.ForEach(func(key string, value []byte) error {
			model[key] = string(value)

			return nil
		})
	})

	return model, err
}

func TestDrivers(t *testing.T) {
	pluginManager := plugins.NewKVPluginManager()

	for _, plugin := range pluginManager.Plugins() {
		t.Run(plugin.Name(), driverTest(builder(plugin)))
	}
}

func driverTest(builder tempStoreBuilder) func(t *testing.T) {
	return func(t *testing.T) {
		testDriver(builder, t)
	}
}

func testDriver(builder tempStoreBuilder, t *testing.T) {
	t.Run("Create", func(t *testing.T) { testCreate(builder, t) })
	t.Run("NoSuchDictionary", func(t *testing.T) { testNoSuchDictionary(builder, t) })
	t.Run("ReadWrite", func(t *testing.T) { testReadWrite(builder, t) })
	t.Run("Add", func(t *testing.T) { testAdd(builder, t) })
	t.Run("TryRemove", func(t *testing.T) { testTryRemove(builder, t) })
	t.Run("Rollback", func(t *testing.T) { testRollback(builder, t) })
	t.Run("Clear", func(t *testing.T) { testClear(builder, t) })
	t.Run("ForEach", func(t *testing.T) { testForEach(builder, t) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(builder, t) })
	t.Run("TxnClosed", func(t *testing.T) { testTxnClosed(builder, t) })
	t.Run("Closed", func(t *testing.T) { testClosed(builder, t) })
	t.Run("Synchronized", func(t *testing.T) { testSynchronized(builder, t) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(builder, t) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(builder, t) })
	t.Run("System", func(t *testing.T) { testSystem(builder, t) })
}

func testCreate(builder tempStoreBuilder, t *testing.T) {
	dictionary, _, cleanup := builder(t, dictionaryModel{"a": "1"})
	defer cleanup()

	if err := dictionary.Create(context.Background()); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model, err := readDictionary(dictionary)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(dictionaryModel{"a": "1"}, model); diff != "" {
		t.Fatalf("creating an existing dictionary changed its contents: %s", diff)
	}
}

func testNoSuchDictionary(builder tempStoreBuilder, t *testing.T) {
	_, rootStore, cleanup := builder(t, nil)
	defer cleanup()

	for _, writable := range []bool{false, true} {
		_, err := rootStore.Dictionary("missing").Begin(context.Background(), writable)

		if !errors.Is(err, kv.ErrNoSuchDictionary) {
			t.Fatalf("expected ErrNoSuchDictionary, got %#v", err)
		}
	}
}

func testReadWrite(builder tempStoreBuilder, t *testing.T) {
	testCases := map[string]struct {
		initialState dictionaryModel
		writes       dictionaryModel
		finalState   dictionaryModel
	}{
		"empty": {
			initialState: nil,
			writes:       dictionaryModel{},
			finalState:   dictionaryModel{},
		},
		"insert": {
			initialState: nil,
			writes:       dictionaryModel{"Order^42": "a", "Order^43": "b"},
			finalState:   dictionaryModel{"Order^42": "a", "Order^43": "b"},
		},
		"overwrite": {
			initialState: dictionaryModel{"Order^42": "a"},
			writes:       dictionaryModel{"Order^42": "b"},
			finalState:   dictionaryModel{"Order^42": "b"},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			dictionary, _, cleanup := builder(t, testCase.initialState)
			defer cleanup()

			if err := writeDictionary(dictionary, testCase.writes); err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			for key, value := range testCase.finalState {
				err := kv.View(context.Background(), dictionary, func(txn kv.Transaction) error {
					if ok, err := txn.ContainsKey(key); err != nil {
						return err
					} else if !ok {
						return fmt.Errorf("expected %q to be present", key)
					}

					v, ok, err := txn.TryGet(key)

					if err != nil {
						return err
					} else if !ok || string(v) != value {
						return fmt.Errorf("expected %q = %q, got %q (%v)", key, value, v, ok)
					}

					return nil
				})

				if err != nil {
					t.Fatal(err)
				}
			}

			model, err := readDictionary(dictionary)

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if diff := cmp.Diff(testCase.finalState, model); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func testAdd(builder tempStoreBuilder, t *testing.T) {
	dictionary, _, cleanup := builder(t, dictionaryModel{"a": "1"})
	defer cleanup()

	err := kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		return txn.Add("a", []byte("2"))
	})

	if !errors.Is(err, kv.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %#v", err)
	}

	err = kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		if err := txn.Add("b", []byte("2")); err != nil {
			return err
		}

		// A key added earlier in the same transaction exists
		if err := txn.Add("b", []byte("3")); !errors.Is(err, kv.ErrKeyExists) {
			return fmt.Errorf("expected ErrKeyExists for a key added in this transaction, got %#v", err)
		}

		return nil
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model, err := readDictionary(dictionary)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(dictionaryModel{"a": "1", "b": "2"}, model); diff != "" {
		t.Fatal(diff)
	}
}

func testTryRemove(builder tempStoreBuilder, t *testing.T) {
	dictionary, _, cleanup := builder(t, dictionaryModel{"a": "1", "b": "2"})
	defer cleanup()

	err := kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		value, ok, err := txn.TryRemove("a")

		if err != nil {
			return err
		} else if !ok || string(value) != "1" {
			return fmt.Errorf("expected to remove a=1, got %q (%v)", value, ok)
		}

		if _, ok, err := txn.TryRemove("a"); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("expected second removal of a to report false")
		}

		if _, ok, err := txn.TryRemove("missing"); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("expected removal of a missing key to report false")
		}

		if ok, err := txn.ContainsKey("a"); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("expected a removed key to be absent within the transaction")
		}

		return nil
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model, err := readDictionary(dictionary)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(dictionaryModel{"b": "2"}, model); diff != "" {
		t.Fatal(diff)
	}
}

func testRollback(builder tempStoreBuilder, t *testing.T) {
	dictionary, _, cleanup := builder(t, dictionaryModel{"a": "1"})
	defer cleanup()

	txn, err := dictionary.Begin(context.Background(), true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := txn.Set("a", []byte("2")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := txn.Set("b", []byte("3")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, _, err := txn.TryRemove("a"); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := txn.Rollback(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model, err := readDictionary(dictionary)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(dictionaryModel{"a": "1"}, model); diff != "" {
		t.Fatalf("rolled back writes are visible: %s", diff)
	}

	// Failing Update rolls back too
	err = kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		if err := txn.Set("c", []byte("4")); err != nil {
			return err
		}

		return errors.New("boom")
	})

	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %#v", err)
	}

	if model, _ := readDictionary(dictionary); cmp.Diff(dictionaryModel{"a": "1"}, model) != "" {
		t.Fatalf("writes from a failed update are visible: %v", model)
	}
}

func testClear(builder tempStoreBuilder, t *testing.T) {
	dictionary, rootStore, cleanup := builder(t, dictionaryModel{"a": "1", "b": "2"})
	defer cleanup()

	other := rootStore.Dictionary("other")

	if err := other.Create(context.Background()); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := writeDictionary(other, dictionaryModel{"x": "y"}); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	err := kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		if err := txn.Clear(); err != nil {
			return err
		}

		// Writes after a clear survive it
		return txn.Set("c", []byte("3"))
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model, err := readDictionary(dictionary)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(dictionaryModel{"c": "3"}, model); diff != "" {
		t.Fatal(diff)
	}

	otherModel, err := readDictionary(other)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(dictionaryModel{"x": "y"}, otherModel); diff != "" {
		t.Fatalf("clear leaked into another dictionary: %s", diff)
	}
}

func testForEach(builder tempStoreBuilder, t *testing.T) {
	dictionary, _, cleanup := builder(t, dictionaryModel{"b": "2", "d": "4", "a": "1"})
	defer cleanup()

	var keys []string

	err := kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		if err := txn.Set("c", []byte("3")); err != nil {
			return err
		}

		if _, _, err := txn.TryRemove("d"); err != nil {
			return err
		}

		return txn.ForEach(func(key string, value []byte) error {
			keys = append(keys, key)

			return nil
		})
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, keys); diff != "" {
		t.Fatal(diff)
	}

	stop := errors.New("stop")
	count := 0

	err = kv.View(context.Background(), dictionary, func(txn kv.Transaction) error {
		return txn.ForEach(func(key string, value []byte) error {
			count++

			return stop
		})
	})

	if !errors.Is(err, stop) || count != 1 {
		t.Fatalf("expected ForEach to stop after the first error, got %#v after %d calls", err, count)
	}
}

func testReadOnly(builder tempStoreBuilder, t *testing.T) {
	dictionary, _, cleanup := builder(t, dictionaryModel{"a": "1"})
	defer cleanup()

	testCases := map[string]func(txn kv.Transaction) error{
		"set":    func(txn kv.Transaction) error { return txn.Set("a", []byte("2")) },
		"add":    func(txn kv.Transaction) error { return txn.Add("b", []byte("2")) },
		"remove": func(txn kv.Transaction) error { _, _, err := txn.TryRemove("a"); return err },
		"clear":  func(txn kv.Transaction) error { return txn.Clear() },
	}

	for name, write := range testCases {
		t.Run(name, func(t *testing.T) {
			err := kv.View(context.Background(), dictionary, write)

			if !errors.Is(err, kv.ErrReadOnly) {
				t.Fatalf("expected ErrReadOnly, got %#v", err)
			}
		})
	}
}

func testTxnClosed(builder tempStoreBuilder, t *testing.T) {
	dictionary, _, cleanup := builder(t, nil)
	defer cleanup()

	txn, err := dictionary.Begin(context.Background(), true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := txn.Rollback(); err != nil {
		t.Fatalf("expected Rollback after Commit to be a no-op, got %#v", err)
	}

	if err := txn.Set("a", []byte("1")); !errors.Is(err, kv.ErrTxnClosed) {
		t.Fatalf("expected ErrTxnClosed, got %#v", err)
	}

	if err := txn.Commit(); !errors.Is(err, kv.ErrTxnClosed) {
		t.Fatalf("expected ErrTxnClosed, got %#v", err)
	}
}

func testClosed(builder tempStoreBuilder, t *testing.T) {
	dictionary, rootStore, cleanup := builder(t, nil)
	defer cleanup()

	if err := rootStore.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, err := dictionary.Begin(context.Background(), false); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %#v", err)
	}

	if err := dictionary.Create(context.Background()); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %#v", err)
	}
}

func testSynchronized(builder tempStoreBuilder, t *testing.T) {
	initial := dictionaryModel{}

	for i := 0; i < 50; i++ {
		initial[fmt.Sprintf("k%02d", i)] = "v"
	}

	dictionary, _, cleanup := builder(t, initial)
	defer cleanup()

	txn, err := dictionary.Begin(context.Background(), true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	shared := kv.Synchronized(txn)
	var wg sync.WaitGroup
	removed := make([]bool, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, removed[i], _ = shared.TryRemove(fmt.Sprintf("k%02d", i))
		}(i)
	}

	wg.Wait()

	if err := shared.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	for i, ok := range removed {
		if !ok {
			t.Fatalf("expected k%02d to be removed", i)
		}
	}

	model, err := readDictionary(dictionary)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if len(model) != 0 {
		t.Fatalf("expected an empty dictionary, got %v", model)
	}
}

func testConcurrentWriters(builder tempStoreBuilder, t *testing.T) {
	dictionary, _, cleanup := builder(t, nil)
	defer cleanup()

	expected := dictionaryModel{}
	errs := make([]error, 50)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("Order^%d", i)
		expected[key] = "v"
		wg.Add(1)

		go func(i int, key string) {
			defer wg.Done()

			errs[i] = kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
				if ok, err := txn.ContainsKey(key); err != nil {
					return err
				} else if ok {
					return txn.Set(key, []byte("v"))
				}

				return txn.Add(key, []byte("v"))
			})
		}(i, key)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: expected err to be nil, got %#v", i, err)
		}
	}

	model, err := readDictionary(dictionary)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(expected, model); diff != "" {
		t.Fatal(diff)
	}
}

func testConcurrentIncrements(builder tempStoreBuilder, t *testing.T) {
	dictionary, _, cleanup := builder(t, dictionaryModel{"counter": "0"})
	defer cleanup()

	errs := make([]error, 8)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
				value, _, err := txn.TryGet("counter")

				if err != nil {
					return err
				}

				n, err := strconv.Atoi(string(value))

				if err != nil {
					return err
				}

				return txn.Set("counter", []byte(strconv.Itoa(n+1)))
			})
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: expected err to be nil, got %#v", i, err)
		}
	}

	model, err := readDictionary(dictionary)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(dictionaryModel{"counter": "8"}, model); diff != "" {
		t.Fatal(diff)
	}
}

// conflictingDictionary fails the first commits of writable
// transactions with kv.ErrConflict
type conflictingDictionary struct {
	kv.Dictionary
	conflicts int
	begun     int
}

func (dictionary *conflictingDictionary) Begin(ctx context.Context, writable bool) (kv.Transaction, error) {
	txn, err := dictionary.Dictionary.Begin(ctx, writable)

	if err != nil || !writable {
		return txn, err
	}

	dictionary.begun++

	if dictionary.begun <= dictionary.conflicts {
		return &conflictingTransaction{Transaction: txn}, nil
	}

	return txn, nil
}

type conflictingTransaction struct {
	kv.Transaction
}

func (txn *conflictingTransaction) Commit() error {
	txn.Transaction.Rollback()

	return kv.ErrConflict
}

func TestUpdateConflicts(t *testing.T) {
	testCases := map[string]struct {
		conflicts int
		err       error
		attempts  int
		final     dictionaryModel
	}{
		"no conflict": {
			conflicts: 0,
			attempts:  1,
			final:     dictionaryModel{"a": "1"},
		},
		"retried": {
			conflicts: 3,
			attempts:  4,
			final:     dictionaryModel{"a": "1"},
		},
		"exhausted": {
			conflicts: kv.ConflictRetries + 1,
			err:       kv.ErrConflict,
			attempts:  kv.ConflictRetries + 1,
			final:     dictionaryModel{},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			inner, _, cleanup := builder(memory.Plugins()[0])(t, nil)
			defer cleanup()

			dictionary := &conflictingDictionary{Dictionary: inner, conflicts: testCase.conflicts}
			attempts := 0

			err := kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
				attempts++

				return txn.Set("a", []byte("1"))
			})

			if !errors.Is(err, testCase.err) {
				t.Fatalf("expected err to be %#v, got %#v", testCase.err, err)
			}

			if attempts != testCase.attempts {
				t.Fatalf("expected %d attempts, got %d", testCase.attempts, attempts)
			}

			model, err := readDictionary(inner)

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if diff := cmp.Diff(testCase.final, model); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestUpdateDoesNotRetryOtherErrors(t *testing.T) {
	dictionary, _, cleanup := builder(memory.Plugins()[0])(t, nil)
	defer cleanup()

	attempts := 0
	failure := errors.New("boom")

	err := kv.Update(context.Background(), dictionary, func(txn kv.Transaction) error {
		attempts++

		return failure
	})

	if !errors.Is(err, failure) {
		t.Fatalf("expected err to be %#v, got %#v", failure, err)
	}

	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}
