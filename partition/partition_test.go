package partition_test

import (
	"math"
	"testing"

	"github.com/jrife/kvcache/partition"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestIndexProperties(t *testing.T) {
	parameters := gopter.DefaultTestParametersWithSeed(1234)
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	properties.Property("index is within [1, count]", prop.ForAll(
		func(key string, count int) bool {
			id := partition.Index(key, count)

			return id >= 1 && int(id) <= count
		},
		gen.AnyString(),
		gen.IntRange(1, 4096),
	))

	properties.Property("index is deterministic", prop.ForAll(
		func(key string, count int) bool {
			return partition.Index(key, count) == partition.Index(string([]byte(key)), count)
		},
		gen.AnyString(),
		gen.IntRange(1, 4096),
	))

	properties.Property("a single partition owns every key", prop.ForAll(
		func(key string) bool {
			return partition.Index(key, 1) == 1
		},
		gen.AnyString(),
	))

	properties.Property("singleton services bypass hashing", prop.ForAll(
		func(key string) bool {
			return partition.Resolve(key, 0) == partition.Singleton
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestIndexEmptyKey(t *testing.T) {
	// The digest of an empty input under seed 0 is all zeros
	if hash := partition.Hash(""); hash != 0 {
		t.Fatalf("expected hash of empty key to be 0, got %d", hash)
	}

	for _, count := range []int{1, 2, 4, 97} {
		if id := partition.Index("", count); id != 1 {
			t.Fatalf("expected empty key to map to partition 1 of %d, got %d", count, id)
		}
	}
}

func TestIndexNonASCIIKeys(t *testing.T) {
	testCases := map[string]struct {
		a string
		b string
	}{
		"latin": {
			a: "café",
			b: "caf?",
		},
		"cjk": {
			a: "東京",
			b: "??",
		},
		"mixed": {
			a: "Order^über-42",
			b: "Order^?ber-42",
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if partition.Hash(testCase.a) != partition.Hash(testCase.b) {
				t.Fatalf("expected %q and %q to hash identically", testCase.a, testCase.b)
			}
		})
	}
}

func TestIndexPanicsForNonPositiveCount(t *testing.T) {
	for _, count := range []int{0, -1, math.MinInt32} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected Index to panic for count %d", count)
				}
			}()

			partition.Index("key", count)
		}()
	}
}

func TestResolve(t *testing.T) {
	if id := partition.Resolve("Order^42", 4); id != partition.Index("Order^42", 4) {
		t.Fatalf("expected Resolve to agree with Index, got %d", id)
	}

	if partition.Resolve("Order^42", 4).IsSingleton() {
		t.Fatalf("expected partitioned resolution not to be the singleton")
	}
}

func TestIDString(t *testing.T) {
	testCases := map[string]struct {
		id     partition.ID
		result string
	}{
		"singleton": {id: partition.Singleton, result: partition.SingletonKey},
		"first":     {id: 1, result: "1"},
		"large":     {id: 1024, result: "1024"},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if s := testCase.id.String(); s != testCase.result {
				t.Fatalf("expected %q, got %q", testCase.result, s)
			}
		})
	}
}
