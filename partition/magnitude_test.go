package partition

import (
	"math"
	"testing"
)

func TestMagnitude(t *testing.T) {
	testCases := map[string]struct {
		v      int64
		result uint64
	}{
		"zero":     {v: 0, result: 0},
		"positive": {v: 42, result: 42},
		"negative": {v: -42, result: 42},
		"max":      {v: math.MaxInt64, result: math.MaxInt64},
		"min":      {v: math.MinInt64, result: 1 << 63},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if m := magnitude(testCase.v); m != testCase.result {
				t.Fatalf("expected %d, got %d", testCase.result, m)
			}
		})
	}
}
