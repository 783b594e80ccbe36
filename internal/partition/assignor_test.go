package partition

import (
	"fmt"
	"testing"
)

// =============================================================================
// ASSIGNOR TESTS
// =============================================================================
//
// These tests verify:
// 1. Assign is deterministic (same key → same partition)
// 2. Assign stays within [1, n]
// 3. Keys spread reasonably across partitions
//

func TestAssignDeterministic(t *testing.T) {
	keys := []string{
		"user-123",
		"order-456",
		"",
		"a",
		"ab",
		"abc",
		"abcd",
		"this-is-a-very-long-key-that-should-still-hash-consistently",
	}

	for _, n := range []int{1, 2, 3, 4, 10, 97} {
		for _, key := range keys {
			first := AssignString(key, n)
			for i := 0; i < 10; i++ {
				if got := AssignString(key, n); got != first {
					t.Errorf("Assign(%q, %d) inconsistent: first=%d, got=%d", key, n, first, got)
				}
			}
		}
	}
}

func TestAssignBounds(t *testing.T) {
	tests := []struct {
		name          string
		numPartitions int
	}{
		{"single partition", 1},
		{"two partitions", 2},
		{"four partitions", 4},
		{"hundred partitions", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 2000; i++ {
				key := []byte(fmt.Sprintf("key-%d", i))
				p := Assign(key, tt.numPartitions)
				if p < 1 || p > tt.numPartitions {
					t.Fatalf("Assign(%q) = %d, out of [1, %d]", key, p, tt.numPartitions)
				}
			}
		})
	}
}

func TestAssignSinglePartition(t *testing.T) {
	for i := 0; i < 100; i++ {
		if p := AssignString(fmt.Sprint(i), 1); p != 1 {
			t.Fatalf("expected partition 1, got %d", p)
		}
	}
}

func TestAssignNonPositiveCount(t *testing.T) {
	if p := AssignString("k", 0); p != 1 {
		t.Errorf("expected 1 for zero partitions, got %d", p)
	}
}

func TestAssignDistribution(t *testing.T) {
	numPartitions := 8
	numKeys := 8000
	counts := make([]int, numPartitions+1)

	for i := 0; i < numKeys; i++ {
		counts[AssignString(fmt.Sprintf("entity-%d", i), numPartitions)]++
	}

	expected := numKeys / numPartitions
	tolerance := expected / 2
	for p := 1; p <= numPartitions; p++ {
		if counts[p] < expected-tolerance || counts[p] > expected+tolerance {
			t.Errorf("partition %d has %d keys, expected ~%d (±%d)", p, counts[p], expected, tolerance)
		}
	}
}

func TestMurmur3KnownValues(t *testing.T) {
	// Reference values for murmur3_32 with seed 0.
	tests := []struct {
		in   string
		want uint32
	}{
		{"", 0},
		{"hello", 0x248bfa47},
		{"The quick brown fox jumps over the lazy dog", 0x2e4ff723},
	}
	for _, tt := range tests {
		if got := murmur3Hash([]byte(tt.in)); got != tt.want {
			t.Errorf("murmur3(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

// TestAssignManyKeysManyPublishes mirrors the "100 records, 10 keys, 4
// partitions" scenario: the partition of a key never varies between calls.
func TestAssignManyKeysManyPublishes(t *testing.T) {
	const partitions = 4
	seen := make(map[string]int)
	for round := 0; round < 10; round++ {
		for k := 0; k < 10; k++ {
			key := fmt.Sprintf("key-%d", k)
			p := AssignString(key, partitions)
			if prev, ok := seen[key]; ok && prev != p {
				t.Fatalf("key %s moved from %d to %d", key, prev, p)
			}
			seen[key] = p
		}
	}
}
