// =============================================================================
// PARTITION ASSIGNOR - ROUTING KEYS TO PARTITIONS
// =============================================================================
//
// WHAT DOES IT DO?
// Assign maps a record key to a partition index in [1, partitionCount]. It is
// a pure function of (key, partitionCount): no state, no coordination. Every
// producer in every process computes the same answer, which is how all
// records for a key end up in one partition and stay ordered.
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │   assign("alice", 3) = |murmur3("alice")| % 3 + 1 = 2                   │
//   │   assign("bob",   3) = |murmur3("bob")|   % 3 + 1 = 1                   │
//   │   assign("alice", 3) = 2   ← same key, same partition, every time       │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// Indices are 1-based. Backends whose native partitions start at 0 (Kafka)
// subtract one at their own boundary.
//
// WARNING: the mapping depends on partitionCount. Topics never change their
// partition count after creation, so the mapping is stable for a topic's
// whole life.
//
// =============================================================================

package partition

// Assign returns the 1-based partition for key. partitionCount must be > 0;
// a non-positive count is a caller bug and maps everything to partition 1.
func Assign(key []byte, partitionCount int) int {
	if partitionCount <= 0 {
		return 1
	}

	// Signed view of the hash, widened so |MinInt32| does not overflow.
	h := int64(int32(murmur3Hash(key)))
	if h < 0 {
		h = -h
	}
	return int(h%int64(partitionCount)) + 1
}

// AssignString is Assign for string keys.
func AssignString(key string, partitionCount int) int {
	return Assign([]byte(key), partitionCount)
}

// =============================================================================
// MURMUR3 (32-bit, seed 0)
// =============================================================================

const (
	c1_32 uint32 = 0xcc9e2d51
	c2_32 uint32 = 0x1b873593
)

func murmur3Hash(data []byte) uint32 {
	length := len(data)
	nblocks := length / 4

	var h1 uint32

	for i := 0; i < nblocks; i++ {
		// little-endian block
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1_32
		k1 = rotl32(k1, 15)
		k1 *= c2_32

		h1 ^= k1
		h1 = rotl32(h1, 13)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32

	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1_32
		k1 = rotl32(k1, 15)
		k1 *= c2_32
		h1 ^= k1
	}

	h1 ^= uint32(length)
	return fmix32(h1)
}

func rotl32(x uint32, r int) uint32 {
	return (x << r) | (x >> (32 - r))
}

// fmix32 gives every input byte equal influence on the output.
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
