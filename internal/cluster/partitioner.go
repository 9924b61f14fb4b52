// =============================================================================
// PARTITIONER - ROUTING KEYS TO PARTITIONS
// =============================================================================
//
// A partitioner decides which partition a record goes to. For keyed records
// the choice is a pure function of (key, numPartitions), which is what gives
// per-key ordering:
//
//   hash("A") % 3 = 1  → partition 1
//   hash("B") % 3 = 0  → partition 0
//   hash("A") % 3 = 1  → partition 1   same partition, so A's records stay ordered
//
// Records without a key (nil or zero-length) carry no ordering promise and
// are spread round-robin. Storage still keeps nil and empty keys apart.
//
// STRATEGIES:
//
//   HashPartitioner        murmur3(key) % n, round-robin for keyless records (default)
//   RoundRobinPartitioner  0, 1, 2, 0, 1, ... ignoring keys
//   ManualPartitioner      a fixed partition chosen by the caller
//
// Changing numPartitions remaps keys, which is why a topic's partition count
// is fixed at creation.
//
// =============================================================================

package cluster

import (
	"sync/atomic"
)

// Partitioner picks a partition in [0, numPartitions).
type Partitioner interface {
	Partition(key []byte, numPartitions int) int32
}

// =============================================================================
// HASH PARTITIONER
// =============================================================================

// HashPartitioner routes keyed records by murmur3 hash.
type HashPartitioner struct {
	fallback *RoundRobinPartitioner
}

// NewHashPartitioner creates a hash partitioner with its own round-robin
// counter for keyless records.
func NewHashPartitioner() *HashPartitioner {
	return &HashPartitioner{fallback: NewRoundRobinPartitioner()}
}

func (p *HashPartitioner) Partition(key []byte, numPartitions int) int32 {
	if numPartitions <= 0 {
		return 0
	}
	if len(key) == 0 {
		return p.fallback.Partition(nil, numPartitions)
	}
	return HashKey(key, numPartitions)
}

// HashKey is the stateless half of HashPartitioner.
func HashKey(key []byte, numPartitions int) int32 {
	if numPartitions <= 0 {
		return 0
	}
	return int32(murmur3Hash(key) % uint32(numPartitions))
}

const (
	c1_32 uint32 = 0xcc9e2d51
	c2_32 uint32 = 0x1b873593
)

// murmur3Hash is MurmurHash3 x86 32-bit with seed 0.
func murmur3Hash(data []byte) uint32 {
	length := len(data)
	nblocks := length / 4

	var h1 uint32

	// body: 4-byte little-endian blocks
	for i := 0; i < nblocks; i++ {
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

	// tail
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

func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// =============================================================================
// ROUND ROBIN PARTITIONER
// =============================================================================

// RoundRobinPartitioner cycles through partitions. Safe for concurrent use.
type RoundRobinPartitioner struct {
	counter uint64
}

func NewRoundRobinPartitioner() *RoundRobinPartitioner {
	return &RoundRobinPartitioner{}
}

func (p *RoundRobinPartitioner) Partition(_ []byte, numPartitions int) int32 {
	if numPartitions <= 0 {
		return 0
	}
	n := atomic.AddUint64(&p.counter, 1) - 1
	return int32(n % uint64(numPartitions))
}

// =============================================================================
// MANUAL PARTITIONER
// =============================================================================

// ManualPartitioner always returns the same partition (modulo the count).
type ManualPartitioner struct {
	partition int32
}

func NewManualPartitioner(partition int32) *ManualPartitioner {
	return &ManualPartitioner{partition: partition}
}

func (p *ManualPartitioner) Partition(_ []byte, numPartitions int) int32 {
	if numPartitions <= 0 || p.partition < 0 {
		return 0
	}
	return p.partition % int32(numPartitions)
}

var (
	_ Partitioner = (*HashPartitioner)(nil)
	_ Partitioner = (*RoundRobinPartitioner)(nil)
	_ Partitioner = (*ManualPartitioner)(nil)
)
