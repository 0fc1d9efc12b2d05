package coordinator

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// hashText hashes the textual form of an identifier to a non-negative int.
// FNV-1a over the string form keeps the mapping stable across processes and
// releases, which is what makes partition ownership deterministic.
func hashText(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	v := int32(h.Sum32())
	if v < 0 {
		v = -v
	}
	return int(v)
}

// PartitionOf maps a stream id onto one of count virtual partitions. Rows
// without a stream belong to the catch-all partition derived from the empty
// string, distributed the same way as any other.
func PartitionOf(streamID *uuid.UUID, count int) int {
	if count <= 0 {
		return 0
	}
	text := ""
	if streamID != nil {
		text = streamID.String()
	}
	return hashText(text) % count
}

// OwnsPartition reports whether the instance at rank instanceIndex of the
// ordered active-instance set owns the given partition. Ownership is a
// plain modulo over the active count, so when the set changes the
// partitions rebalance without any handoff protocol.
func OwnsPartition(partition, instanceIndex, activeCount int) bool {
	if activeCount <= 0 {
		return false
	}
	return partition%activeCount == instanceIndex%activeCount
}

// OwnerIndex returns the rank that owns the given partition for the current
// active-instance count.
func OwnerIndex(partition, activeCount int) int {
	if activeCount <= 0 {
		return 0
	}
	return partition % activeCount
}
