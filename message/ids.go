package message

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered UUIDv7 identifier. The embedded millisecond
// timestamp doubles as a sequence number, so ids sort in creation order and
// index well in the coordination tables.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source is exhausted, which is
		// not a recoverable condition for the caller.
		panic(err)
	}
	return id
}

// SequenceOrder extracts the millisecond timestamp embedded in a UUIDv7.
// It is the ordering key used for per-stream sequencing; ids created by
// other versions return 0 and sort first.
func SequenceOrder(id uuid.UUID) int64 {
	if id.Version() != 7 {
		return 0
	}
	sec, nsec := id.Time().UnixTime()
	return sec*1000 + nsec/int64(time.Millisecond)
}
