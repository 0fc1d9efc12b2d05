package message

import "strings"

// Status is the bitmask persisted on inbox and outbox rows. Stages OR their
// bit onto the row as they complete; a failure row carries the bits of the
// stages that succeeded before the failure so retries can skip them.
type Status int32

const (
	StatusNone        Status = 0
	StatusStored      Status = 1
	StatusEventStored Status = 2
	StatusPublished   Status = 4
	StatusFailed      Status = 0x8000
)

// Has reports whether all bits of mask are set.
func (s Status) Has(mask Status) bool { return s&mask == mask }

// With returns the status with the given bits set.
func (s Status) With(mask Status) Status { return s | mask }

// Failed reports whether the row is in a permanent failure state.
func (s Status) Failed() bool { return s.Has(StatusFailed) }

// String renders the set bits for logs and the ops surface.
func (s Status) String() string {
	if s == StatusNone {
		return "none"
	}
	var parts []string
	if s.Has(StatusStored) {
		parts = append(parts, "stored")
	}
	if s.Has(StatusEventStored) {
		parts = append(parts, "event_stored")
	}
	if s.Has(StatusPublished) {
		parts = append(parts, "published")
	}
	if s.Has(StatusFailed) {
		parts = append(parts, "failed")
	}
	return strings.Join(parts, "|")
}

// ItemFlags describe the provenance of a claimed work item.
type ItemFlags int32

const (
	FlagNone ItemFlags = 0
	// FlagNewlyStored marks work stored by the batch call that claimed it.
	FlagNewlyStored ItemFlags = 1
	// FlagOrphaned marks work reclaimed after its holder's lease expired.
	FlagOrphaned ItemFlags = 2
)

// Orphaned reports whether the item was reclaimed from a dead holder.
func (f ItemFlags) Orphaned() bool { return f&FlagOrphaned != 0 }

// BatchFlags modify a single ProcessWorkBatch call.
type BatchFlags int32

const (
	BatchNone BatchFlags = 0
	// BatchDebugMode retains terminal rows with their status flags instead
	// of deleting them, for post-mortem inspection.
	BatchDebugMode BatchFlags = 1
)

// Debug reports whether terminal rows should be retained.
func (f BatchFlags) Debug() bool { return f&BatchDebugMode != 0 }
