package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// FailureKind classifies why a message could not make progress. The kind
// decides the retry policy: transient kinds return the row to the claimable
// pool, permanent kinds mark it failed for good.
type FailureKind string

const (
	// KindTransportNotReady means the broker or a downstream is unavailable.
	KindTransportNotReady FailureKind = "transport_not_ready"
	// KindTransportError means the broker rejected the message or dropped
	// the connection mid-publish.
	KindTransportError FailureKind = "transport_error"
	// KindSerialization means the payload cannot be encoded or decoded
	// under its registered type.
	KindSerialization FailureKind = "serialization"
	// KindValidation means the message failed pre-handler validation.
	KindValidation FailureKind = "validation"
	// KindMaxAttempts means the attempt counter exceeded the ceiling.
	KindMaxAttempts FailureKind = "max_attempts"
	// KindLeaseExpired means the message sat in a buffer past its lease.
	KindLeaseExpired FailureKind = "lease_expired"
	// KindOptimisticConcurrency means an event-store version collision.
	KindOptimisticConcurrency FailureKind = "optimistic_concurrency"
	// KindUnknown is everything else.
	KindUnknown FailureKind = "unknown"
)

// Retryable reports whether a failure of this kind should be retried via
// lease expiry and re-claim. Serialization and validation failures are
// permanent: retrying cannot change the outcome. A version collision is
// permanent too: the event append only happens at ingestion, so a
// re-claimed row would complete without its event ever reaching the log.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindSerialization, KindValidation, KindMaxAttempts, KindOptimisticConcurrency:
		return false
	default:
		return true
	}
}

// Failure is the explicit (status, error, reason) result triple reported
// back to the coordinator when a processing stage fails. Completed carries
// the stages that succeeded before the failure.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Completed Status      `json:"completed"`
	Reason    string      `json:"reason"`
}

// Error implements the error interface so a Failure can propagate through
// handler signatures untouched.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

// NewFailure builds a failure for the given kind with the pre-failure
// status mask.
func NewFailure(kind FailureKind, completed Status, reason string) *Failure {
	return &Failure{Kind: kind, Completed: completed, Reason: reason}
}

// Classify maps an arbitrary error onto a FailureKind. Typed failures keep
// their kind; JSON errors become serialization failures; everything else
// is unknown and retried per the retry policy.
func Classify(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	var syntax *json.SyntaxError
	var unmarshal *json.UnmarshalTypeError
	if errors.As(err, &syntax) || errors.As(err, &unmarshal) {
		return KindSerialization
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindLeaseExpired
	}
	return KindUnknown
}
