// Package lifecycle fires user handlers at named execution points around
// the coordinator call and around the transport and perspective stages.
// Every stage comes in an async variant (fire-and-forget, errors logged)
// and an inline variant (awaited, errors propagate), except Distribute
// which is async-only.
package lifecycle

import (
	"strings"

	"github.com/google/uuid"
)

// Stage names one execution point. The suffix decides the invocation
// discipline.
type Stage string

const (
	ImmediateAsync  Stage = "immediate_async"
	ImmediateInline Stage = "immediate_inline"

	PreDistributeAsync  Stage = "pre_distribute_async"
	PreDistributeInline Stage = "pre_distribute_inline"

	// Distribute runs while the coordinator call is in flight; an inline
	// variant would block the very call it observes, so registration of
	// DistributeInline is rejected.
	DistributeAsync  Stage = "distribute_async"
	DistributeInline Stage = "distribute_inline"

	PostDistributeAsync  Stage = "post_distribute_async"
	PostDistributeInline Stage = "post_distribute_inline"

	PreOutboxAsync  Stage = "pre_outbox_async"
	PreOutboxInline Stage = "pre_outbox_inline"

	PostOutboxAsync  Stage = "post_outbox_async"
	PostOutboxInline Stage = "post_outbox_inline"

	PreInboxAsync  Stage = "pre_inbox_async"
	PreInboxInline Stage = "pre_inbox_inline"

	PostInboxAsync  Stage = "post_inbox_async"
	PostInboxInline Stage = "post_inbox_inline"

	PrePerspectiveAsync  Stage = "pre_perspective_async"
	PrePerspectiveInline Stage = "pre_perspective_inline"

	PostPerspectiveAsync  Stage = "post_perspective_async"
	PostPerspectiveInline Stage = "post_perspective_inline"
)

// Async reports whether handlers at this stage run detached.
func (s Stage) Async() bool {
	return strings.HasSuffix(string(s), "_async")
}

// Registerable reports whether handlers may be registered at this stage.
func (s Stage) Registerable() bool {
	switch s {
	case ImmediateAsync, ImmediateInline,
		PreDistributeAsync, PreDistributeInline,
		DistributeAsync,
		PostDistributeAsync, PostDistributeInline,
		PreOutboxAsync, PreOutboxInline,
		PostOutboxAsync, PostOutboxInline,
		PreInboxAsync, PreInboxInline,
		PostInboxAsync, PostInboxInline,
		PrePerspectiveAsync, PrePerspectiveInline,
		PostPerspectiveAsync, PostPerspectiveInline:
		return true
	default:
		return false
	}
}

// Source distinguishes which side of the coordinator a message came from.
type Source string

const (
	SourceNone   Source = ""
	SourceOutbox Source = "outbox"
	SourceInbox  Source = "inbox"
)

// Context is the immutable invocation context passed to every handler.
type Context struct {
	Stage       Stage
	MessageType string
	EventID     *uuid.UUID
	StreamID    *uuid.UUID
	Perspective string
	Source      Source
	Attempt     int
}
