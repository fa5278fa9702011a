/*
provider.go - The external calendar boundary

PURPOSE:
  Abstracts the calendar provider to three operations: pull changes since a
  cursor, push (upsert) an event, delete an event. The concrete protocol
  (OAuth refresh, wire format) lives outside the engine.

ERROR CONTRACT:
  - ErrCursorInvalid: the cursor expired; caller falls back to a full pull
  - ErrTransientProvider: timeouts, rate limits; retried with backoff
  - ErrPermanentProvider: rejected payloads; flagged for manual attention,
    never retried forever and never silently dropped
*/
package calsync

import (
	"context"
	"errors"
	"time"

	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// PROVIDER ERRORS
// =============================================================================

var (
	ErrCursorInvalid     = errors.New("sync cursor invalid")
	ErrTransientProvider = errors.New("transient provider error")
	ErrPermanentProvider = errors.New("permanent provider error")
)

// =============================================================================
// EVENTS AND CHANGES
// =============================================================================

// Event is the engine's view of one calendar event.
type Event struct {
	ExternalID string
	Title      string
	Start      time.Time
	End        time.Time

	// LeaveRequestID is set on events the engine itself pushed.
	LeaveRequestID leave.RequestID
}

// Change is one entry of a provider pull.
type Change struct {
	ExternalID string
	Version    string
	Deleted    bool
	Event      Event
}

// =============================================================================
// PROVIDER
// =============================================================================

// Provider is the external calendar. All calls block on network I/O and are
// bounded by the caller's context deadline; a deadline overrun is a
// transient failure, not a conflict.
type Provider interface {
	// Pull returns changes since cursor and the next cursor. An empty
	// cursor requests a full pull. Returns ErrCursorInvalid (wrapped) when
	// the cursor has expired.
	Pull(ctx context.Context, cursor string) (changes []Change, nextCursor string, err error)

	// Push upserts an event (insert when ExternalID is empty, overwrite
	// otherwise) and returns the event's external id and new version.
	Push(ctx context.Context, ev Event) (externalID, version string, err error)

	// Delete removes an event. Deleting an already-absent event is not an
	// error.
	Delete(ctx context.Context, externalID string) error
}
