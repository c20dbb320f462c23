// Package cursor implements the per-connection replication cursor (C8,
// §4.8): resume-position validation against the WAL source and the
// subscription store, and the monotonic LSN bookkeeping a connection
// needs once replication is live.
package cursor

import (
	"errors"
	"fmt"

	"github.com/arve0/electric/internal/collab"
	"github.com/arve0/electric/internal/errs"
	"github.com/arve0/electric/internal/model"
)

// SubscriptionLookup answers whether a subscription id is known to the
// server, independent of how the subscription store is implemented.
type SubscriptionLookup interface {
	Known(id string) bool
}

// StartRequest is the decoded payload of a startReplication RPC (§4.8).
type StartRequest struct {
	LSN             model.LSN // nil/empty means "start from current position"
	SubscriptionIDs []string
	SchemaVersion   string
}

// Cursor tracks one connection's replication position and validates
// resume requests before replication begins.
type Cursor struct {
	wal  collab.WalSource
	subs SubscriptionLookup

	current model.LSN
	schema  string
}

func New(wal collab.WalSource, subs SubscriptionLookup) *Cursor {
	return &Cursor{wal: wal, subs: subs}
}

// Start validates req against the WAL source and subscription store,
// returning the position to resume replication from. On success the
// cursor's current position is set to the validated LSN.
func (c *Cursor) Start(req StartRequest) (model.LSN, error) {
	if req.SchemaVersion != "" {
		// Schema reconstruction is the schema cache's job; the cursor only
		// records the version and does not check it (§4.8). Callers that
		// haven't resolved the version must do so before calling Start.
		c.schema = req.SchemaVersion
	}

	for _, id := range req.SubscriptionIDs {
		if !c.subs.Known(id) {
			return nil, errs.New(errs.SubscriptionNotFound, fmt.Sprintf("unknown subscription %q", id))
		}
	}

	if len(req.LSN) == 0 {
		// Start from the server's current position; the caller advances it
		// via Advance as transactions are emitted.
		return c.current, nil
	}

	if len(c.current) > 0 {
		switch c.wal.Compare(req.LSN, c.current) {
		case collab.Greater:
			return nil, errs.New(errs.InvalidPosition, "resume position is ahead of anything produced")
		}
	}

	c.current = req.LSN
	return c.current, nil
}

// Advance records the LSN of a transaction that has just been emitted.
// The caller (the serializer driving this connection) must invoke it in
// strictly increasing WAL order; Advance itself does not re-validate
// ordering, it's a bookkeeping step, not a safety net (§8 invariant 6 is
// the WAL source's obligation).
func (c *Cursor) Advance(lsn model.LSN) {
	c.current = lsn
}

// Position returns the cursor's current LSN, or nil if replication has
// not started.
func (c *Cursor) Position() model.LSN {
	return c.current
}

// ValidateResume maps the WalSource.Subscribe errors to their wire codes
// (§4.8): ErrBehindWindow → BehindWindow, ErrInvalidPosition →
// InvalidPosition, ErrMalformedLSN → MalformedLSN. Any other error passes
// through unchanged.
func ValidateResume(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, collab.ErrBehindWindow):
		return errs.New(errs.BehindWindow, "resume position predates the retention window")
	case errors.Is(err, collab.ErrInvalidPosition):
		return errs.New(errs.InvalidPosition, "resume position is ahead of anything produced")
	case errors.Is(err, collab.ErrMalformedLSN):
		return errs.New(errs.MalformedLSN, "resume position is not parseable")
	default:
		return err
	}
}
