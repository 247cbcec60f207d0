// Package queue implements the durable scheduler between edge and relay
// (spec.md §4.5/§4.6/glossary "Queue"): enqueue, retry-with-backoff
// scheduling, duplicate-dispatch prevention, and bounce generation on
// permanent failure.
package queue

import (
	"context"
	"time"

	"github.com/mjl-mta/relaylib/message"
)

// Metadata is the per-queued-message bookkeeping record spec.md §4.6
// stores alongside the envelope: attempt count and scheduling state.
// Grounded on the teacher's queue.Msg fields (Attempts, LastAttempt,
// NextAttempt, LastError), narrowed to what the storage contract in
// spec.md §4.6 actually needs.
type Metadata struct {
	Attempts    int
	Queued      time.Time
	NextAttempt time.Time
	LastAttempt time.Time
	LastError   string

	// Delivered marks, by index into the envelope's Recipients slice, which
	// recipients a prior partial-success attempt already delivered; the
	// relay manager only attempts the remaining ones on retry. nil or
	// empty means none delivered yet. Grounded on
	// QueueStorage.set_recipients_delivered (original_source/slimta/queue/__init__.py).
	Delivered []bool
}

// StoreEntry is one (id, envelope, metadata) triple, as returned by
// LoadAll at startup.
type StoreEntry struct {
	ID   string
	Env  *message.Envelope
	Meta Metadata
}

// Store is the storage contract spec.md §4.6 requires of any
// persistence backend: write must survive a process crash before
// returning, remove is idempotent, and metadata updates must never
// corrupt the envelope. store.MemStore, store.FileStore and
// store.BoltStore each implement this.
type Store interface {
	// Write persists env and meta atomically and durably, returning a new
	// unique id.
	Write(ctx context.Context, env *message.Envelope, meta Metadata) (id string, err error)

	// Get returns the envelope and metadata for id.
	Get(ctx context.Context, id string) (*message.Envelope, Metadata, error)

	// WriteMetadata atomically replaces the stored metadata for id.
	WriteMetadata(ctx context.Context, id string, meta Metadata) error

	// SetRecipientsDelivered shrinks the effective recipient set for id's
	// next attempt, used when a relay attempt partially succeeds.
	SetRecipientsDelivered(ctx context.Context, id string, delivered []bool) error

	// LoadAll returns every stored entry, for rebuilding the in-memory
	// scheduler after a crash or restart.
	LoadAll(ctx context.Context) ([]StoreEntry, error)

	// Remove deletes id. Calling Remove on an id that no longer exists is
	// not an error.
	Remove(ctx context.Context, id string) error
}

// ErrNotFound is returned by Get for an id the store doesn't have.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "queue: id not found in store" }
