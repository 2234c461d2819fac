// Package haleader provides leader election and leader-address discovery for
// a cluster of peer processes, built on a strongly-consistent coordination
// store with session-scoped ephemeral entries and change watches.
//
// There are three real entrypoints within this package: ElectionService for
// contending for leadership of a path, RetrievalService for observing the
// address the current leader has published, and FindConnectingAddress for
// determining which local network interface can actually reach whichever
// leader is currently announced. NewServices ties an election/retrieval pair
// per logical id to one shared store session.
package haleader

import (
	"context"
	"errors"

	"github.com/coordkit/haleader/address"
)

// Store is the coordination backend consumed by the election and retrieval
// services. Entries live under hierarchical slash-separated paths and are
// scoped to the store's session: when the session ends, every entry it
// created vanishes.
type Store interface {
	// CreateEphemeral atomically creates the entry at path, bound to this
	// store's session. If the entry already exists the returned error
	// implements EntryExistsError; the store's linearizable view is the
	// sole arbiter of which session wins a concurrent create.
	CreateEphemeral(ctx context.Context, path string, data []byte) error
	// Update replaces the payload of an entry this session created.
	Update(ctx context.Context, path string, data []byte) error
	// Read returns the current payload of the entry at path. The second
	// return value is false when no entry exists. Reads are linearizable
	// with respect to writes on the same path.
	Read(ctx context.Context, path string) ([]byte, bool, error)
	// Watch returns a channel carrying coalesced change ticks for path:
	// at least one tick follows every applied change, ticks are never
	// delivered out of order with respect to the writes they announce,
	// and re-establishing an interrupted watch delivers one tick even if
	// nothing changed, so a waiting consumer cannot stall behind a missed
	// notification. The channel is closed when ctx ends or the watch is
	// irrecoverably lost.
	Watch(ctx context.Context, path string) (<-chan struct{}, error)
	// Delete removes the entry at path. Deleting an absent entry is not
	// an error.
	Delete(ctx context.Context, path string) error
	// DeletePrefix removes every entry under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// SessionLost returns a channel that is closed (after carrying at
	// most one error) when the store's session irrecoverably ends.
	// Transient disconnects are absorbed inside the backend and never
	// surface here.
	SessionLost() <-chan error
}

// EntryExistsError types indicate that a CreateEphemeral failed because the
// entry was already present, i.e. the caller lost the race rather than hit a
// real fault.
type EntryExistsError interface {
	error
	EntryExists()
}

// IsEntryExists reports whether err (or anything it wraps) marks a lost
// create race.
func IsEntryExists(err error) bool {
	ee := EntryExistsError(nil)
	return errors.As(err, &ee)
}

// ErrAlreadyStarted is returned by Start when the service is already running
// and Stop has not been called in between.
var ErrAlreadyStarted = errors.New("service already started")

// Contender is a process-local entity that can be granted leadership.
// Callbacks run on their own goroutines and must not assume they are
// serialized with store operations; OnGranted receives the SessionID for the
// new term, which must be passed back through ConfirmLeadership once the
// contender has an address ready to publish.
type Contender struct {
	OnGranted func(ctx context.Context, session address.SessionID)
	OnRevoked func(ctx context.Context)
}

// Listener receives every published-leader change from a RetrievalService.
// A nil Address means leadership is currently vacant.
type Listener func(ctx context.Context, addr *address.Address)

// FatalErrors is the shared channel through which irrecoverable coordination
// failures (session loss while leading, chiefly) are escalated. One instance
// is shared by every service built on the same store session, since such a
// failure typically invalidates all of them at once; the owner reads C() to
// decide on teardown.
type FatalErrors struct {
	ch chan error
}

// NewFatalErrors constructs a FatalErrors with room for a few reports.
func NewFatalErrors() *FatalErrors {
	return &FatalErrors{ch: make(chan error, 8)}
}

// Report records err without blocking. Reports beyond the channel's capacity
// are dropped; the first one is what matters to the owner.
func (f *FatalErrors) Report(err error) {
	select {
	case f.ch <- err:
	default:
	}
}

// C returns the channel fatal errors are delivered on.
func (f *FatalErrors) C() <-chan error {
	return f.ch
}
