// Package memstore implements an in-memory variant of the coordination
// Store to allow for quick local/single-process testing. A Cluster is the
// shared keyspace; each Session carved off of it gets its own ephemeral
// scope and can be expired on demand to exercise involuntary revocation.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Cluster is the shared keyspace backing any number of sessions.
type Cluster struct {
	mu      sync.Mutex
	entries map[string]*entryRec
	watches map[string][]chan struct{}
}

type entryRec struct {
	data  []byte
	owner *Store
}

// NewCluster returns a new, empty Cluster.
func NewCluster() *Cluster {
	return &Cluster{
		entries: map[string]*entryRec{},
		watches: map[string][]chan struct{}{},
	}
}

// Session mints a new session-scoped Store handle on the cluster.
func (c *Cluster) Session() *Store {
	return &Store{
		c:    c,
		lost: make(chan error, 1),
	}
}

// notifyLocked pokes every watcher of path. Sends are non-blocking: a
// watcher that hasn't consumed its pending tick gets the changes coalesced.
func (c *Cluster) notifyLocked(path string) {
	for _, ch := range c.watches[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// BreakWatches simulates a dropped watch stream: every registered tick
// channel is closed without its context ending, the way a backend whose
// connection fails would close them. Consumers are expected to re-establish
// and redeliver current state.
func (c *Cluster) BreakWatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, watchers := range c.watches {
		for _, ch := range watchers {
			close(ch)
		}
		delete(c.watches, path)
	}
}

// Store is one session's handle on the cluster, implementing the
// coordination Store contract.
type Store struct {
	c *Cluster

	mu      sync.Mutex
	expired bool
	lost    chan error
}

// existsError marks a lost create race (implements EntryExistsError).
type existsError struct {
	path string
}

func (e *existsError) Error() string {
	return fmt.Sprintf("entry %q already exists", e.path)
}

func (e *existsError) EntryExists() {}

var errSessionExpired = fmt.Errorf("session expired")

func (s *Store) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.expired
}

// CreateEphemeral atomically creates the entry at path bound to this
// session.
func (s *Store) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.alive() {
		return errSessionExpired
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, exists := s.c.entries[path]; exists {
		return &existsError{path: path}
	}
	s.c.entries[path] = &entryRec{data: append([]byte(nil), data...), owner: s}
	s.c.notifyLocked(path)
	return nil
}

// Update replaces the payload of an entry this session created.
func (s *Store) Update(ctx context.Context, path string, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.alive() {
		return errSessionExpired
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	rec, exists := s.c.entries[path]
	if !exists {
		return fmt.Errorf("entry %q does not exist", path)
	}
	if rec.owner != s {
		return fmt.Errorf("entry %q is owned by another session", path)
	}
	rec.data = append([]byte(nil), data...)
	s.c.notifyLocked(path)
	return nil
}

// Read returns the current payload at path (ok=false when absent).
func (s *Store) Read(ctx context.Context, path string) ([]byte, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	rec, exists := s.c.entries[path]
	if !exists {
		return nil, false, nil
	}
	return append([]byte(nil), rec.data...), true, nil
}

// Watch registers a coalescing tick channel for path, unregistered when ctx
// ends.
func (s *Store) Watch(ctx context.Context, path string) (<-chan struct{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	ch := make(chan struct{}, 1)
	s.c.mu.Lock()
	s.c.watches[path] = append(s.c.watches[path], ch)
	s.c.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.c.mu.Lock()
		watchers := s.c.watches[path]
		for i, w := range watchers {
			if w == ch {
				s.c.watches[path] = append(watchers[:i:i], watchers[i+1:]...)
				s.c.mu.Unlock()
				close(ch)
				return
			}
		}
		// no longer registered: BreakWatches already closed it
		s.c.mu.Unlock()
	}()
	return ch, nil
}

// Delete removes the entry at path. Absent entries are not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, exists := s.c.entries[path]; !exists {
		return nil
	}
	delete(s.c.entries, path)
	s.c.notifyLocked(path)
	return nil
}

// DeletePrefix removes every entry under prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	for path := range s.c.entries {
		if strings.HasPrefix(path, prefix) {
			delete(s.c.entries, path)
			s.c.notifyLocked(path)
		}
	}
	return nil
}

// SessionLost returns the session-loss channel.
func (s *Store) SessionLost() <-chan error {
	return s.lost
}

// ExpireSession simulates an involuntary session end: every entry the
// session created is retracted (watchers notified) and the session-loss
// channel fires. Expiring the same session twice panics.
func (s *Store) ExpireSession() {
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		panic("session expired twice")
	}
	s.expired = true
	s.mu.Unlock()

	s.c.mu.Lock()
	for path, rec := range s.c.entries {
		if rec.owner == s {
			delete(s.c.entries, path)
			s.c.notifyLocked(path)
		}
	}
	s.c.mu.Unlock()

	s.lost <- errSessionExpired
	close(s.lost)
}
