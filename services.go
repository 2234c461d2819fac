package haleader

import (
	"context"
	"path"
	"sync"

	"github.com/coordkit/haleader/clocks"
)

const defaultRootPath = "/haleader"

// Services is the high-availability facade: it hands out election and
// retrieval services per logical id, all sharing one store session and one
// fatal-error channel, and owns their collective shutdown and data cleanup.
// Individual services never close the shared session.
type Services struct {
	store Store
	fatal *FatalErrors
	clock clocks.Clock
	root  string

	mu         sync.Mutex
	closed     bool
	elections  []*ElectionService
	retrievers []*RetrievalService
}

// ServicesOpt configures a Services instance at construction-time.
type ServicesOpt func(*Services)

// WithRootPath overrides the store path prefix under which all leadership
// entries live.
func WithRootPath(root string) ServicesOpt {
	return func(s *Services) {
		s.root = root
	}
}

// WithClock overrides the clock used by the constructed services.
func WithClock(c clocks.Clock) ServicesOpt {
	return func(s *Services) {
		s.clock = c
	}
}

// NewServices constructs the facade over store, escalating irrecoverable
// failures through fatal.
func NewServices(store Store, fatal *FatalErrors, opts ...ServicesOpt) *Services {
	s := Services{
		store: store,
		fatal: fatal,
		clock: clocks.DefaultClock(),
		root:  defaultRootPath,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &s
}

// LeaderPath returns the store path holding the published leader entry for
// id. Distinct ids are fully independent.
func (s *Services) LeaderPath(id string) string {
	return path.Join(s.root, id, "leader")
}

// ElectionService returns a new election service for id's leadership
// domain. Each call constructs a fresh instance; stopping one does not
// affect others. Panics once the facade is closed, since the instance
// could never be stopped by Close.
func (s *Services) ElectionService(id string) *ElectionService {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic("election service requested from a closed facade")
	}
	es := NewElectionService(s.store, s.LeaderPath(id), s.fatal, s.clock)
	s.elections = append(s.elections, es)
	return es
}

// RetrievalService returns a new retrieval service for id's leadership
// domain. Panics once the facade is closed.
func (s *Services) RetrievalService(id string) *RetrievalService {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic("retrieval service requested from a closed facade")
	}
	rs := NewRetrievalService(s.store, s.LeaderPath(id), s.fatal, s.clock)
	s.retrievers = append(s.retrievers, rs)
	return rs
}

// Close stops every service handed out by this facade. Idempotent. The
// shared store session is left to the caller that created it.
func (s *Services) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	elections := s.elections
	retrievers := s.retrievers
	s.elections = nil
	s.retrievers = nil
	s.mu.Unlock()

	for _, es := range elections {
		es.Stop()
	}
	for _, rs := range retrievers {
		rs.Stop()
	}
}

// CloseAndCleanupAllData stops every service and removes all coordination
// entries under this facade's root path. Idempotent; calling it twice has no
// additional effect.
func (s *Services) CloseAndCleanupAllData(ctx context.Context) error {
	s.Close()
	return s.store.DeletePrefix(ctx, s.root)
}
