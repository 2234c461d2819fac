// Package gcsstore implements the coordination Store on Google Cloud
// Storage, using one object per entry. GCS has no sessions or watches of its
// own, so ephemerality is emulated: each entry carries a session deadline in
// its object metadata, a background heartbeat extends the deadlines of the
// entries this session owns, readers treat entries past their deadline as
// absent, and watches poll object generations.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	retry "github.com/vimeo/go-retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/coordkit/haleader/clocks"
)

const (
	metaSession  = "haleader-session"
	metaDeadline = "haleader-deadline"

	defaultSessionTTL   = 30 * time.Second
	defaultPollInterval = 2 * time.Second
)

// Store implements the coordination Store contract on a GCS bucket.
type Store struct {
	bucket  *storage.BucketHandle
	prefix  string
	session string
	ttl     time.Duration
	poll    time.Duration
	clock   clocks.Clock

	mu    sync.Mutex
	owned map[string]int64 // path -> generation

	lost     chan error
	lostOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type storeOptions struct {
	prefix string
	ttl    time.Duration
	poll   time.Duration
	clock  clocks.Clock
}

// StoreOpt configures a Store at construction-time.
type StoreOpt func(*storeOptions)

// WithObjectPrefix prepends prefix to every object name this Store touches.
func WithObjectPrefix(prefix string) StoreOpt {
	return func(cfg *storeOptions) {
		cfg.prefix = prefix
	}
}

// WithSessionTTL overrides how long an entry outlives its last heartbeat.
func WithSessionTTL(ttl time.Duration) StoreOpt {
	return func(cfg *storeOptions) {
		cfg.ttl = ttl
	}
}

// WithPollInterval overrides the watch polling cadence.
func WithPollInterval(interval time.Duration) StoreOpt {
	return func(cfg *storeOptions) {
		cfg.poll = interval
	}
}

// WithClock overrides the clock used for deadlines and sleeps.
func WithClock(c clocks.Clock) StoreOpt {
	return func(cfg *storeOptions) {
		cfg.clock = c
	}
}

// New creates a Store with a fresh session on bucket. The client is shared
// and left open by Close.
func New(client *storage.Client, bucket string, opts ...StoreOpt) *Store {
	cfg := storeOptions{
		ttl:   defaultSessionTTL,
		poll:  defaultPollInterval,
		clock: clocks.DefaultClock(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := Store{
		bucket:  client.Bucket(bucket),
		prefix:  cfg.prefix,
		session: uuid.NewString(),
		ttl:     cfg.ttl,
		poll:    cfg.poll,
		clock:   cfg.clock,
		owned:   map[string]int64{},
		lost:    make(chan error, 1),
		cancel:  cancel,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat(ctx)
	}()
	return &s
}

func (s *Store) objectName(path string) string {
	return s.prefix + strings.TrimPrefix(path, "/")
}

func (s *Store) metadata() map[string]string {
	return map[string]string{
		metaSession:  s.session,
		metaDeadline: s.clock.Now().Add(s.ttl).Format(time.RFC3339Nano),
	}
}

// entryExpired reports whether the entry's session deadline has passed. An
// entry without a parseable deadline is treated as expired rather than
// letting it hold the path forever.
func (s *Store) entryExpired(attrs *storage.ObjectAttrs) bool {
	raw, ok := attrs.Metadata[metaDeadline]
	if !ok {
		return true
	}
	deadline, parseErr := time.Parse(time.RFC3339Nano, raw)
	if parseErr != nil {
		return true
	}
	return !s.clock.Now().Before(deadline)
}

// existsError marks a lost create race (implements EntryExistsError).
type existsError struct {
	path string
	err  error
}

func (e *existsError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("entry %q already exists", e.path)
	}
	return fmt.Sprintf("entry %q already exists: %s", e.path, e.err)
}

func (e *existsError) Unwrap() error { return e.err }

func (e *existsError) EntryExists() {}

func isPreconditionFailed(err error) bool {
	apiErr := (*googleapi.Error)(nil)
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func isNotFound(err error) bool {
	if err == storage.ErrObjectNotExist {
		return true
	}
	apiErr := (*googleapi.Error)(nil)
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// CreateEphemeral creates path bound to this session, first clearing the
// husk of an expired previous owner when one is in the way.
func (s *Store) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	name := s.objectName(path)
	attrs, attrsErr := s.bucket.Object(name).Attrs(ctx)
	switch {
	case attrsErr == nil:
		if !s.entryExpired(attrs) {
			return &existsError{path: path}
		}
		delErr := s.bucket.Object(name).
			If(storage.Conditions{GenerationMatch: attrs.Generation}).
			Delete(ctx)
		if delErr != nil && delErr != storage.ErrObjectNotExist {
			if isPreconditionFailed(delErr) {
				// someone recreated it under us
				return &existsError{path: path, err: delErr}
			}
			return fmt.Errorf("failed to clear expired entry %q: %w", path, delErr)
		}
	case attrsErr == storage.ErrObjectNotExist:
	default:
		return fmt.Errorf("failed to stat %q: %w", path, attrsErr)
	}

	obj := s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.Metadata = s.metadata()
	if _, wrErr := w.Write(data); wrErr != nil {
		w.Close()
		return fmt.Errorf("failed to write %q: %w", path, wrErr)
	}
	if closeErr := w.Close(); closeErr != nil {
		if isPreconditionFailed(closeErr) {
			return &existsError{path: path, err: closeErr}
		}
		return fmt.Errorf("failed to write %q: %w", path, closeErr)
	}

	s.mu.Lock()
	s.owned[path] = w.Attrs().Generation
	s.mu.Unlock()
	return nil
}

// Update rewrites the payload of an entry this session created, guarded on
// the generation recorded when we claimed it.
func (s *Store) Update(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	gen, owned := s.owned[path]
	s.mu.Unlock()
	if !owned {
		return fmt.Errorf("entry %q is not owned by this session", path)
	}

	obj := s.bucket.Object(s.objectName(path)).If(storage.Conditions{GenerationMatch: gen})
	w := obj.NewWriter(ctx)
	w.Metadata = s.metadata()
	if _, wrErr := w.Write(data); wrErr != nil {
		w.Close()
		return fmt.Errorf("failed to update %q: %w", path, wrErr)
	}
	if closeErr := w.Close(); closeErr != nil {
		if isPreconditionFailed(closeErr) {
			s.dropOwned(path)
			return fmt.Errorf("entry %q was retracted under this session: %w", path, closeErr)
		}
		return fmt.Errorf("failed to update %q: %w", path, closeErr)
	}

	s.mu.Lock()
	s.owned[path] = w.Attrs().Generation
	s.mu.Unlock()
	return nil
}

// Read returns the current payload at path. Entries past their session
// deadline read as absent and are garbage-collected best-effort.
func (s *Store) Read(ctx context.Context, path string) ([]byte, bool, error) {
	name := s.objectName(path)
	attrs, attrsErr := s.bucket.Object(name).Attrs(ctx)
	switch {
	case attrsErr == storage.ErrObjectNotExist:
		return nil, false, nil
	case attrsErr != nil:
		return nil, false, fmt.Errorf("failed to stat %q: %w", path, attrsErr)
	}
	if s.entryExpired(attrs) {
		_ = s.bucket.Object(name).
			If(storage.Conditions{GenerationMatch: attrs.Generation}).
			Delete(ctx)
		return nil, false, nil
	}
	r, readerErr := s.bucket.Object(name).Generation(attrs.Generation).NewReader(ctx)
	if readerErr == storage.ErrObjectNotExist {
		return nil, false, nil
	}
	if readerErr != nil {
		return nil, false, fmt.Errorf("failed to open %q: %w", path, readerErr)
	}
	defer r.Close()
	data, readErr := io.ReadAll(r)
	if readErr != nil {
		return nil, false, fmt.Errorf("failed to read %q: %w", path, readErr)
	}
	return data, true, nil
}

type pollState struct {
	exists     bool
	generation int64
}

func (s *Store) pollOnce(ctx context.Context, path string) (pollState, error) {
	attrs, attrsErr := s.bucket.Object(s.objectName(path)).Attrs(ctx)
	switch {
	case attrsErr == storage.ErrObjectNotExist:
		return pollState{}, nil
	case attrsErr != nil:
		return pollState{}, attrsErr
	}
	if s.entryExpired(attrs) {
		return pollState{}, nil
	}
	return pollState{exists: true, generation: attrs.Generation}, nil
}

// Watch polls the entry's generation, ticking on every observed change and
// once after recovering from a broken polling run (the redelivery the
// contract requires of a re-established watch).
func (s *Store) Watch(ctx context.Context, path string) (<-chan struct{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	ticks := make(chan struct{}, 1)
	go func() {
		defer close(ticks)
		b := retry.DefaultBackoff()
		var last pollState
		known := false
		degraded := false
		for {
			st, pollErr := s.pollOnce(ctx, path)
			if pollErr != nil {
				degraded = true
				if !s.clock.SleepFor(ctx, b.Next()) {
					return
				}
				continue
			}
			b.Reset()
			changed := known &&
				(st.exists != last.exists || (st.exists && st.generation != last.generation))
			if changed || (known && degraded) {
				select {
				case ticks <- struct{}{}:
				default:
				}
			}
			known = true
			degraded = false
			last = st
			if !s.clock.SleepFor(ctx, s.poll) {
				return
			}
		}
	}()
	return ticks, nil
}

// Delete removes the entry at path. Absent entries are not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	delErr := s.bucket.Object(s.objectName(path)).Delete(ctx)
	if delErr != nil && delErr != storage.ErrObjectNotExist {
		return fmt.Errorf("failed to delete %q: %w", path, delErr)
	}
	s.dropOwned(path)
	return nil
}

// DeletePrefix removes every entry under prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.objectName(prefix)})
	for {
		attrs, itErr := it.Next()
		if itErr == iterator.Done {
			return nil
		}
		if itErr != nil {
			return fmt.Errorf("failed to list prefix %q: %w", prefix, itErr)
		}
		delErr := s.bucket.Object(attrs.Name).Delete(ctx)
		if delErr != nil && delErr != storage.ErrObjectNotExist {
			return fmt.Errorf("failed to delete object %q: %w", attrs.Name, delErr)
		}
		s.dropOwned("/" + strings.TrimPrefix(attrs.Name, s.prefix))
	}
}

// SessionLost returns the session-loss channel.
func (s *Store) SessionLost() <-chan error {
	return s.lost
}

func (s *Store) dropOwned(path string) {
	s.mu.Lock()
	delete(s.owned, path)
	s.mu.Unlock()
}

func (s *Store) fail(err error) {
	s.lostOnce.Do(func() {
		s.lost <- err
		close(s.lost)
	})
}

// heartbeat extends the session deadline of every owned entry at a third of
// the TTL. An entry whose precondition fails was retracted under us and is
// dropped; if a full TTL passes without a successful round the session is
// declared lost.
func (s *Store) heartbeat(ctx context.Context) {
	lastOK := s.clock.Now()
	for {
		if !s.clock.SleepFor(ctx, s.ttl/3) {
			return
		}
		s.mu.Lock()
		owned := make(map[string]int64, len(s.owned))
		for path, gen := range s.owned {
			owned[path] = gen
		}
		s.mu.Unlock()

		healthy := true
		for path, gen := range owned {
			obj := s.bucket.Object(s.objectName(path)).If(storage.Conditions{GenerationMatch: gen})
			_, upErr := obj.Update(ctx, storage.ObjectAttrsToUpdate{Metadata: s.metadata()})
			switch {
			case upErr == nil:
			case isPreconditionFailed(upErr), isNotFound(upErr):
				s.dropOwned(path)
			case ctx.Err() != nil:
				return
			default:
				healthy = false
			}
		}
		if healthy {
			lastOK = s.clock.Now()
			continue
		}
		if s.clock.Now().Sub(lastOK) > s.ttl {
			s.fail(fmt.Errorf("failed to refresh session %s within %s", s.session, s.ttl))
			return
		}
	}
}

// Close ends the session: the heartbeat stops and every owned entry is
// retracted. The underlying client stays open.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.mu.Lock()
	owned := make([]string, 0, len(s.owned))
	for path := range s.owned {
		owned = append(owned, path)
	}
	s.mu.Unlock()
	for _, path := range owned {
		if delErr := s.Delete(ctx, path); delErr != nil {
			return delErr
		}
	}
	return nil
}
