// Package etcdstore implements the coordination Store over etcd. Entries
// are attached to a lease-backed session so they vanish when the session
// ends, create-if-absent runs as a single transaction, and change ticks come
// from etcd's native watch stream.
package etcdstore

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const defaultSessionTTL = 10 // seconds

// Store implements the coordination Store contract on an etcd cluster.
type Store struct {
	client  *clientv3.Client
	session *concurrency.Session
	lost    chan error
}

type storeOptions struct {
	sessionTTL int
}

// StoreOpt configures a Store at construction-time.
type StoreOpt func(*storeOptions)

// WithSessionTTL overrides the session lease TTL in seconds.
func WithSessionTTL(seconds int) StoreOpt {
	return func(cfg *storeOptions) {
		cfg.sessionTTL = seconds
	}
}

// New creates a Store with its own lease-backed session on client. The
// client is shared and left open by Close.
func New(ctx context.Context, client *clientv3.Client, opts ...StoreOpt) (*Store, error) {
	cfg := storeOptions{sessionTTL: defaultSessionTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	session, sessionErr := concurrency.NewSession(client,
		concurrency.WithTTL(cfg.sessionTTL), concurrency.WithContext(ctx))
	if sessionErr != nil {
		return nil, fmt.Errorf("failed to establish etcd session: %w", sessionErr)
	}
	s := Store{
		client:  client,
		session: session,
		lost:    make(chan error, 1),
	}
	go func() {
		// Done fires only when the keepalive loop gives up on the
		// lease, i.e. the session is irrecoverably gone; transient
		// disconnects are retried inside the client.
		<-session.Done()
		s.lost <- fmt.Errorf("etcd session lease %x lost", session.Lease())
		close(s.lost)
	}()
	return &s, nil
}

// existsError marks a lost create race (implements EntryExistsError).
type existsError struct {
	path string
}

func (e *existsError) Error() string {
	return fmt.Sprintf("entry %q already exists", e.path)
}

func (e *existsError) EntryExists() {}

// CreateEphemeral atomically creates path bound to the session lease.
func (s *Store) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	resp, txnErr := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithLease(s.session.Lease()))).
		Commit()
	if txnErr != nil {
		return fmt.Errorf("failed to create %q: %w", path, txnErr)
	}
	if !resp.Succeeded {
		return &existsError{path: path}
	}
	return nil
}

// Update replaces the payload of an entry owned by this session. The write
// is guarded on the entry still carrying our lease, so a superseded session
// cannot clobber a newer leader's entry.
func (s *Store) Update(ctx context.Context, path string, data []byte) error {
	resp, txnErr := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(path), "=", s.session.Lease())).
		Then(clientv3.OpPut(path, string(data), clientv3.WithLease(s.session.Lease()))).
		Commit()
	if txnErr != nil {
		return fmt.Errorf("failed to update %q: %w", path, txnErr)
	}
	if !resp.Succeeded {
		return fmt.Errorf("entry %q is not owned by this session", path)
	}
	return nil
}

// Read returns the current payload at path.
func (s *Store) Read(ctx context.Context, path string) ([]byte, bool, error) {
	resp, getErr := s.client.Get(ctx, path)
	if getErr != nil {
		return nil, false, fmt.Errorf("failed to read %q: %w", path, getErr)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Watch converts etcd's watch stream for path into coalesced change ticks.
func (s *Store) Watch(ctx context.Context, path string) (<-chan struct{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	wch := s.client.Watch(ctx, path)
	ticks := make(chan struct{}, 1)
	go func() {
		defer close(ticks)
		for resp := range wch {
			if resp.Canceled {
				return
			}
			// the client retries interrupted streams internally and
			// flags the gap; surface it as a tick so consumers
			// re-read current state
			if len(resp.Events) == 0 && !resp.IsProgressNotify() {
				continue
			}
			select {
			case ticks <- struct{}{}:
			default:
			}
		}
	}()
	return ticks, nil
}

// Delete removes the entry at path. Absent entries are not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if _, delErr := s.client.Delete(ctx, path); delErr != nil {
		return fmt.Errorf("failed to delete %q: %w", path, delErr)
	}
	return nil
}

// DeletePrefix removes every entry under prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if _, delErr := s.client.Delete(ctx, prefix, clientv3.WithPrefix()); delErr != nil {
		return fmt.Errorf("failed to delete prefix %q: %w", prefix, delErr)
	}
	return nil
}

// SessionLost returns the session-loss channel.
func (s *Store) SessionLost() <-chan error {
	return s.lost
}

// Close ends the session, retracting every entry it created. The underlying
// client stays open.
func (s *Store) Close() error {
	return s.session.Close()
}
