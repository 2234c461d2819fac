package haleader

import (
	"context"
	"fmt"
	"sync"
	"time"

	retry "github.com/vimeo/go-retry"

	"github.com/coordkit/haleader/address"
	"github.com/coordkit/haleader/clocks"
)

// RetrievalService watches the published leader entry for one path and
// pushes every address change to a registered listener. Notifications are
// delivered in the order the store applied the corresponding writes;
// rapidly superseded intermediate states may be coalesced, and after a watch
// is re-established the current state is redelivered exactly once even when
// unchanged, so a listener waiting for "any update" cannot stall behind a
// missed notification.
type RetrievalService struct {
	store Store
	path  string
	fatal *FatalErrors
	clock clocks.Clock

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRetrievalService constructs a RetrievalService for path. A nil clock
// falls back to the wall clock.
func NewRetrievalService(store Store, path string, fatal *FatalErrors, clock clocks.Clock) *RetrievalService {
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	return &RetrievalService{
		store: store,
		path:  path,
		fatal: fatal,
		clock: clock,
	}
}

// Start registers the listener and begins watching. The first notification
// carries the currently known leader address (nil when leadership is
// vacant). Returns ErrAlreadyStarted if called twice without an intervening
// Stop.
func (r *RetrievalService) Start(l Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	// Notifications flow through a single-consumer channel with a
	// dedicated delivery goroutine, so a listener callback can never
	// block the watch path.
	notifyCh := make(chan *address.Address, 16)
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		for addr := range notifyCh {
			l(ctx, addr)
		}
	}()
	go func() {
		defer r.wg.Done()
		defer close(notifyCh)
		r.watch(ctx, notifyCh)
	}()
	return nil
}

// Stop deregisters the listener. Idempotent; a notification already in
// flight may still be delivered.
func (r *RetrievalService) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
	r.wg.Wait()
}

func (r *RetrievalService) watch(ctx context.Context, notifyCh chan<- *address.Address) {
	b := retry.DefaultBackoff()
	// when the watch breaks we're likely waiting out a store hiccup, not
	// a few-ms blip
	b.MinBackoff = time.Second
	lost := r.store.SessionLost()
	for {
		wctx, wcancel := context.WithCancel(ctx)
		ticks, watchErr := r.store.Watch(wctx, r.path)
		if watchErr != nil {
			wcancel()
			if ctx.Err() != nil {
				return
			}
			if !r.clock.SleepFor(ctx, b.Next()) {
				return
			}
			continue
		}
		b.Reset()
		// deliver the current state: the initial notification on the
		// first pass, the mandatory redelivery on every later one
		if !r.notifyCurrent(ctx, notifyCh) {
			wcancel()
			return
		}
	consume:
		for {
			select {
			case <-ctx.Done():
				wcancel()
				return
			case lostErr := <-lost:
				if lostErr == nil {
					lostErr = fmt.Errorf("coordination session lost while watching %q", r.path)
				}
				r.fatal.Report(lostErr)
				// the session's entries are gone with it
				r.deliver(ctx, notifyCh, nil)
				wcancel()
				return
			case _, ok := <-ticks:
				if !ok {
					break consume
				}
				if !r.notifyCurrent(ctx, notifyCh) {
					wcancel()
					return
				}
			}
		}
		wcancel()
		if ctx.Err() != nil {
			return
		}
		if !r.clock.SleepFor(ctx, b.Next()) {
			return
		}
	}
}

// notifyCurrent reads the entry's current state and delivers it. Returns
// false when the service is shutting down.
func (r *RetrievalService) notifyCurrent(ctx context.Context, notifyCh chan<- *address.Address) bool {
	b := retry.DefaultBackoff()
	data, exists, readErr := r.store.Read(ctx, r.path)
	for readErr != nil {
		if ctx.Err() != nil {
			return false
		}
		if !r.clock.SleepFor(ctx, b.Next()) {
			return false
		}
		data, exists, readErr = r.store.Read(ctx, r.path)
	}
	var addr *address.Address
	if exists && len(data) > 0 {
		decoded, decErr := address.Decode(data)
		if decErr != nil {
			// an unconfirmed or garbled entry announces nothing
			decoded = nil
		}
		addr = decoded
	}
	return r.deliver(ctx, notifyCh, addr)
}

func (r *RetrievalService) deliver(ctx context.Context, notifyCh chan<- *address.Address, addr *address.Address) bool {
	select {
	case notifyCh <- addr:
		return true
	case <-ctx.Done():
		return false
	}
}
