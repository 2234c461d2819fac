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

// ElectionService arbitrates leadership of a single path among contenders
// spread across processes. Exactly one contender per path holds an unrevoked
// grant at a time, as decided by the store's atomic create-if-absent on a
// session-scoped entry; everyone else watches the winner's entry and
// re-claims only after it is retracted.
type ElectionService struct {
	store Store
	path  string
	fatal *FatalErrors
	clock clocks.Clock

	mu        sync.Mutex
	started   bool
	session   address.SessionID
	confirmCh chan confirmation
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type confirmation struct {
	session address.SessionID
	addr    *address.Address
}

// NewElectionService constructs an ElectionService for path. A nil clock
// falls back to the wall clock.
func NewElectionService(store Store, path string, fatal *FatalErrors, clock clocks.Clock) *ElectionService {
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	return &ElectionService{
		store: store,
		path:  path,
		fatal: fatal,
		clock: clock,
	}
}

// Start registers the contender and begins claiming leadership.
// Returns ErrAlreadyStarted if called twice without an intervening Stop.
func (e *ElectionService) Start(c Contender) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.confirmCh = make(chan confirmation, 4)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, c)
	}()
	return nil
}

// Stop unregisters the contender, releasing leadership if held. Idempotent.
// Grants already in flight are not retroactively invalidated, but no new
// ones are issued after Stop returns.
func (e *ElectionService) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()
	cancel()
	e.wg.Wait()
}

// ConfirmLeadership publishes addr as the leader address for the term
// identified by session. Only a confirmation carrying the current term's
// SessionID is honored; confirmations for a superseded term are discarded,
// guarding against a contender that was slow to confirm after it had
// already been revoked.
func (e *ElectionService) ConfirmLeadership(session address.SessionID, addr *address.Address) {
	e.mu.Lock()
	ch := e.confirmCh
	current := e.started && e.session == session
	e.mu.Unlock()
	if !current {
		return
	}
	select {
	case ch <- confirmation{session: session, addr: addr}:
	default:
		// the run loop is mid-transition and the buffered confirmation
		// ahead of us will be checked against the same session
	}
}

func (e *ElectionService) setSession(s address.SessionID) {
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
}

// Session returns the SessionID of the current grant, or NoSession.
func (e *ElectionService) Session() address.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *ElectionService) run(ctx context.Context, c Contender) {
	b := retry.DefaultBackoff()
	cbwg := sync.WaitGroup{}
	defer cbwg.Wait()
	for {
		createErr := e.store.CreateEphemeral(ctx, e.path, nil)
		switch {
		case createErr == nil:
			b.Reset()
			granted := address.NewSessionID()
			e.setSession(granted)
			if c.OnGranted != nil {
				cbwg.Add(1)
				go func() {
					defer cbwg.Done()
					c.OnGranted(ctx, granted)
				}()
			}
			outcome := e.lead(ctx, granted)
			e.setSession(address.NoSession)
			if c.OnRevoked != nil {
				cbwg.Add(1)
				go func() {
					defer cbwg.Done()
					c.OnRevoked(ctx)
				}()
			}
			switch outcome {
			case leadStopped:
				e.release()
				return
			case leadSessionLostConfirmed:
				// Revocation may not reach the contender before a
				// new leader is active elsewhere. Escalate so the
				// owner can tear down a would-be zombie leader.
				e.fatal.Report(fmt.Errorf("coordination session lost while leading %q", e.path))
				return
			case leadSessionLostPending:
				// the grant never carried a published address, so
				// nobody downstream could have trusted it
				return
			}
			// entry retracted by the store; loop and re-claim
		case IsEntryExists(createErr):
			b.Reset()
			if !e.awaitRetraction(ctx) {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			// transient store trouble; back off before the next claim
			if !e.clock.SleepFor(ctx, b.Next()) {
				return
			}
		}
	}
}

type leadOutcome int

const (
	leadRetracted leadOutcome = iota
	leadStopped
	leadSessionLostPending
	leadSessionLostConfirmed
)

// lead holds the claim from grant until it ends, moving from
// pending-confirmation to leading when the contender confirms. The return
// value says why leadership ended.
func (e *ElectionService) lead(ctx context.Context, granted address.SessionID) leadOutcome {
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	ticks, watchErr := e.store.Watch(wctx, e.path)
	if watchErr != nil {
		// without a watch we cannot tell when the claim is retracted;
		// give it up rather than risk leading blind
		return leadRetracted
	}
	lost := e.store.SessionLost()
	confirmed := false
	for {
		select {
		case <-ctx.Done():
			return leadStopped
		case <-lost:
			if confirmed {
				return leadSessionLostConfirmed
			}
			return leadSessionLostPending
		case conf := <-e.confirmCh:
			if conf.session != granted {
				// stale confirmation from a superseded term
				continue
			}
			data, encErr := conf.addr.Encode()
			if encErr != nil {
				e.fatal.Report(encErr)
				continue
			}
			if upErr := e.store.Update(ctx, e.path, data); upErr != nil {
				if ctx.Err() != nil {
					return leadStopped
				}
				// the entry is no longer ours
				return leadRetracted
			}
			confirmed = true
		case _, ok := <-ticks:
			if !ok {
				if ctx.Err() != nil {
					return leadStopped
				}
				return leadRetracted
			}
			if _, exists, readErr := e.store.Read(ctx, e.path); readErr == nil && !exists {
				return leadRetracted
			}
		}
	}
}

// awaitRetraction watches the winning entry until it disappears. Returns
// false when the service should exit instead of re-claiming.
func (e *ElectionService) awaitRetraction(ctx context.Context) bool {
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	ticks, watchErr := e.store.Watch(wctx, e.path)
	if watchErr != nil {
		return ctx.Err() == nil
	}
	// the entry may have been retracted between the lost claim and the
	// watch registration; check once before settling in
	if _, exists, readErr := e.store.Read(ctx, e.path); readErr == nil && !exists {
		return true
	}
	lost := e.store.SessionLost()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-lost:
			return false
		case _, ok := <-ticks:
			if !ok {
				return ctx.Err() == nil
			}
			if _, exists, readErr := e.store.Read(ctx, e.path); readErr == nil && !exists {
				return true
			}
		}
	}
}

// release retracts the claim entry on a voluntary stop. The run context is
// already cancelled, so this uses its own short deadline.
func (e *ElectionService) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// best effort: if this fails the session's eventual end retracts it
	_ = e.store.Delete(ctx, e.path)
}
