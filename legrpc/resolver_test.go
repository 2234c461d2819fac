package legrpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"

	"github.com/coordkit/haleader"
	"github.com/coordkit/haleader/address"
	"github.com/coordkit/haleader/memstore"
)

const testLeaderPath = "/haleader/default/leader"

// testClientConn captures resolver state updates.
type testClientConn struct {
	mu     sync.Mutex
	states []resolver.State
	errs   []error
}

func (t *testClientConn) UpdateState(s resolver.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = append(t.states, s)
	return nil
}

func (t *testClientConn) ReportError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
}

func (t *testClientConn) NewAddress(addresses []resolver.Address) {}

func (t *testClientConn) NewServiceConfig(serviceConfig string) {}

func (t *testClientConn) ParseServiceConfig(serviceConfigJSON string) *serviceconfig.ParseResult {
	return nil
}

func (t *testClientConn) stateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

func (t *testClientConn) lastState() (resolver.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.states) == 0 {
		return resolver.State{}, false
	}
	return t.states[len(t.states)-1], true
}

func awaitState(t testing.TB, cc *testClientConn, want func(resolver.State) bool) resolver.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if state, ok := cc.lastState(); ok && want(state) {
			return state
		}
		if time.Now().After(deadline) {
			state, _ := cc.lastState()
			t.Fatalf("timed out waiting for resolver state; last: %+v", state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolverFollowsLeadership(t *testing.T) {
	t.Parallel()
	cluster := memstore.NewCluster()
	fatal := haleader.NewFatalErrors()

	es := haleader.NewElectionService(cluster.Session(), testLeaderPath, fatal, nil)
	defer es.Stop()
	granted := make(chan address.SessionID, 1)
	if startErr := es.Start(haleader.Contender{
		OnGranted: func(_ context.Context, session address.SessionID) {
			granted <- session
		},
	}); startErr != nil {
		t.Fatalf("failed to start election service: %s", startErr)
	}
	var session address.SessionID
	select {
	case session = <-granted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a grant")
	}
	announced := address.Address{Host: "127.0.0.1", Port: 6123, Path: "/jobmanager", Session: session}
	es.ConfirmLeadership(session, &announced)

	builder := NewResolverBuilder(func() *haleader.RetrievalService {
		return haleader.NewRetrievalService(cluster.Session(), testLeaderPath, fatal, nil)
	})
	if scheme := builder.Scheme(); scheme != "haleader" {
		t.Errorf("unexpected scheme: %q", scheme)
	}

	cc := testClientConn{}
	res, buildErr := builder.Build(resolver.Target{}, &cc, resolver.BuildOptions{})
	if buildErr != nil {
		t.Fatalf("failed to build resolver: %s", buildErr)
	}
	defer res.Close()

	awaitState(t, &cc, func(s resolver.State) bool {
		return len(s.Addresses) == 1 && s.Addresses[0].Addr == announced.HostPort()
	})

	// ResolveNow re-pushes the last known state
	before := cc.stateCount()
	res.ResolveNow(resolver.ResolveNowOptions{})
	awaitState(t, &cc, func(resolver.State) bool {
		return cc.stateCount() > before
	})

	// leadership becomes vacant: the address set empties
	es.Stop()
	awaitState(t, &cc, func(s resolver.State) bool {
		return len(s.Addresses) == 0
	})
}
