package haleader

import (
	"context"
	"testing"
	"time"

	"github.com/coordkit/haleader/address"
	"github.com/coordkit/haleader/memstore"
)

func awaitNotification(t testing.TB, notifications <-chan *address.Address) *address.Address {
	t.Helper()
	select {
	case addr := <-notifications:
		return addr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a notification")
		return nil
	}
}

func TestRetrievalInitialNotificationNoLeader(t *testing.T) {
	t.Parallel()
	cluster := memstore.NewCluster()
	rs := NewRetrievalService(cluster.Session(), testLeaderPath, NewFatalErrors(), nil)

	notifications := make(chan *address.Address, 16)
	if startErr := rs.Start(func(_ context.Context, addr *address.Address) {
		notifications <- addr
	}); startErr != nil {
		t.Fatalf("failed to start retrieval service: %s", startErr)
	}
	if secondErr := rs.Start(func(context.Context, *address.Address) {}); secondErr != ErrAlreadyStarted {
		t.Errorf("second Start returned %v; expected ErrAlreadyStarted", secondErr)
	}

	if first := awaitNotification(t, notifications); first != nil {
		t.Errorf("expected a vacant-leadership first notification; got %+v", first)
	}

	rs.Stop()
	rs.Stop() // idempotent
}

func TestRetrievalObservesElectionRoundTrip(t *testing.T) {
	t.Parallel()
	cluster := memstore.NewCluster()
	fatal := NewFatalErrors()

	es := NewElectionService(cluster.Session(), testLeaderPath, fatal, nil)
	granted := make(chan address.SessionID, 1)
	if startErr := es.Start(Contender{
		OnGranted: func(_ context.Context, session address.SessionID) {
			granted <- session
		},
	}); startErr != nil {
		t.Fatalf("failed to start election service: %s", startErr)
	}
	session := awaitSession(t, granted)
	announced := address.Address{Host: "192.168.7.9", Port: 6123, Path: "/jobmanager", Session: session}
	es.ConfirmLeadership(session, &announced)

	rs := NewRetrievalService(cluster.Session(), testLeaderPath, fatal, nil)
	defer rs.Stop()
	notifications := make(chan *address.Address, 16)
	if startErr := rs.Start(func(_ context.Context, addr *address.Address) {
		notifications <- addr
	}); startErr != nil {
		t.Fatalf("failed to start retrieval service: %s", startErr)
	}

	// the publish may still be in flight when the watch starts; the
	// address must arrive either as the initial notification or shortly
	// after it
	var observed *address.Address
	for observed == nil {
		observed = awaitNotification(t, notifications)
	}
	if *observed != announced {
		t.Errorf("observed %+v; announced %+v", *observed, announced)
	}

	// leader goes away: listeners hear a cleared address
	es.Stop()
	for {
		if addr := awaitNotification(t, notifications); addr == nil {
			break
		}
	}
}

// Once a listener has observed a successor leader's address, the superseded
// leader's session must never be delivered again.
func TestRetrievalNoSessionRegression(t *testing.T) {
	t.Parallel()
	cluster := memstore.NewCluster()
	fatal := NewFatalErrors()

	first := NewElectionService(cluster.Session(), testLeaderPath, fatal, nil)
	firstGranted := make(chan address.SessionID, 1)
	if startErr := first.Start(Contender{
		OnGranted: func(_ context.Context, session address.SessionID) {
			firstGranted <- session
		},
	}); startErr != nil {
		t.Fatalf("failed to start first service: %s", startErr)
	}
	firstSession := awaitSession(t, firstGranted)
	first.ConfirmLeadership(firstSession, &address.Address{
		Host: "10.0.0.1", Port: 6123, Path: "/jobmanager", Session: firstSession,
	})

	rs := NewRetrievalService(cluster.Session(), testLeaderPath, fatal, nil)
	defer rs.Stop()
	notifications := make(chan *address.Address, 64)
	if startErr := rs.Start(func(_ context.Context, addr *address.Address) {
		notifications <- addr
	}); startErr != nil {
		t.Fatalf("failed to start retrieval service: %s", startErr)
	}
	for {
		if addr := awaitNotification(t, notifications); addr != nil && addr.Session == firstSession {
			break
		}
	}

	first.Stop()

	second := NewElectionService(cluster.Session(), testLeaderPath, fatal, nil)
	defer second.Stop()
	secondGranted := make(chan address.SessionID, 1)
	if startErr := second.Start(Contender{
		OnGranted: func(_ context.Context, session address.SessionID) {
			secondGranted <- session
		},
	}); startErr != nil {
		t.Fatalf("failed to start second service: %s", startErr)
	}
	secondSession := awaitSession(t, secondGranted)
	second.ConfirmLeadership(secondSession, &address.Address{
		Host: "10.0.0.2", Port: 6123, Path: "/jobmanager", Session: secondSession,
	})

	// between the two leaders the listener may see vacancies, but the first
	// session may not reappear once the second has been observed
	for {
		addr := awaitNotification(t, notifications)
		if addr == nil {
			continue
		}
		if addr.Session == secondSession {
			break
		}
		if addr.Session != firstSession {
			t.Fatalf("unexpected session %q in notification stream", addr.Session)
		}
	}
	settle := time.After(300 * time.Millisecond)
	for {
		select {
		case addr := <-notifications:
			if addr != nil && addr.Session == firstSession {
				t.Fatalf("superseded session %q delivered after %q", firstSession, secondSession)
			}
		case <-settle:
			return
		}
	}
}

// A watch that drops without the service stopping must be re-established,
// and the re-established watch redelivers the current state even though
// nothing changed.
func TestRetrievalRedeliveryAfterWatchBreak(t *testing.T) {
	t.Parallel()
	cluster := memstore.NewCluster()
	store := cluster.Session()
	fatal := NewFatalErrors()

	ctx := context.Background()
	if createErr := store.CreateEphemeral(ctx, testLeaderPath, nil); createErr != nil {
		t.Fatalf("failed to create entry: %s", createErr)
	}
	announced := address.Address{Host: "127.0.0.1", Port: 6123, Path: "/jobmanager", Session: address.NewSessionID()}
	data, encErr := announced.Encode()
	if encErr != nil {
		t.Fatalf("failed to encode address: %s", encErr)
	}
	if upErr := store.Update(ctx, testLeaderPath, data); upErr != nil {
		t.Fatalf("failed to publish address: %s", upErr)
	}

	rs := NewRetrievalService(store, testLeaderPath, fatal, nil)
	defer rs.Stop()
	notifications := make(chan *address.Address, 16)
	if startErr := rs.Start(func(_ context.Context, addr *address.Address) {
		notifications <- addr
	}); startErr != nil {
		t.Fatalf("failed to start retrieval service: %s", startErr)
	}
	if first := awaitNotification(t, notifications); first == nil || *first != announced {
		t.Fatalf("first notification %+v; expected %+v", first, announced)
	}

	cluster.BreakWatches()

	// re-establishment backs off for a second before the redelivery
	if redelivered := awaitNotification(t, notifications); redelivered == nil || *redelivered != announced {
		t.Fatalf("redelivered notification %+v; expected %+v", redelivered, announced)
	}
	select {
	case fatalErr := <-fatal.C():
		t.Errorf("watch break escalated as fatal: %s", fatalErr)
	default:
	}
}

func TestRetrievalSessionLossClearsAndEscalates(t *testing.T) {
	t.Parallel()
	cluster := memstore.NewCluster()
	fatal := NewFatalErrors()
	store := cluster.Session()

	ctx := context.Background()
	if createErr := store.CreateEphemeral(ctx, testLeaderPath, nil); createErr != nil {
		t.Fatalf("failed to create entry: %s", createErr)
	}
	announced := address.Address{Host: "127.0.0.1", Port: 6123, Path: "/jobmanager", Session: address.NewSessionID()}
	data, encErr := announced.Encode()
	if encErr != nil {
		t.Fatalf("failed to encode address: %s", encErr)
	}
	if upErr := store.Update(ctx, testLeaderPath, data); upErr != nil {
		t.Fatalf("failed to publish address: %s", upErr)
	}

	rs := NewRetrievalService(store, testLeaderPath, fatal, nil)
	defer rs.Stop()
	notifications := make(chan *address.Address, 16)
	if startErr := rs.Start(func(_ context.Context, addr *address.Address) {
		notifications <- addr
	}); startErr != nil {
		t.Fatalf("failed to start retrieval service: %s", startErr)
	}
	if first := awaitNotification(t, notifications); first == nil || *first != announced {
		t.Fatalf("first notification %+v; expected %+v", first, announced)
	}

	store.ExpireSession()

	for {
		if addr := awaitNotification(t, notifications); addr == nil {
			break
		}
	}
	select {
	case fatalErr := <-fatal.C():
		if fatalErr == nil {
			t.Error("nil fatal error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session loss was not escalated")
	}
}
