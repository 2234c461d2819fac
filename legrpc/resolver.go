// Package legrpc plugs leader retrieval into grpc's name resolution, so a
// client can dial the current leader symbolically and be re-pointed as
// leadership moves.
package legrpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"github.com/coordkit/haleader"
	"github.com/coordkit/haleader/address"
)

// Resolver implements google.golang.org/grpc/resolver.Resolver on top of a
// RetrievalService: every leader-address notification becomes a state
// update on the ClientConn, and vacant leadership empties the address set.
type Resolver struct {
	retriever *haleader.RetrievalService
	cc        resolver.ClientConn
	events    chan struct{}

	mu   sync.Mutex
	last *address.Address
}

// ResolveNow will be called by gRPC to try to resolve the target name
// again. It's just a hint; re-pushing the last known state is all a
// watch-driven resolver can do.
//
// It may be called multiple times concurrently.
func (r *Resolver) ResolveNow(_ resolver.ResolveNowOptions) {
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	r.pushState(last)
}

func (r *Resolver) handleAddress(addr *address.Address) {
	// poke the events channel in case someone's paying attention
	defer func() {
		select {
		case r.events <- struct{}{}:
		default:
		}
	}()
	r.mu.Lock()
	r.last = addr
	r.mu.Unlock()
	r.pushState(addr)
}

func (r *Resolver) pushState(addr *address.Address) {
	state := resolver.State{}
	if addr != nil {
		state.Addresses = []resolver.Address{{
			Addr: addr.HostPort(),
			// this field intentionally left blank (per advice in
			// the library's docstring)
			ServerName: "",
		}}
	}
	if upErr := r.cc.UpdateState(state); upErr != nil {
		// grpc rejects an empty state while it still wants an
		// address; the next leadership change pushes a fresh one
		return
	}
}

// Close closes the resolver, stopping the underlying retrieval watch.
func (r *Resolver) Close() {
	r.retriever.Stop()
}

// ResolverBuilder implements google.golang.org/grpc/resolver.Builder
type ResolverBuilder struct {
	newRetriever func() *haleader.RetrievalService
}

// NewResolverBuilder creates a ResolverBuilder. newRetriever must produce a
// fresh, unstarted RetrievalService per call; each built resolver owns the
// one it starts.
func NewResolverBuilder(newRetriever func() *haleader.RetrievalService) *ResolverBuilder {
	return &ResolverBuilder{
		newRetriever: newRetriever,
	}
}

// Build creates a new resolver for the given target.
//
// gRPC dial calls Build synchronously, and fails if the returned error is
// not nil. This implementation ignores the target and waits for the
// retrieval service's initial notification before returning, so the conn
// starts from the current leader rather than an empty state.
func (b *ResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions) (resolver.Resolver, error) {
	res := Resolver{
		retriever: b.newRetriever(),
		cc:        cc,
		events:    make(chan struct{}, 1),
	}
	startErr := res.retriever.Start(func(_ context.Context, addr *address.Address) {
		res.handleAddress(addr)
	})
	if startErr != nil {
		return nil, fmt.Errorf("failed to initialize retrieval watch: %w", startErr)
	}

	// await the first notification
	<-res.events

	return &res, nil
}

// Scheme returns the scheme supported by this resolver.
// Scheme is defined at https://github.com/grpc/grpc/blob/master/doc/naming.md.
func (b *ResolverBuilder) Scheme() string {
	return "haleader"
}
