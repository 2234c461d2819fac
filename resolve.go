package haleader

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/coordkit/haleader/address"
)

// connectAttemptTimeout bounds a single TCP probe so one dead candidate
// cannot eat the whole discovery budget.
const connectAttemptTimeout = 400 * time.Millisecond

// TimeoutError is returned by FindConnectingAddress when a leader address
// was announced but none proved reachable before the deadline. The
// distinct no-leader-ever-announced case returns the local host address
// instead of an error.
type TimeoutError struct {
	After time.Duration
	// Last is the most recent announcement probed, for diagnostics.
	Last *address.Address
}

func (t *TimeoutError) Error() string {
	if t.Last == nil {
		return fmt.Sprintf("no reachable leader address found within %s", t.After)
	}
	return fmt.Sprintf("no reachable leader address found within %s (last announced: %s)", t.After, t.Last)
}

// Timeout marks this as a deadline-style failure.
func (t *TimeoutError) Timeout() bool { return true }

// FindConnectingAddress determines a local network address from which the
// caller can actually open a connection to the currently announced leader.
// It starts retriever with a temporary listener, probes every announcement
// by attempting bounded TCP connects from the local interfaces, and returns
// the local address of the first successful connection. An unreachable
// announcement is not a failure: the announcement may be stale and a
// corrected one may follow, so the wait continues until the next
// notification or the deadline.
//
// If the timeout elapses and no leader address was ever announced, the
// local host's address is returned with a nil error (nothing was configured
// to be found). If an address was announced but none was reachable in time,
// a *TimeoutError is returned. retriever must not have been started; it is
// stopped before returning on every path.
func FindConnectingAddress(ctx context.Context, retriever *RetrievalService, timeout time.Duration) (net.IP, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Only the latest announcement matters; superseded ones are dropped
	// rather than queued so a burst of churn cannot delay the probe of
	// the final state.
	updates := make(chan *address.Address, 1)
	startErr := retriever.Start(func(_ context.Context, addr *address.Address) {
		if addr == nil {
			return
		}
		for {
			select {
			case updates <- addr:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	if startErr != nil {
		return nil, startErr
	}
	defer retriever.Stop()

	var last *address.Address
	for {
		select {
		case addr := <-updates:
			last = addr
			if local := probeAddress(dctx, addr); local != nil {
				return local, nil
			}
		case <-dctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if last == nil {
				return localHostAddress()
			}
			return nil, &TimeoutError{After: timeout, Last: last}
		}
	}
}

// probeAddress tries to open a TCP connection to addr, first over the
// default route and then pinned to each local unicast interface address in
// turn. It returns the local IP the successful connection was bound to, or
// nil when nothing connected.
func probeAddress(ctx context.Context, addr *address.Address) net.IP {
	ips, lookupErr := net.DefaultResolver.LookupIPAddr(ctx, addr.Host)
	if lookupErr != nil {
		return nil
	}
	locals, localsErr := localUnicastIPs()
	if localsErr != nil {
		locals = nil
	}
	for _, candidate := range ips {
		target := (&net.TCPAddr{IP: candidate.IP, Port: addr.Port, Zone: candidate.Zone}).String()
		// the kernel's routing table usually knows best which
		// interface reaches the candidate, so try unpinned first
		if local := dialFrom(ctx, nil, target); local != nil {
			return local
		}
		for _, localIP := range locals {
			if local := dialFrom(ctx, localIP, target); local != nil {
				return local
			}
		}
	}
	return nil
}

func dialFrom(ctx context.Context, local net.IP, target string) net.IP {
	d := net.Dialer{Timeout: connectAttemptTimeout}
	if local != nil {
		d.LocalAddr = &net.TCPAddr{IP: local}
	}
	conn, dialErr := d.DialContext(ctx, "tcp", target)
	if dialErr != nil {
		return nil
	}
	bound := conn.LocalAddr().(*net.TCPAddr).IP
	conn.Close()
	return bound
}

// localHostAddress is the degraded fallback when no leader was ever
// announced: the address the local hostname resolves to, or loopback when
// even that fails.
func localHostAddress() (net.IP, error) {
	if host, hostErr := os.Hostname(); hostErr == nil {
		if ips, lookupErr := net.LookupIP(host); lookupErr == nil && len(ips) > 0 {
			return ips[0], nil
		}
	}
	return net.IPv4(127, 0, 0, 1), nil
}
