// Package clocks re-exports the clock abstraction the rest of the module
// schedules against, so callers and tests only deal in one Clock type.
package clocks

import (
	clocks "github.com/vimeo/go-clocks"
)

// DefaultClock returns a clock that minimally wraps the `time` package
func DefaultClock() Clock {
	return clocks.DefaultClock()
}

// Clock is generally only used for testing, but could be used for userspace
// clock-synchronization as well.
type Clock = clocks.Clock
