// Package poller follows runs and evaluation jobs from the client side until
// they settle, then reconciles the caller's view with one authoritative fetch.
package poller

import (
	"context"
	"time"
)

// DefaultInterval is the fixed delay between status checks.
const DefaultInterval = 5 * time.Second

// State is the position of a poller in its lifecycle.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateReconciling
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateReconciling:
		return "reconciling"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// sleep waits d or until ctx is done. Each tick starts only after the
// previous fetch returned, so checks never overlap.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
