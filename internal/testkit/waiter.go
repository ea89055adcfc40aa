// Package testkit is a chaos/integration harness for the coordination
// core: seed scenarios covering contention, failover, exclusive-RPC
// gating, command progress, KV races, and event fanout, run against
// internal/transport/embedded on the system clock.
package testkit

import (
	"context"
	"fmt"
	"time"
)

// Waiter polls a condition until it becomes true or a timeout elapses.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter builds a Waiter with the given timeout and poll interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter returns a Waiter tuned for in-process conditions: a 5s
// timeout polled every 10ms.
func DefaultWaiter() *Waiter {
	return NewWaiter(5*time.Second, 10*time.Millisecond)
}

// WaitFor polls condition every w.interval until it returns true, ctx is
// cancelled, or w.timeout elapses.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if condition() {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
