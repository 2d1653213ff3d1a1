// Package appctx provides a context that survives the request that started
// it, for the engine's own fire-and-forget escalation work (the force-kill
// command Controller.Terminate issues after the grace period, which must
// keep running even if the HTTP request that called Terminate has already
// returned).
package appctx

import (
	"context"
	"time"
)

// Detached returns a context bounded by timeout instead of parent's own
// cancellation, so a goroutine started from a request handler can keep
// running past the request's lifetime. parent is accepted for symmetry with
// context-threading call sites and to leave room for copying values in the
// future, but no values are copied today — the kill command this backs
// needs nothing from the request context beyond "start now".
//
// stopCh additionally bounds the returned context to the engine's own
// shutdown: closing it (Controller's shutdownCh) cancels every outstanding
// detached operation immediately rather than waiting out its timeout.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
