// Package safego launches background goroutines with panic recovery.
package safego

import "log/slog"

// Go runs fn in a new goroutine, recovering and logging any panic instead of
// letting it take down the process. Every fire-and-forget goroutine in the
// server (the expiry scanner, the metrics listener) goes through here so a
// bug in background work never kills the whole binary.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
