//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns the platform-appropriate Isolator. Outside Linux only
// the timeout can be enforced.
func NewIsolator() (Isolator, error) {
	slog.Warn("isolation: no kernel isolation available, using fallback (timeout only)")
	return NewFallbackIsolator(), nil
}
