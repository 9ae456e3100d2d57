//go:build linux

package isolation

import "log/slog"

// NewIsolator returns a LinuxIsolator when cgroups v2 is writable, otherwise
// the timeout-only fallback (e.g. unprivileged containers).
func NewIsolator() (Isolator, error) {
	iso, err := NewLinuxIsolator()
	if err != nil {
		slog.Warn("isolation: cgroups v2 unavailable, using fallback (timeout only)", "error", err)
		return NewFallbackIsolator(), nil
	}
	return iso, nil
}
