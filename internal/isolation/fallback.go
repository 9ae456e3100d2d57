package isolation

import (
	"context"
	"os/exec"
	"sync"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator enforces the wall-clock timeout and, on unix hosts
// running as root, the unprivileged identity. Used where kernel isolation is
// unavailable; all capabilities report false.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

// Wrap clones cmd onto a context-aware exec.Cmd bounded by limits.Timeout.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	wrapped := cloneCommand(execCtx, cmd)
	dropPrivileges(wrapped, limits)

	var once sync.Once
	return wrapped, func() { once.Do(cancel) }, nil
}

// Capabilities returns all-false caps.
func (f *FallbackIsolator) Capabilities() IsolatorCaps {
	return IsolatorCaps{}
}
