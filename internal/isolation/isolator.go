// Package isolation runs sandboxed script interpreters as child processes with
// kernel-enforced limits where the platform supports them.
package isolation

import (
	"context"
	"os/exec"
	"sort"
	"time"
)

// ResourceLimits specifies constraints for an interpreter process.
type ResourceLimits struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  int           `json:"max_cpu_percent,omitempty"`
	MaxProcesses   int           `json:"max_processes,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	AllowNetwork   bool          `json:"allow_network"`

	// RunAsUID and RunAsGID are the credentials the interpreter runs under
	// when the host process is root. Zero keeps the parent's identity.
	RunAsUID uint32 `json:"run_as_uid,omitempty"`
	RunAsGID uint32 `json:"run_as_gid,omitempty"`
}

// NobodyID is the conventional unprivileged uid and gid.
const NobodyID = 65534

// IsolatorCaps describes what a platform's isolator can enforce.
type IsolatorCaps struct {
	CanLimitMemory    bool `json:"can_limit_memory"`
	CanLimitCPU       bool `json:"can_limit_cpu"`
	CanLimitNetwork   bool `json:"can_limit_network"`
	CanLimitProcesses bool `json:"can_limit_processes"`
	CanIsolatePID     bool `json:"can_isolate_pid"`
}

// Isolator wraps a command with platform-specific process isolation.
// The returned cleanup must always be called after the process exits, and the
// caller must run the returned *exec.Cmd, not the original.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error)
	Capabilities() IsolatorCaps
}

// killWaitDelay bounds how long Wait blocks for pipes after a kill.
const killWaitDelay = time.Second

// cloneCommand rebinds cmd onto exec.CommandContext so that cancelling ctx
// kills the process. exec.Cmd.Cancel is only honored for such commands.
func cloneCommand(ctx context.Context, cmd *exec.Cmd) *exec.Cmd {
	wrapped := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = killWaitDelay
	return wrapped
}

// MinimalEnv builds a scrubbed environment for an interpreter: no host
// variables leak in except the ones named in extra.
func MinimalEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONIOENCODING=utf-8",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
