//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot  = "/sys/fs/cgroup"
	cgroupGroup = "intake-scripts"

	// cpu.max period in microseconds.
	cpuPeriod = 100000

	removeAttempts = 10
	removeBackoff  = 20 * time.Millisecond
)

// controllers the isolator delegates to each script leaf.
var controllers = []string{"memory", "cpu", "pids"}

var _ Isolator = (*LinuxIsolator)(nil)

// LinuxIsolator places each interpreter in its own cgroup v2 leaf and in new
// PID and network namespaces, so scripts cannot see host processes or reach
// the network directly.
type LinuxIsolator struct {
	group string
	caps  IsolatorCaps
}

// NewLinuxIsolator creates a LinuxIsolator. Fails when cgroups v2 is missing
// or the script group cannot be created.
func NewLinuxIsolator() (*LinuxIsolator, error) {
	raw, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}
	have := make(map[string]bool)
	for _, c := range strings.Fields(string(raw)) {
		have[c] = true
	}

	group := filepath.Join(cgroupRoot, cgroupGroup)
	if err := os.MkdirAll(group, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", group, err)
	}
	if err := delegate(group, have); err != nil {
		return nil, fmt.Errorf("enable cgroup controllers: %w", err)
	}

	return &LinuxIsolator{
		group: group,
		caps: IsolatorCaps{
			CanLimitMemory:    have["memory"],
			CanLimitCPU:       have["cpu"],
			CanLimitNetwork:   true, // CLONE_NEWNET needs no controller
			CanLimitProcesses: have["pids"],
			CanIsolatePID:     have["pids"],
		},
	}, nil
}

// Capabilities returns the detected isolation capabilities.
func (l *LinuxIsolator) Capabilities() IsolatorCaps {
	return l.caps
}

// Wrap starts cmd inside a fresh leaf cgroup carrying limits.
func (l *LinuxIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	lf, err := l.newLeaf(limits)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	wrapped := cloneCommand(runCtx, cmd)
	wrapped.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    lf.fd,
		Cloneflags:  l.namespaces(limits),
	}
	dropPrivileges(wrapped, limits)

	var once sync.Once
	return wrapped, func() {
		once.Do(func() {
			cancel()
			lf.release()
		})
	}, nil
}

func (l *LinuxIsolator) namespaces(limits ResourceLimits) uintptr {
	var flags uintptr
	if l.caps.CanIsolatePID {
		flags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork && l.caps.CanLimitNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	return flags
}

// leaf is one script's cgroup and the directory fd handed to clone3.
type leaf struct {
	path string
	fd   int
}

func (l *LinuxIsolator) newLeaf(limits ResourceLimits) (*leaf, error) {
	lf := &leaf{path: filepath.Join(l.group, uuid.NewString()), fd: -1}
	if err := os.Mkdir(lf.path, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", lf.path, err)
	}
	if err := lf.apply(limits, l.caps); err != nil {
		lf.release()
		return nil, err
	}
	fd, err := syscall.Open(lf.path, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		lf.release()
		return nil, fmt.Errorf("open cgroup fd: %w", err)
	}
	lf.fd = fd
	return lf, nil
}

func (lf *leaf) apply(limits ResourceLimits, caps IsolatorCaps) error {
	if limits.MaxMemoryBytes > 0 && caps.CanLimitMemory {
		if err := lf.set("memory.max", strconv.FormatInt(limits.MaxMemoryBytes, 10)); err != nil {
			return err
		}
		// Swap would let a script exceed memory.max.
		_ = lf.set("memory.swap.max", "0")
	}
	if limits.MaxCPUPercent > 0 && caps.CanLimitCPU {
		if err := lf.set("cpu.max", formatCPUMax(limits.MaxCPUPercent)); err != nil {
			return err
		}
	}
	if limits.MaxProcesses > 0 && caps.CanLimitProcesses {
		if err := lf.set("pids.max", strconv.Itoa(limits.MaxProcesses)); err != nil {
			return err
		}
	}
	return nil
}

func (lf *leaf) set(file, value string) error {
	if err := os.WriteFile(filepath.Join(lf.path, file), []byte(value), 0o644); err != nil {
		return fmt.Errorf("set %s: %w", file, err)
	}
	return nil
}

// release kills anything left in the leaf and removes it.
func (lf *leaf) release() {
	if lf.fd >= 0 {
		syscall.Close(lf.fd)
		lf.fd = -1
	}
	if err := lf.set("cgroup.kill", "1"); err != nil {
		lf.killProcs()
	}
	for range removeAttempts {
		if os.Remove(lf.path) == nil {
			return
		}
		time.Sleep(removeBackoff)
	}
	slog.Warn("isolation: cgroup not removed", slog.String("path", lf.path))
}

// killProcs covers kernels older than 5.14, which lack cgroup.kill.
func (lf *leaf) killProcs() {
	f, err := os.Open(filepath.Join(lf.path, "cgroup.procs"))
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(sc.Text())); err == nil && pid > 0 {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

// formatCPUMax renders a CPU percentage (1-100) as cpu.max "QUOTA PERIOD".
func formatCPUMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cpuPeriod)
	}
	return fmt.Sprintf("%d %d", cpuPeriod*percent/100, cpuPeriod)
}

func delegate(group string, have map[string]bool) error {
	var enable []string
	for _, c := range controllers {
		if have[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(group, "cgroup.subtree_control"), []byte(strings.Join(enable, " ")), 0o644)
}
