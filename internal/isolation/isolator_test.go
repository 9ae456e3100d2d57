package isolation

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackIsolator_Capabilities_AllFalse(t *testing.T) {
	assert.Equal(t, IsolatorCaps{}, NewFallbackIsolator().Capabilities())
}

func TestFallbackIsolator_Wrap_PreservesFields(t *testing.T) {
	iso := NewFallbackIsolator()
	original := exec.Command("echo", "hello")
	original.Dir = "/tmp"
	original.Env = []string{"FOO=bar"}
	var buf bytes.Buffer
	original.Stdout = &buf

	wrapped, cleanup, err := iso.Wrap(context.Background(), original, ResourceLimits{})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, original.Path, wrapped.Path)
	assert.Equal(t, original.Args, wrapped.Args)
	assert.Equal(t, "/tmp", wrapped.Dir)
	assert.Equal(t, []string{"FOO=bar"}, wrapped.Env)
	assert.Equal(t, &buf, wrapped.Stdout)
	assert.Equal(t, killWaitDelay, wrapped.WaitDelay)
}

func TestFallbackIsolator_Wrap_CancelledCtx_ReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewFallbackIsolator().Wrap(ctx, exec.Command("echo"), ResourceLimits{})
	require.Error(t, err)
}

func TestFallbackIsolator_Wrap_Timeout_KillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sleep command not available on windows")
	}

	wrapped, cleanup, err := NewFallbackIsolator().Wrap(context.Background(), exec.Command("sleep", "60"), ResourceLimits{
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer cleanup()

	start := time.Now()
	err = wrapped.Run()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFallbackIsolator_Cleanup_Idempotent(t *testing.T) {
	_, cleanup, err := NewFallbackIsolator().Wrap(context.Background(), exec.Command("echo"), ResourceLimits{
		Timeout: time.Second,
	})
	require.NoError(t, err)
	cleanup()
	cleanup()
}

func TestFallbackIsolator_Wrap_CapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("echo behavior differs on windows")
	}

	cmd := exec.Command("echo", "hello world")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	wrapped, cleanup, err := NewFallbackIsolator().Wrap(context.Background(), cmd, ResourceLimits{})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, wrapped.Run())
	assert.Equal(t, "hello world\n", stdout.String())
}

func TestMinimalEnv(t *testing.T) {
	t.Setenv("INTAKE_HOST_SECRET", "x")
	env := MinimalEnv(map[string]string{"RUN_ID": "r1", "PHASE": "onRunStart"})

	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "INTAKE_HOST_SECRET")
	assert.Contains(t, env, "RUN_ID=r1")
	assert.Contains(t, env, "PHASE=onRunStart")
	assert.Equal(t, "PHASE=onRunStart", env[len(env)-2], "extra keys are sorted")
}

func TestNewIsolator_ReturnsUsableIsolator(t *testing.T) {
	iso, err := NewIsolator()
	require.NoError(t, err)
	require.NotNil(t, iso)
	var _ Isolator = iso
}
