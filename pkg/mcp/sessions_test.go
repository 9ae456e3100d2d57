package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "session-abc")
	sid, ok := r.SessionFor("run-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "session-old")
	r.Register("run-1", "session-new")
	sid, _ := r.SessionFor("run-1")
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_RemoveSession(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("run-1", "s1")
	r.Register("run-2", "s1")
	r.Register("run-3", "s2")

	r.Remove("s1")

	_, ok := r.SessionFor("run-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("run-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("run-3")
	assert.True(t, ok)
	assert.Equal(t, "s2", sid)
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("run-1", "s1")
	r.Register("run-2", "s1")

	r.Forget("run-1")

	_, ok := r.SessionFor("run-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("run-2")
	assert.True(t, ok)
}

func TestMCPNotifier_UnknownRunIsNoop(t *testing.T) {
	s := NewIntakeServer(IntakeServerDeps{})
	n := NewMCPNotifier(s.MCPServer(), NewSessionRegistry())
	assert.NoError(t, n.Notify(t.Context(), "run-1", map[string]any{"x": 1}))
}

func TestMCPNotifier_StaleSessionIsDropped(t *testing.T) {
	s := NewIntakeServer(IntakeServerDeps{})
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "gone")
	n := NewMCPNotifier(s.MCPServer(), sessions)

	assert.NoError(t, n.Notify(t.Context(), "run-1", map[string]any{"x": 1}))
	_, ok := sessions.SessionFor("run-1")
	assert.False(t, ok)
}
