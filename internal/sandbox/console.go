package sandbox

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

const (
	maxConsoleEntries = 500
	maxConsoleMessage = 4096
)

// Console captures console.* calls from a script instead of writing to the
// host's stdout. Safe for concurrent use; closed consoles drop writes.
type Console struct {
	mu      sync.Mutex
	entries []schema.ConsoleEntry
	dropped int
	closed  bool
}

// NewConsole creates an empty Console.
func NewConsole() *Console {
	return &Console{}
}

// Write records one console line at level.
func (c *Console) Write(level string, args ...any) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = formatArg(a)
	}
	msg := strings.Join(parts, " ")
	if len(msg) > maxConsoleMessage {
		msg = msg[:maxConsoleMessage] + "…"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(c.entries) >= maxConsoleEntries {
		c.dropped++
		return
	}
	c.entries = append(c.entries, schema.ConsoleEntry{Level: level, Message: msg, Time: time.Now().UTC()})
}

// Close stops accepting entries; used when a script is abandoned at its deadline.
func (c *Console) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Entries returns a copy of the captured lines, with a trailing notice when
// lines were dropped.
func (c *Console) Entries() []schema.ConsoleEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.ConsoleEntry, len(c.entries), len(c.entries)+1)
	copy(out, c.entries)
	if c.dropped > 0 {
		out = append(out, schema.ConsoleEntry{
			Level:   "warn",
			Message: fmt.Sprintf("%d console entries dropped", c.dropped),
			Time:    time.Now().UTC(),
		})
	}
	return out
}

func formatArg(a any) string {
	switch v := a.(type) {
	case string:
		return v
	case nil:
		return "null"
	case map[string]any, []any:
		return mustJSON(v)
	default:
		return fmt.Sprint(v)
	}
}
