// Package session implements the rolling per-connection buffer of recent
// (command, output) pairs used to give proactive suggestions session-level
// awareness. It is a bounded FIFO: once full, the oldest entry is evicted to
// make room for the newest.
package session

import (
	"fmt"
	"strings"
	"sync"
)

// MaxEntries is the largest number of entries the buffer retains.
const MaxEntries = 20

// MaxOutputLines is the largest number of trailing output lines retained
// per entry; longer output is truncated to its tail.
const MaxOutputLines = 20

// Entry is one recorded (command, output) pair. Output is already truncated
// to MaxOutputLines by the time it is stored.
type Entry struct {
	Command string
	Output  string
}

// Buffer is a mutex-guarded bounded FIFO of Entry values. The zero value is
// not ready to use; call New.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty, ready-to-use Buffer.
func New() *Buffer {
	return &Buffer{entries: make([]Entry, 0, MaxEntries)}
}

// Add truncates output to its last MaxOutputLines lines and appends a new
// entry, evicting the oldest entry first if the buffer is already full.
func (b *Buffer) Add(command, output string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := strings.Split(output, "\n")
	if len(lines) > MaxOutputLines {
		lines = lines[len(lines)-MaxOutputLines:]
	}
	entry := Entry{Command: command, Output: strings.Join(lines, "\n")}

	if len(b.entries) >= MaxEntries {
		b.entries = append(b.entries[1:], entry)
	} else {
		b.entries = append(b.entries, entry)
	}
}

// FormatForPrompt renders the buffer as a plain-text block suitable for
// embedding in a system prompt: "[N] <command>\n    <indented output>" for
// each entry, oldest first, so the most recent entry appears at the bottom.
// Index N decreases with age: the oldest of L entries is numbered L, the
// newest is numbered 1.
func (b *Buffer) FormatForPrompt() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return ""
	}
	var parts []string
	l := len(b.entries)
	for i, e := range b.entries {
		idx := l - i
		parts = append(parts, fmt.Sprintf("[%d] %s", idx, e.Command))
		if strings.TrimSpace(e.Output) != "" {
			var indented []string
			for _, line := range strings.Split(e.Output, "\n") {
				indented = append(indented, "    "+line)
			}
			parts = append(parts, strings.Join(indented, "\n"))
		}
	}
	return strings.Join(parts, "\n")
}

// Len returns the current number of entries held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
