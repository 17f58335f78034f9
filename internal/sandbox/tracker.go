package sandbox

import (
	"sync"
	"time"
)

// ActivityTracker records passive liveness signals from supervised commands
// for status readers. Safe for concurrent use.
type ActivityTracker struct {
	mu             sync.Mutex
	lastOutputAt   time.Time
	currentCommand string
}

func (t *ActivityTracker) SetCommand(cmd string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.currentCommand = cmd
	t.lastOutputAt = time.Now().UTC()
	t.mu.Unlock()
}

func (t *ActivityTracker) Touch() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.lastOutputAt = time.Now().UTC()
	t.mu.Unlock()
}

func (t *ActivityTracker) ClearCommand() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.currentCommand = ""
	t.mu.Unlock()
}

func (t *ActivityTracker) Snapshot() (lastOutputAt time.Time, currentCommand string) {
	if t == nil {
		return time.Time{}, ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastOutputAt, t.currentCommand
}
