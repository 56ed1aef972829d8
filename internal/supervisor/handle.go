package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"idlecode/internal/clock"
)

// Handle identifies one process instance. A restarted session gets a new
// Handle, so comparing handles detects events from a superseded child.
type Handle struct {
	SessionID string
	StartedAt time.Time

	proc   Process
	writes chan string
	exited chan struct{}

	mu        sync.Mutex
	killed    bool
	killTimer *clock.Timer
}

func newHandle(sessionID string, proc Process, now time.Time) *Handle {
	return &Handle{
		SessionID: sessionID,
		StartedAt: now,
		proc:      proc,
		writes:    make(chan string, defaultWriteQueue),
		exited:    make(chan struct{}),
	}
}

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.proc.Pid() }

// Exited reports whether the child has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// terminating reports whether the child has been asked to stop. It may
// still be running until it is reaped.
func (h *Handle) terminating() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// markKilled records a kill request and reports whether it is the first.
func (h *Handle) markKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	first := !h.killed
	h.killed = true
	return first
}

func (h *Handle) markExited() {
	close(h.exited)
	h.stopKillTimer()
}

func (h *Handle) enqueue(line string) error {
	if h.Exited() {
		return ErrNoProcess
	}
	select {
	case h.writes <- line:
		return nil
	default:
		return ErrStdinFull
	}
}

// writeLoop feeds queued lines to stdin so a child that is slow to read
// never blocks the caller.
func (h *Handle) writeLoop(log *slog.Logger) {
	stdin := h.proc.Stdin()
	defer stdin.Close()
	for {
		select {
		case line := <-h.writes:
			if _, err := stdin.Write([]byte(line)); err != nil {
				log.Warn("stdin write failed", "session_id", h.SessionID, "error", err)
			}
		case <-h.exited:
			return
		}
	}
}

func (h *Handle) armKillTimer(t *clock.Timer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.killTimer = t
}

func (h *Handle) stopKillTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killTimer != nil {
		h.killTimer.Stop()
		h.killTimer = nil
	}
}
