// Package supervisor runs at most one interpreter child per session and
// turns its output streams and termination into a single event channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"idlecode/internal/clock"
)

const (
	defaultInterpreter = "python3"
	defaultKillGrace   = 5 * time.Second
	defaultEventBuffer = 256
	defaultWriteQueue  = 64
	readChunkSize      = 4096
)

// DefaultFlags are the interpreter flags for unbuffered, forced-interactive
// operation.
var DefaultFlags = []string{"-u", "-i"}

var (
	// ErrNoProcess is returned when a session has no live child.
	ErrNoProcess = errors.New("no live process")
	// ErrStdinFull is returned when the child stopped consuming its input.
	ErrStdinFull = errors.New("stdin queue full")
)

// StartStatus reports what Start did.
type StartStatus string

const (
	StatusStarted       StartStatus = "started"
	StatusAlreadyActive StartStatus = "already-active"
)

// EventType classifies supervisor events.
type EventType int

const (
	EventStdout EventType = iota
	EventStderr
	EventExit
)

func (t EventType) String() string {
	switch t {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is a raw chunk or an exit notification. Handle identifies the
// process instance so events from a superseded child can be told apart.
type Event struct {
	Type      EventType
	SessionID string
	Handle    *Handle
	Data      string
	ExitCode  int
}

// Options configures a Supervisor.
type Options struct {
	Launcher    Launcher
	Interpreter string
	// Flags follow the interpreter on the command line, before the file.
	Flags     []string
	KillGrace time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Supervisor owns the table of live children.
type Supervisor struct {
	launcher    Launcher
	interpreter string
	flags       []string
	killGrace   time.Duration
	clock       clock.Clock
	log         *slog.Logger

	mu    sync.Mutex
	procs map[string]*Handle

	events   chan Event
	done     chan struct{}
	shutdown sync.Once
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = &ExecLauncher{}
	}
	if opts.Interpreter == "" {
		opts.Interpreter = defaultInterpreter
	}
	if opts.Flags == nil {
		opts.Flags = DefaultFlags
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		launcher:    opts.Launcher,
		interpreter: opts.Interpreter,
		flags:       opts.Flags,
		killGrace:   opts.KillGrace,
		clock:       opts.Clock,
		log:         opts.Logger,
		procs:       make(map[string]*Handle),
		events:      make(chan Event, defaultEventBuffer),
		done:        make(chan struct{}),
	}
}

// Events returns the channel carrying output chunks and exit notifications
// for every child. For each child all of its output events precede its exit
// event.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Argv returns the command line used for a session running filePath, or an
// interactive shell when filePath is empty.
func (s *Supervisor) Argv(filePath string) []string {
	argv := make([]string, 0, len(s.flags)+2)
	argv = append(argv, s.interpreter)
	argv = append(argv, s.flags...)
	if filePath != "" {
		argv = append(argv, filePath)
	}
	return argv
}

// Start spawns a child for the session. If one is live and force is false
// the existing handle is returned with StatusAlreadyActive. A child that is
// being killed is not live: like the old child of a forced start, it is
// killed and reaped before the new one is launched.
func (s *Supervisor) Start(ctx context.Context, sessionID, filePath string, force bool) (*Handle, StartStatus, error) {
	if h := s.running(sessionID); h != nil {
		if !force && !h.terminating() {
			return h, StatusAlreadyActive, nil
		}
		s.replace(ctx, h)
	}

	proc, err := s.launcher.Launch(ctx, s.Argv(filePath))
	if err != nil {
		return nil, "", fmt.Errorf("spawn session %s: %w", sessionID, err)
	}

	h := newHandle(sessionID, proc, s.clock.Now())
	s.mu.Lock()
	s.procs[sessionID] = h
	s.mu.Unlock()

	go h.writeLoop(s.log)
	go s.supervise(h)

	s.log.Debug("process started", "session_id", sessionID, "pid", proc.Pid())
	return h, StatusStarted, nil
}

// replace force-kills h and waits for it to be reaped so that two children
// of one session never overlap.
func (s *Supervisor) replace(ctx context.Context, h *Handle) {
	h.markKilled()
	if err := h.proc.Kill(); err != nil {
		s.log.Warn("kill before restart failed", "session_id", h.SessionID, "error", err)
	}
	wait, cancel := context.WithTimeout(ctx, s.killGrace)
	defer cancel()
	select {
	case <-h.exited:
	case <-wait.Done():
		s.log.Warn("old process did not exit before restart", "session_id", h.SessionID)
	}
	s.Release(h)
}

// supervise pumps both output streams and reports the exit once both are
// drained.
func (s *Supervisor) supervise(h *Handle) {
	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(h, h.proc.Stdout(), EventStdout, &wg)
	go s.pump(h, h.proc.Stderr(), EventStderr, &wg)

	code, err := h.proc.Wait()
	if err != nil {
		s.log.Warn("wait failed", "session_id", h.SessionID, "error", err)
	}
	h.markExited()

	wg.Wait()
	s.send(Event{Type: EventExit, SessionID: h.SessionID, Handle: h, ExitCode: code})
}

func (s *Supervisor) pump(h *Handle, r io.Reader, typ EventType, wg *sync.WaitGroup) {
	defer wg.Done()
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !s.send(Event{Type: typ, SessionID: h.SessionID, Handle: h, Data: string(buf[:n])}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("stream read ended", "session_id", h.SessionID, "stream", typ.String(), "error", err)
			}
			return
		}
	}
}

func (s *Supervisor) send(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Current returns the session's live handle or nil. A child that has been
// killed but not yet reaped is not live.
func (s *Supervisor) Current(sessionID string) *Handle {
	h := s.running(sessionID)
	if h == nil || h.terminating() {
		return nil
	}
	return h
}

// running returns the session's unreaped handle, killed or not.
func (s *Supervisor) running(sessionID string) *Handle {
	s.mu.Lock()
	h := s.procs[sessionID]
	s.mu.Unlock()
	if h == nil || h.Exited() {
		return nil
	}
	return h
}

// Release forgets h if it is still the session's registered handle.
func (s *Supervisor) Release(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	if s.procs[h.SessionID] == h {
		delete(s.procs, h.SessionID)
	}
	s.mu.Unlock()
	h.stopKillTimer()
}

// Write sends text followed by a newline to the session's child.
func (s *Supervisor) Write(sessionID, text string) error {
	h := s.Current(sessionID)
	if h == nil {
		return fmt.Errorf("write to session %s: %w", sessionID, ErrNoProcess)
	}
	if err := h.enqueue(text + "\n"); err != nil {
		return fmt.Errorf("write to session %s: %w", sessionID, err)
	}
	return nil
}

// Kill asks the child to terminate and force-kills it after the grace
// period. Completion is observed through the exit event. From here on the
// child no longer counts as live. Killing a child that is already
// terminating is a no-op.
func (s *Supervisor) Kill(sessionID string) error {
	h := s.running(sessionID)
	if h == nil {
		return fmt.Errorf("kill session %s: %w", sessionID, ErrNoProcess)
	}
	s.kill(h)
	return nil
}

func (s *Supervisor) kill(h *Handle) {
	if !h.markKilled() {
		return
	}
	if err := h.proc.Terminate(); err != nil {
		s.log.Warn("terminate failed", "session_id", h.SessionID, "error", err)
	}
	h.armKillTimer(s.clock.AfterFunc(s.killGrace, func() {
		if h.Exited() {
			return
		}
		s.log.Debug("grace period expired, killing", "session_id", h.SessionID)
		if err := h.proc.Kill(); err != nil {
			s.log.Warn("kill failed", "session_id", h.SessionID, "error", err)
		}
	}))
}

// Interrupt delivers an interrupt to the child, cancelling the running
// statement without ending the process.
func (s *Supervisor) Interrupt(sessionID string) error {
	h := s.Current(sessionID)
	if h == nil {
		return fmt.Errorf("interrupt session %s: %w", sessionID, ErrNoProcess)
	}
	if err := h.proc.Interrupt(); err != nil {
		return fmt.Errorf("interrupt session %s: %w", sessionID, err)
	}
	return nil
}

// Shutdown kills every child and waits for them to exit or for ctx to end.
// Afterwards no more events are sent.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if !h.Exited() {
			s.kill(h)
		}
	}
	for _, h := range handles {
		select {
		case <-h.exited:
		case <-ctx.Done():
			h.proc.Kill()
		}
	}
	s.shutdown.Do(func() { close(s.done) })
}
