// Package registry owns every session and serializes all mutation through
// one control goroutine. Commands from observers, output and exit events
// from the supervisor, quiescence timers and file-change notifications are
// all processed there, one at a time, and every resulting event is delivered
// to all attached observers before the next one is handled.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"idlecode/internal/clock"
	"idlecode/internal/framer"
	"idlecode/internal/session"
	"idlecode/internal/supervisor"
)

const (
	defaultQuiescence      = 50 * time.Millisecond
	defaultShutdownTimeout = 5 * time.Second
	inboxSize              = 64
)

var (
	// ErrClosed is returned once the control loop has stopped.
	ErrClosed = errors.New("registry closed")
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
)

// Processes is the process supervisor as seen by the registry.
type Processes interface {
	Start(ctx context.Context, sessionID, filePath string, force bool) (*supervisor.Handle, supervisor.StartStatus, error)
	Write(sessionID, text string) error
	Kill(sessionID string) error
	Interrupt(sessionID string) error
	Release(h *supervisor.Handle)
	Events() <-chan supervisor.Event
	Shutdown(ctx context.Context)
}

// FileWatcher reports edits to the source file of file-run sessions.
type FileWatcher interface {
	Watch(sessionID, path string) error
	Unwatch(sessionID string)
}

// Options configures a Registry.
type Options struct {
	// Quiescence is how long unterminated stdout must stay quiet before it
	// is treated as an input request.
	Quiescence   time.Duration
	HistoryLimit int
	// AutoRestart respawns a dead session's process when input arrives.
	AutoRestart bool
	// RerunOnChange restarts a file-run session when its file is saved.
	RerunOnChange   bool
	ShutdownTimeout time.Duration

	Matcher *framer.Matcher
	Watcher FileWatcher
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Registry maps session ids to their state and attached observers.
type Registry struct {
	procs Processes
	opts  Options
	clock clock.Clock
	log   *slog.Logger

	inbox chan func()
	done  chan struct{}

	// Owned by the control goroutine.
	runCtx   context.Context
	sessions map[string]*entry
}

type entry struct {
	store     *session.Session
	framer    *framer.Framer
	observers []Observer
	handle    *supervisor.Handle
	lastInput string

	timer    *clock.Timer
	timerGen uint64
}

// New creates a Registry. Run must be called for it to do anything.
func New(procs Processes, opts Options) *Registry {
	if opts.Quiescence <= 0 {
		opts.Quiescence = defaultQuiescence
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = session.DefaultHistoryLimit
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Matcher == nil {
		opts.Matcher = framer.DefaultMatcher()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		procs:    procs,
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger,
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
		sessions: make(map[string]*entry),
	}
}

// Run is the control loop. It returns when ctx is cancelled, after killing
// every child process.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.done)
	r.runCtx = ctx
	events := r.procs.Events()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case fn := <-r.inbox:
			fn()
		case ev := <-events:
			r.handleProcessEvent(ev)
		}
	}
}

func (r *Registry) shutdown() {
	for _, e := range r.sessions {
		r.cancelTimer(e)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	r.procs.Shutdown(ctx)
	r.log.Info("registry stopped", "sessions", len(r.sessions))
}

// Done is closed when Run has returned.
func (r *Registry) Done() <-chan struct{} { return r.done }

// post queues fn for the control goroutine.
func (r *Registry) post(ctx context.Context, fn func()) error {
	select {
	case r.inbox <- fn:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the control goroutine and waits for its result.
func call[T any](ctx context.Context, r *Registry, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	var zero T
	if err := r.post(ctx, func() {
		v, err := fn()
		ch <- result{v, err}
	}); err != nil {
		return zero, err
	}
	select {
	case res := <-ch:
		return res.v, res.err
	case <-r.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Registry) lookup(id string) (*entry, error) {
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (r *Registry) now() time.Time {
	return r.clock.Now().UTC()
}

// --- Broadcast ---

// broadcast delivers ev to every observer of e except the one with id
// except. Observers that refuse delivery are detached from all sessions.
func (r *Registry) broadcast(e *entry, ev session.Event, except string) {
	ev.SessionID = e.store.ID
	var dead []string
	for _, o := range e.observers {
		if except != "" && o.ID() == except {
			continue
		}
		if !o.Deliver(ev) {
			dead = append(dead, o.ID())
		}
	}
	for _, id := range dead {
		r.log.Debug("observer unreachable, detaching", "observer_id", id, "session_id", e.store.ID)
		r.detachAll(id)
	}
}

func (r *Registry) appendEntry(e *entry, kind session.EntryKind, text, promptText string) {
	ent := session.Entry{Kind: kind, Text: text, PromptText: promptText, Timestamp: r.now()}
	e.store.Append(ent)
	r.broadcast(e, session.Event{Type: session.EventOutput, Entry: &ent}, "")
}

func (r *Registry) meta(e *entry, format string, args ...any) {
	r.appendEntry(e, session.EntryMeta, fmt.Sprintf(format, args...), "")
}

func (r *Registry) snapshotEvent(e *entry) session.Event {
	snap := e.store.Snapshot()
	return session.Event{Type: session.EventHistory, SessionID: e.store.ID, Snapshot: &snap}
}

// --- Framed events ---

func (r *Registry) handleProcessEvent(ev supervisor.Event) {
	if ev.Type == supervisor.EventExit {
		r.procs.Release(ev.Handle)
	}
	e, ok := r.sessions[ev.SessionID]
	if !ok || e.handle != ev.Handle {
		r.log.Debug("dropping event from superseded process", "session_id", ev.SessionID, "type", ev.Type.String())
		return
	}

	switch ev.Type {
	case supervisor.EventStdout:
		events, pending := e.framer.Stdout(ev.Data)
		if pending {
			r.armTimer(e)
		} else {
			r.cancelTimer(e)
		}
		r.apply(e, events)
	case supervisor.EventStderr:
		r.apply(e, e.framer.Stderr(ev.Data))
	case supervisor.EventExit:
		r.handleExit(e, ev.ExitCode)
	}
}

func (r *Registry) apply(e *entry, events []framer.Event) {
	for _, fe := range events {
		switch fe.Type {
		case framer.EventStdout:
			r.appendEntry(e, session.EntryStdout, fe.Text, "")
		case framer.EventStderr:
			r.appendEntry(e, session.EntryStderr, fe.Text, "")
		case framer.EventPrompt:
			indent := 0
			if fe.Prompt == framer.PromptContinuation {
				indent = framer.ContinuationIndent(e.lastInput)
			}
			e.store.SetPrompt(fe.Prompt, fe.Text, indent)
			r.broadcast(e, session.Event{
				Type:       session.EventPrompt,
				Prompt:     fe.Prompt,
				PromptText: fe.Text,
				Indent:     indent,
			}, "")
		case framer.EventInputRequest:
			e.store.SetAwaitingInput(fe.Text)
			r.broadcast(e, session.Event{Type: session.EventInputPrompt, PromptText: fe.Text}, "")
		}
	}
}

func (r *Registry) handleExit(e *entry, code int) {
	r.cancelTimer(e)
	r.apply(e, e.framer.Flush())
	e.handle = nil
	e.store.ClearAwaitingInput()
	e.store.State = session.StateNoProcess
	r.meta(e, "[Process exited with code %d]\n", code)
	r.broadcast(e, session.Event{Type: session.EventExit, ExitCode: code}, "")
	r.log.Info("process exited", "session_id", e.store.ID, "exit_code", code)
}

// --- Quiescence timer ---

// armTimer (re)starts the session's quiescence timer. The callback carries
// the generation and process handle it was armed for and does nothing if
// either has moved on.
func (r *Registry) armTimer(e *entry) {
	r.cancelTimer(e)
	gen := e.timerGen
	h := e.handle
	id := e.store.ID
	e.timer = r.clock.AfterFunc(r.opts.Quiescence, func() {
		r.post(context.Background(), func() { r.quiesce(id, h, gen) })
	})
}

func (r *Registry) cancelTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (r *Registry) quiesce(id string, h *supervisor.Handle, gen uint64) {
	e, ok := r.sessions[id]
	if !ok || e.handle != h || e.timerGen != gen {
		return
	}
	e.timer = nil
	r.apply(e, e.framer.Quiesce())
}
