package registry

import (
	"context"
	"errors"
	"sort"

	"idlecode/internal/framer"
	"idlecode/internal/session"
	"idlecode/internal/supervisor"
)

// CreateStatus reports the outcome of Create.
type CreateStatus string

const (
	StatusStarted       CreateStatus = "started"
	StatusRestarted     CreateStatus = "restarted"
	StatusAlreadyActive CreateStatus = "already-active"
	StatusFailed        CreateStatus = "failed"
)

// CreateRequest asks for a session to exist with a live process.
type CreateRequest struct {
	SessionID string
	FilePath  string
	Name      string
	// Force kills and replaces a live process.
	Force bool
	// Observer, when set, is attached once the session exists.
	Observer Observer
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	SessionID string       `json:"sessionId"`
	Status    CreateStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
}

// Create starts a session's process, creating the session if the id is new.
// An existing id keeps its history and command history; a live process is
// left alone unless Force is set.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	return call(ctx, r, func() (CreateResult, error) {
		return r.create(req), nil
	})
}

func (r *Registry) create(req CreateRequest) CreateResult {
	e, existed := r.sessions[req.SessionID]
	var watchedPath string
	if !existed {
		e = &entry{
			store:  session.New(req.SessionID, req.Name, req.FilePath, r.opts.HistoryLimit, r.now()),
			framer: framer.New(r.opts.Matcher),
		}
		r.sessions[req.SessionID] = e
		r.log.Info("session created", "session_id", req.SessionID, "file", req.FilePath)
	} else {
		watchedPath = e.store.FilePath
		if req.Name != "" {
			e.store.Name = req.Name
		}
		if req.FilePath != "" {
			e.store.FilePath = req.FilePath
		}
	}

	res := r.start(e, req.Force)
	if existed && res.Status != StatusAlreadyActive {
		if res.Status == StatusStarted {
			res.Status = StatusRestarted
		}
		r.broadcast(e, r.snapshotEvent(e), "")
	}
	if req.Observer != nil && !e.attached(req.Observer.ID()) {
		r.attach(e, req.Observer)
	}
	// A new file replaces the watch on the old one.
	if e.store.FilePath != "" && e.store.FilePath != watchedPath && r.opts.Watcher != nil {
		if err := r.opts.Watcher.Watch(e.store.ID, e.store.FilePath); err != nil {
			r.log.Warn("watch source file failed", "session_id", e.store.ID, "error", err)
		}
	}
	return res
}

// start spawns a process for e. Any transient state belongs to the previous
// process and is discarded.
func (r *Registry) start(e *entry, force bool) CreateResult {
	id := e.store.ID
	h, status, err := r.procs.Start(r.runCtx, id, e.store.FilePath, force)
	if err == nil && status == supervisor.StatusAlreadyActive {
		return CreateResult{SessionID: id, Status: StatusAlreadyActive}
	}

	r.cancelTimer(e)
	e.framer.Reset()
	e.store.ResetTransient()
	e.lastInput = ""

	if err != nil {
		e.handle = nil
		e.store.State = session.StateNoProcess
		r.log.Warn("spawn failed", "session_id", id, "error", err)
		r.meta(e, "[Failed to start process: %v]\n", err)
		return CreateResult{SessionID: id, Status: StatusFailed, Error: err.Error()}
	}

	e.handle = h
	e.store.State = session.StateStarting
	return CreateResult{SessionID: id, Status: StatusStarted}
}

func (e *entry) attached(observerID string) bool {
	for _, o := range e.observers {
		if o.ID() == observerID {
			return true
		}
	}
	return false
}

// Attach registers o with the session and delivers a full snapshot before
// any later event. Attaching to an unknown session is a no-op that reports
// false. Attaching twice only re-sends the snapshot.
func (r *Registry) Attach(ctx context.Context, sessionID string, o Observer) (bool, error) {
	return call(ctx, r, func() (bool, error) {
		e, ok := r.sessions[sessionID]
		if !ok {
			r.log.Debug("attach to unknown session ignored", "session_id", sessionID, "observer_id", o.ID())
			return false, nil
		}
		r.attach(e, o)
		return true, nil
	})
}

func (r *Registry) attach(e *entry, o Observer) {
	if !e.attached(o.ID()) {
		e.observers = append(e.observers, o)
	}
	if !o.Deliver(r.snapshotEvent(e)) {
		r.detachAll(o.ID())
	}
}

// Detach removes one observer from one session.
func (r *Registry) Detach(ctx context.Context, sessionID, observerID string) error {
	return r.post(ctx, func() {
		if e, ok := r.sessions[sessionID]; ok {
			e.removeObserver(observerID)
		}
	})
}

// DetachAll removes an observer from every session, typically because its
// connection went away.
func (r *Registry) DetachAll(ctx context.Context, observerID string) error {
	return r.post(ctx, func() { r.detachAll(observerID) })
}

func (r *Registry) detachAll(observerID string) {
	for _, e := range r.sessions {
		e.removeObserver(observerID)
	}
}

func (e *entry) removeObserver(observerID string) {
	kept := e.observers[:0]
	for _, o := range e.observers {
		if o.ID() != observerID {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(e.observers); i++ {
		e.observers[i] = nil
	}
	e.observers = kept
}

// Input submits a line typed by observer origin. A line typed while the
// child waits for free-form input, or flagged inputResponse, is an answer
// rather than a statement and is left out of the command history. Every
// other observer sees the draft cleared.
func (r *Registry) Input(ctx context.Context, sessionID, text string, inputResponse bool, origin string) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		e, err := r.lookup(sessionID)
		if err != nil {
			return struct{}{}, err
		}
		r.input(e, text, inputResponse, origin)
		return struct{}{}, nil
	})
	return err
}

func (r *Registry) input(e *entry, text string, inputResponse bool, origin string) {
	_, awaiting := e.store.AwaitingInput()
	answer := inputResponse || awaiting

	r.appendEntry(e, session.EntryInput, text, e.store.ActivePromptText())
	if answer {
		e.store.ClearAwaitingInput()
	} else {
		e.store.PushCommand(text)
		e.lastInput = text
	}
	if e.store.Draft() != "" {
		e.store.SetDraft("")
	}
	r.broadcast(e, session.Event{Type: session.EventDraft, Draft: ""}, origin)

	err := r.procs.Write(e.store.ID, text)
	if err == nil {
		return
	}
	if !errors.Is(err, supervisor.ErrNoProcess) {
		r.log.Warn("write failed", "session_id", e.store.ID, "error", err)
		r.meta(e, "[Input not delivered: %v]\n", err)
		return
	}
	if !r.opts.AutoRestart {
		r.log.Warn("write to session without process", "session_id", e.store.ID)
		r.meta(e, "[No process running]\n")
		return
	}

	r.meta(e, "[No process running, restarting]\n")
	res := r.start(e, false)
	r.broadcast(e, r.snapshotEvent(e), "")
	if res.Status == StatusFailed {
		return
	}
	if !answer {
		e.lastInput = text
	}
	if err := r.procs.Write(e.store.ID, text); err != nil {
		r.log.Warn("write after restart failed", "session_id", e.store.ID, "error", err)
		r.meta(e, "[Input not delivered: %v]\n", err)
	}
}

// Draft records observer origin's uncommitted text and echoes it to every
// other observer. The last writer wins.
func (r *Registry) Draft(ctx context.Context, sessionID, text, origin string) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		e, err := r.lookup(sessionID)
		if err != nil {
			return struct{}{}, err
		}
		e.store.SetDraft(text)
		r.broadcast(e, session.Event{Type: session.EventDraft, Draft: text}, origin)
		return struct{}{}, nil
	})
	return err
}

// Kill terminates the session's process but keeps the session.
func (r *Registry) Kill(ctx context.Context, sessionID string) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		if _, err := r.lookup(sessionID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, r.procs.Kill(sessionID)
	})
	return err
}

// Interrupt cancels the statement the session's process is running.
func (r *Registry) Interrupt(ctx context.Context, sessionID string) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		if _, err := r.lookup(sessionID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, r.procs.Interrupt(sessionID)
	})
	return err
}

// Close tells every observer the session is gone, kills its process and
// forgets it.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		e, err := r.lookup(sessionID)
		if err != nil {
			return struct{}{}, err
		}
		r.broadcast(e, session.Event{Type: session.EventClosed}, "")
		r.cancelTimer(e)
		if r.opts.Watcher != nil {
			r.opts.Watcher.Unwatch(sessionID)
		}
		if e.handle != nil {
			if err := r.procs.Kill(sessionID); err != nil && !errors.Is(err, supervisor.ErrNoProcess) {
				r.log.Warn("kill on close failed", "session_id", sessionID, "error", err)
			}
		}
		delete(r.sessions, sessionID)
		r.log.Info("session closed", "session_id", sessionID)
		return struct{}{}, nil
	})
	return err
}

// Clear empties the session's history and/or command history and sends
// every observer a fresh snapshot.
func (r *Registry) Clear(ctx context.Context, sessionID string, history, commands bool) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		e, err := r.lookup(sessionID)
		if err != nil {
			return struct{}{}, err
		}
		if history {
			e.store.ClearHistory()
		}
		if commands {
			e.store.ClearCommands()
		}
		r.broadcast(e, r.snapshotEvent(e), "")
		return struct{}{}, nil
	})
	return err
}

// FileChanged reports that a file-run session's source was written. With
// RerunOnChange the session is restarted to run the new version.
func (r *Registry) FileChanged(ctx context.Context, sessionID, path string) error {
	return r.post(ctx, func() {
		e, ok := r.sessions[sessionID]
		if !ok {
			return
		}
		r.broadcast(e, session.Event{Type: session.EventFileChanged, Path: path}, "")
		if r.opts.RerunOnChange && e.store.FilePath != "" {
			r.log.Info("source changed, rerunning", "session_id", sessionID, "path", path)
			r.start(e, true)
			r.broadcast(e, r.snapshotEvent(e), "")
		}
	})
}

// List summarizes every session, oldest first.
func (r *Registry) List(ctx context.Context) ([]session.Info, error) {
	return call(ctx, r, func() ([]session.Info, error) {
		infos := make([]session.Info, 0, len(r.sessions))
		for _, e := range r.sessions {
			infos = append(infos, e.store.Info(len(e.observers)))
		}
		sort.Slice(infos, func(i, j int) bool {
			if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
				return infos[i].ID < infos[j].ID
			}
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		})
		return infos, nil
	})
}

// Snapshot returns the same state an attaching observer receives.
func (r *Registry) Snapshot(ctx context.Context, sessionID string) (session.Snapshot, error) {
	return call(ctx, r, func() (session.Snapshot, error) {
		e, err := r.lookup(sessionID)
		if err != nil {
			return session.Snapshot{}, err
		}
		return e.store.Snapshot(), nil
	})
}
