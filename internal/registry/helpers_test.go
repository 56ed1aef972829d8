package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"idlecode/internal/clock"
	"idlecode/internal/session"
	"idlecode/internal/supervisor"
)

const waitTimeout = 2 * time.Second

// fakeProcs is a scripted Processes. Events are pushed by the test through
// an unbuffered channel, so once an emit returns the control loop owns it.
type fakeProcs struct {
	events chan supervisor.Event

	mu          sync.Mutex
	current     map[string]*supervisor.Handle
	starts      []string
	writes      []string
	killed      []string
	interrupted []string
	startErr    error
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		events:  make(chan supervisor.Event),
		current: make(map[string]*supervisor.Handle),
	}
}

func (f *fakeProcs) Start(_ context.Context, id, filePath string, force bool) (*supervisor.Handle, supervisor.StartStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h := f.current[id]; h != nil && !force {
		return h, supervisor.StatusAlreadyActive, nil
	}
	delete(f.current, id)
	if err := f.startErr; err != nil {
		f.startErr = nil
		return nil, "", err
	}
	h := &supervisor.Handle{SessionID: id}
	f.current[id] = h
	f.starts = append(f.starts, id+":"+filePath)
	return h, supervisor.StatusStarted, nil
}

func (f *fakeProcs) Write(id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current[id] == nil {
		return supervisor.ErrNoProcess
	}
	f.writes = append(f.writes, text)
	return nil
}

func (f *fakeProcs) Kill(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current[id] == nil {
		return supervisor.ErrNoProcess
	}
	f.killed = append(f.killed, id)
	// A killed child is no longer live, though its exit is still to come.
	delete(f.current, id)
	return nil
}

func (f *fakeProcs) Interrupt(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current[id] == nil {
		return supervisor.ErrNoProcess
	}
	f.interrupted = append(f.interrupted, id)
	return nil
}

func (f *fakeProcs) Release(h *supervisor.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current[h.SessionID] == h {
		delete(f.current, h.SessionID)
	}
}

func (f *fakeProcs) Events() <-chan supervisor.Event { return f.events }
func (f *fakeProcs) Shutdown(context.Context)        {}

func (f *fakeProcs) handle(id string) *supervisor.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[id]
}

func (f *fakeProcs) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeProcs) snapshot() (starts, writes, killed, interrupted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := func(s []string) []string { return append([]string(nil), s...) }
	return cp(f.starts), cp(f.writes), cp(f.killed), cp(f.interrupted)
}

// fakeWatcher records watch requests.
type fakeWatcher struct {
	mu        sync.Mutex
	watched   map[string]string
	watches   []string
	unwatched []string
}

func (w *fakeWatcher) Watch(id, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched == nil {
		w.watched = make(map[string]string)
	}
	w.watched[id] = path
	w.watches = append(w.watches, id+":"+path)
	return nil
}

func (w *fakeWatcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatched = append(w.unwatched, id)
}

// recorder is an Observer that queues everything it receives.
type recorder struct {
	id     string
	events chan session.Event
	refuse atomic.Bool
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, events: make(chan session.Event, 256)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(ev session.Event) bool {
	if r.refuse.Load() {
		return false
	}
	select {
	case r.events <- ev:
		return true
	default:
		return false
	}
}

func (r *recorder) next(t *testing.T) session.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("observer %s: timed out waiting for event", r.id)
		return session.Event{}
	}
}

func (r *recorder) nextOutput(t *testing.T) session.Entry {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, session.EventOutput, ev.Type, "unexpected event %+v", ev)
	require.NotNil(t, ev.Entry)
	return *ev.Entry
}

func (r *recorder) pending() int { return len(r.events) }

type harness struct {
	reg   *Registry
	procs *fakeProcs
	clock *clock.FakeClock
	watch *fakeWatcher
	ctx   context.Context
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	procs := newFakeProcs()
	fc := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	watch := &fakeWatcher{}
	opts := Options{
		Quiescence: 50 * time.Millisecond,
		Clock:      fc,
		Watcher:    watch,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, c := range configure {
		c(&opts)
	}
	reg := New(procs, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-reg.Done()
	})
	return &harness{reg: reg, procs: procs, clock: fc, watch: watch, ctx: context.Background()}
}

// create makes a session with obs attached and consumes its snapshot.
func (h *harness) create(t *testing.T, id string, obs *recorder) *supervisor.Handle {
	t.Helper()
	req := CreateRequest{SessionID: id}
	if obs != nil {
		req.Observer = obs
	}
	res, err := h.reg.Create(h.ctx, req)
	require.NoError(t, err)
	require.Equal(t, StatusStarted, res.Status)
	if obs != nil {
		require.Equal(t, session.EventHistory, obs.next(t).Type)
	}
	return h.procs.handle(id)
}

func (h *harness) stdout(hd *supervisor.Handle, data string) {
	h.procs.events <- supervisor.Event{Type: supervisor.EventStdout, SessionID: hd.SessionID, Handle: hd, Data: data}
}

func (h *harness) stderr(hd *supervisor.Handle, data string) {
	h.procs.events <- supervisor.Event{Type: supervisor.EventStderr, SessionID: hd.SessionID, Handle: hd, Data: data}
}

func (h *harness) exit(hd *supervisor.Handle, code int) {
	h.procs.events <- supervisor.Event{Type: supervisor.EventExit, SessionID: hd.SessionID, Handle: hd, ExitCode: code}
}

// sync waits until the control loop has finished everything queued so far.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	_, err := h.reg.List(h.ctx)
	require.NoError(t, err)
}
