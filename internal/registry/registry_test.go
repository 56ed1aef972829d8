package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idlecode/internal/framer"
	"idlecode/internal/session"
)

func TestAttachDeliversSnapshotBeforeLaterOutput(t *testing.T) {
	h := newHarness(t)
	hd := h.create(t, "s1", nil)

	h.stdout(hd, "one\n")
	h.stdout(hd, "two\n")
	h.stdout(hd, "three\n")

	obs := newRecorder("late")
	found, err := h.reg.Attach(h.ctx, "s1", obs)
	require.NoError(t, err)
	require.True(t, found)

	h.stdout(hd, "four\n")

	first := obs.next(t)
	require.Equal(t, session.EventHistory, first.Type)
	require.NotNil(t, first.Snapshot)
	require.Len(t, first.Snapshot.History, 3)
	assert.Equal(t, "one\n", first.Snapshot.History[0].Text)
	assert.Equal(t, "three\n", first.Snapshot.History[2].Text)

	assert.Equal(t, "four\n", obs.nextOutput(t).Text)
}

func TestAttachUnknownSessionIsNoop(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")

	found, err := h.reg.Attach(h.ctx, "missing", obs)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, obs.pending())

	infos, err := h.reg.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestAttachTwiceResendsSnapshotOnly(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	_, err := h.reg.Attach(h.ctx, "s1", obs)
	require.NoError(t, err)
	assert.Equal(t, session.EventHistory, obs.next(t).Type)

	h.stdout(hd, "once\n")
	assert.Equal(t, "once\n", obs.nextOutput(t).Text)
	h.sync(t)
	assert.Zero(t, obs.pending(), "a re-attached observer is registered once")
}

func TestStandardPromptFlushesPrecedingStderr(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	h.stderr(hd, "Traceback (most recent call last):\nNameError: x\n>>> ")

	ent := obs.nextOutput(t)
	assert.Equal(t, session.EntryStderr, ent.Kind)
	assert.Equal(t, "Traceback (most recent call last):\nNameError: x\n", ent.Text)

	ev := obs.next(t)
	assert.Equal(t, session.EventPrompt, ev.Type)
	assert.Equal(t, framer.PromptStandard, ev.Prompt)
	assert.Equal(t, ">>> ", ev.PromptText)

	snap, err := h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateInteractive, snap.State)
}

func TestExactPromptProducesNoStderrEntry(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	h.stderr(hd, ">>> ")
	ev := obs.next(t)
	assert.Equal(t, session.EventPrompt, ev.Type)

	h.sync(t)
	assert.Zero(t, obs.pending())
	snap, err := h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, snap.History)
}

func TestContinuationPromptCarriesIndent(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	require.NoError(t, h.reg.Input(h.ctx, "s1", "if x:", false, obs.ID()))
	assert.Equal(t, session.EntryInput, obs.nextOutput(t).Kind)

	h.stderr(hd, "... ")
	ev := obs.next(t)
	require.Equal(t, session.EventPrompt, ev.Type)
	assert.Equal(t, framer.PromptContinuation, ev.Prompt)
	assert.Equal(t, 1, ev.Indent)

	require.NoError(t, h.reg.Input(h.ctx, "s1", "    y = 1", false, obs.ID()))
	obs.nextOutput(t)
	h.stderr(hd, "... ")
	ev = obs.next(t)
	assert.Equal(t, 1, ev.Indent)

	require.NoError(t, h.reg.Input(h.ctx, "s1", "", false, obs.ID()))
	obs.nextOutput(t)
	h.stderr(hd, ">>> ")
	ev = obs.next(t)
	assert.Equal(t, framer.PromptStandard, ev.Prompt)
	assert.Zero(t, ev.Indent)

	_, writes, _, _ := h.procs.snapshot()
	assert.Equal(t, []string{"if x:", "    y = 1", ""}, writes)
	snap, err := h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"if x:", "    y = 1"}, snap.Commands)
}

func TestInputRequestAfterQuiescence(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	h.stdout(hd, "Enter name: ")
	h.clock.WaitForTimers(1)
	h.clock.Advance(50 * time.Millisecond)

	ev := obs.next(t)
	require.Equal(t, session.EventInputPrompt, ev.Type)
	assert.Equal(t, "Enter name: ", ev.PromptText)

	snap, err := h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, snap.History, "an input request is not a stdout entry")
	assert.True(t, snap.AwaitingInput)
	assert.Equal(t, session.StateAwaitingInput, snap.State)

	require.NoError(t, h.reg.Input(h.ctx, "s1", "Bob", false, obs.ID()))
	ent := obs.nextOutput(t)
	assert.Equal(t, session.EntryInput, ent.Kind)
	assert.Equal(t, "Bob", ent.Text)
	assert.Equal(t, "Enter name: ", ent.PromptText)

	snap, err = h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, snap.Commands, "answers are not statements")
	assert.False(t, snap.AwaitingInput)
}

func TestNewlineCancelsQuiescenceTimer(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	h.stdout(hd, "partial ")
	h.stdout(hd, "line\n")

	ent := obs.nextOutput(t)
	assert.Equal(t, session.EntryStdout, ent.Kind)
	assert.Equal(t, "partial line\n", ent.Text)

	assert.Zero(t, h.clock.PendingCount())
	h.clock.Advance(time.Second)
	h.sync(t)
	assert.Zero(t, obs.pending())
}

func TestQuiescenceTimerIsRearmedByEachChunk(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	h.stdout(hd, "Name")
	h.sync(t)
	h.clock.Advance(30 * time.Millisecond)
	h.stdout(hd, "? ")
	h.sync(t)
	h.clock.Advance(30 * time.Millisecond)
	h.sync(t)
	assert.Zero(t, obs.pending(), "window restarts with each chunk")

	h.clock.Advance(20 * time.Millisecond)
	ev := obs.next(t)
	assert.Equal(t, session.EventInputPrompt, ev.Type)
	assert.Equal(t, "Name? ", ev.PromptText)
}

func TestInputResponseFlagSkipsCommandHistory(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	h.create(t, "s1", obs)

	require.NoError(t, h.reg.Input(h.ctx, "s1", "secret", true, obs.ID()))
	obs.nextOutput(t)

	snap, err := h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, snap.Commands)
	_, writes, _, _ := h.procs.snapshot()
	assert.Equal(t, []string{"secret"}, writes)
}

func TestForceCreatePreservesHistoryAndCommands(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	require.NoError(t, h.reg.Input(h.ctx, "s1", "x = 1", false, obs.ID()))
	obs.nextOutput(t)
	h.stdout(hd, "out\n")
	obs.nextOutput(t)
	h.stderr(hd, "... ")
	obs.next(t)
	require.NoError(t, h.reg.Draft(h.ctx, "s1", "half typed", "someone-else"))
	assert.Equal(t, "half typed", obs.next(t).Draft)

	before, err := h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)
	require.Len(t, before.History, 2)

	res, err := h.reg.Create(h.ctx, CreateRequest{SessionID: "s1", Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusRestarted, res.Status)

	ev := obs.next(t)
	require.Equal(t, session.EventHistory, ev.Type)
	snap := ev.Snapshot
	assert.Len(t, snap.History, len(before.History), "restart appends nothing")
	assert.Equal(t, []string{"x = 1"}, snap.Commands)
	assert.Empty(t, snap.Draft)
	assert.Equal(t, framer.PromptStandard, snap.Prompt)
	assert.Equal(t, ">>> ", snap.PromptText)
	assert.Zero(t, snap.Indent)
	assert.NotSame(t, hd, h.procs.handle("s1"))
}

func TestCreateLiveSessionWithoutForceIsNoop(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	h.create(t, "s1", obs)

	res, err := h.reg.Create(h.ctx, CreateRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyActive, res.Status)

	h.sync(t)
	assert.Zero(t, obs.pending())
	starts, _, _, _ := h.procs.snapshot()
	assert.Len(t, starts, 1)
}

func TestStaleExitAfterRestartIsDropped(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	old := h.create(t, "s1", obs)

	_, err := h.reg.Create(h.ctx, CreateRequest{SessionID: "s1", Force: true})
	require.NoError(t, err)
	assert.Equal(t, session.EventHistory, obs.next(t).Type)
	current := h.procs.handle("s1")

	h.stdout(old, "late output from the old child\n")
	h.exit(old, -9)
	h.sync(t)
	assert.Zero(t, obs.pending(), "superseded process events are dropped")

	h.exit(current, 0)
	ent := obs.nextOutput(t)
	assert.Equal(t, session.EntryMeta, ent.Kind)
	ev := obs.next(t)
	assert.Equal(t, session.EventExit, ev.Type)
	assert.Zero(t, ev.ExitCode)
	h.sync(t)
	assert.Zero(t, obs.pending())
}

func TestCreateAfterKillStartsNewProcess(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	old := h.create(t, "7", obs)

	require.NoError(t, h.reg.Kill(h.ctx, "7"))
	res, err := h.reg.Create(h.ctx, CreateRequest{SessionID: "7"})
	require.NoError(t, err)
	assert.Equal(t, StatusRestarted, res.Status)
	assert.Equal(t, session.EventHistory, obs.next(t).Type)

	starts, _, _, _ := h.procs.snapshot()
	assert.Equal(t, []string{"7:", "7:"}, starts)
	current := h.procs.handle("7")
	require.NotSame(t, old, current)

	h.exit(old, -15)
	h.sync(t)
	assert.Zero(t, obs.pending(), "the killed process's exit is dropped")

	snap, err := h.reg.Snapshot(h.ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, session.StateStarting, snap.State)
}

func TestExitFlushesBuffersAndKeepsSession(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	h.stdout(hd, "no newline")
	h.exit(hd, 3)

	ent := obs.nextOutput(t)
	assert.Equal(t, session.EntryStdout, ent.Kind)
	assert.Equal(t, "no newline", ent.Text)

	ent = obs.nextOutput(t)
	assert.Equal(t, session.EntryMeta, ent.Kind)
	assert.Equal(t, "[Process exited with code 3]\n", ent.Text)

	ev := obs.next(t)
	assert.Equal(t, session.EventExit, ev.Type)
	assert.Equal(t, 3, ev.ExitCode)

	h.clock.Advance(time.Second)
	h.sync(t)
	assert.Zero(t, obs.pending(), "pending quiescence timer was cancelled")

	snap, err := h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateNoProcess, snap.State)
}

func TestDraftEchoExcludesWriter(t *testing.T) {
	h := newHarness(t)
	a := newRecorder("a")
	b := newRecorder("b")
	h.create(t, "s1", a)
	_, err := h.reg.Attach(h.ctx, "s1", b)
	require.NoError(t, err)
	b.next(t)

	require.NoError(t, h.reg.Draft(h.ctx, "s1", "pri", "a"))
	ev := b.next(t)
	assert.Equal(t, session.EventDraft, ev.Type)
	assert.Equal(t, "pri", ev.Draft)
	assert.Equal(t, "s1", ev.SessionID)

	require.NoError(t, h.reg.Draft(h.ctx, "s1", "print", "b"))
	assert.Equal(t, "print", a.next(t).Draft)

	h.sync(t)
	assert.Zero(t, a.pending())
	assert.Zero(t, b.pending())

	snap, err := h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "print", snap.Draft)
}

func TestSubmitClearsDraftForOtherObservers(t *testing.T) {
	h := newHarness(t)
	a := newRecorder("a")
	b := newRecorder("b")
	h.create(t, "s1", a)
	_, err := h.reg.Attach(h.ctx, "s1", b)
	require.NoError(t, err)
	b.next(t)

	require.NoError(t, h.reg.Input(h.ctx, "s1", "1 + 1", false, "a"))
	assert.Equal(t, session.EntryInput, a.nextOutput(t).Kind)
	assert.Equal(t, session.EntryInput, b.nextOutput(t).Kind)

	ev := b.next(t)
	assert.Equal(t, session.EventDraft, ev.Type)
	assert.Empty(t, ev.Draft)
	h.sync(t)
	assert.Zero(t, a.pending())
}

func TestSessionsAreIsolated(t *testing.T) {
	h := newHarness(t)
	a := newRecorder("a")
	b := newRecorder("b")
	h1 := h.create(t, "s1", a)
	h2 := h.create(t, "s2", b)

	h.stdout(h1, "for s1\n")
	h.stdout(h2, "for s2\n")

	assert.Equal(t, "for s1\n", a.nextOutput(t).Text)
	assert.Equal(t, "for s2\n", b.nextOutput(t).Text)
	h.sync(t)
	assert.Zero(t, a.pending())
	assert.Zero(t, b.pending())
}

func TestUnreachableObserverIsDetachedEverywhere(t *testing.T) {
	h := newHarness(t)
	gone := newRecorder("gone")
	stays := newRecorder("stays")
	h1 := h.create(t, "s1", gone)
	h.create(t, "s2", stays)
	_, err := h.reg.Attach(h.ctx, "s2", gone)
	require.NoError(t, err)
	gone.next(t)

	gone.refuse.Store(true)
	h.stdout(h1, "x\n")
	h.sync(t)

	infos, err := h.reg.List(h.ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "s1", infos[0].ID)
	assert.Zero(t, infos[0].Observers)
	assert.Equal(t, 1, infos[1].Observers)
}

func TestDetach(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)

	require.NoError(t, h.reg.Detach(h.ctx, "s1", "o"))
	h.stdout(hd, "unseen\n")
	h.sync(t)
	assert.Zero(t, obs.pending())
}

func TestAutoRestartOnDeadProcess(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoRestart = true })
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)
	h.exit(hd, 0)
	obs.nextOutput(t)
	obs.next(t)

	require.NoError(t, h.reg.Input(h.ctx, "s1", "print(1)", false, obs.ID()))
	assert.Equal(t, session.EntryInput, obs.nextOutput(t).Kind)
	assert.Equal(t, "[No process running, restarting]\n", obs.nextOutput(t).Text)
	ev := obs.next(t)
	require.Equal(t, session.EventHistory, ev.Type)
	assert.Equal(t, session.StateStarting, ev.Snapshot.State)

	starts, writes, _, _ := h.procs.snapshot()
	assert.Len(t, starts, 2)
	assert.Equal(t, []string{"print(1)"}, writes)
}

func TestWriteWithoutProcessLeavesMetaEntry(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)
	h.exit(hd, 1)
	obs.nextOutput(t)
	obs.next(t)

	require.NoError(t, h.reg.Input(h.ctx, "s1", "x", false, obs.ID()))
	obs.nextOutput(t)
	ent := obs.nextOutput(t)
	assert.Equal(t, session.EntryMeta, ent.Kind)
	assert.Equal(t, "[No process running]\n", ent.Text)

	starts, _, _, _ := h.procs.snapshot()
	assert.Len(t, starts, 1)
}

func TestSpawnFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.procs.setStartErr(errors.New("exec: \"python3\": not found"))

	obs := newRecorder("o")
	res, err := h.reg.Create(h.ctx, CreateRequest{SessionID: "s1", Observer: obs})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "not found")

	ev := obs.next(t)
	require.Equal(t, session.EventHistory, ev.Type)
	require.Len(t, ev.Snapshot.History, 1)
	assert.Equal(t, session.EntryMeta, ev.Snapshot.History[0].Kind)
	assert.Equal(t, session.StateNoProcess, ev.Snapshot.State)

	res, err = h.reg.Create(h.ctx, CreateRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, StatusRestarted, res.Status)
}

func TestCloseNotifiesAndForgets(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	res, err := h.reg.Create(h.ctx, CreateRequest{SessionID: "s1", FilePath: "/src/demo.py", Observer: obs})
	require.NoError(t, err)
	require.Equal(t, StatusStarted, res.Status)
	obs.next(t)
	hd := h.procs.handle("s1")

	require.NoError(t, h.reg.Close(h.ctx, "s1"))
	assert.Equal(t, session.EventClosed, obs.next(t).Type)

	_, _, killed, _ := h.procs.snapshot()
	assert.Equal(t, []string{"s1"}, killed)
	assert.Equal(t, []string{"s1"}, h.watch.unwatched)

	_, err = h.reg.Snapshot(h.ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	h.exit(hd, -1)
	h.sync(t)
	assert.Zero(t, obs.pending())

	assert.ErrorIs(t, h.reg.Close(h.ctx, "s1"), ErrNotFound)
}

func TestKillKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", nil)

	require.NoError(t, h.reg.Kill(h.ctx, "s1"))
	_, err := h.reg.Snapshot(h.ctx, "s1")
	require.NoError(t, err)

	assert.ErrorIs(t, h.reg.Kill(h.ctx, "nope"), ErrNotFound)
}

func TestInterrupt(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", nil)

	require.NoError(t, h.reg.Interrupt(h.ctx, "s1"))
	_, _, _, interrupted := h.procs.snapshot()
	assert.Equal(t, []string{"s1"}, interrupted)
}

func TestClear(t *testing.T) {
	h := newHarness(t)
	obs := newRecorder("o")
	hd := h.create(t, "s1", obs)
	require.NoError(t, h.reg.Input(h.ctx, "s1", "a = 1", false, obs.ID()))
	obs.nextOutput(t)
	h.stdout(hd, "x\n")
	obs.nextOutput(t)

	require.NoError(t, h.reg.Clear(h.ctx, "s1", true, false))
	ev := obs.next(t)
	require.Equal(t, session.EventHistory, ev.Type)
	assert.Empty(t, ev.Snapshot.History)
	assert.Equal(t, []string{"a = 1"}, ev.Snapshot.Commands)

	require.NoError(t, h.reg.Clear(h.ctx, "s1", false, true))
	ev = obs.next(t)
	assert.Empty(t, ev.Snapshot.Commands)
}

func TestFileChangedRerunsFileSession(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RerunOnChange = true })
	obs := newRecorder("o")
	_, err := h.reg.Create(h.ctx, CreateRequest{SessionID: "f", FilePath: "/src/demo.py", Observer: obs})
	require.NoError(t, err)
	obs.next(t)
	assert.Equal(t, "/src/demo.py", h.watch.watched["f"])

	require.NoError(t, h.reg.FileChanged(h.ctx, "f", "/src/demo.py"))
	ev := obs.next(t)
	assert.Equal(t, session.EventFileChanged, ev.Type)
	assert.Equal(t, "/src/demo.py", ev.Path)
	assert.Equal(t, session.EventHistory, obs.next(t).Type)

	starts, _, _, _ := h.procs.snapshot()
	assert.Equal(t, []string{"f:/src/demo.py", "f:/src/demo.py"}, starts)
}

func TestCreateWithNewFileMovesWatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Create(h.ctx, CreateRequest{SessionID: "f", FilePath: "/src/a.py"})
	require.NoError(t, err)

	_, err = h.reg.Create(h.ctx, CreateRequest{SessionID: "f", FilePath: "/src/a.py", Force: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"f:/src/a.py"}, h.watch.watches, "same file is not watched twice")

	res, err := h.reg.Create(h.ctx, CreateRequest{SessionID: "f", FilePath: "/src/b.py", Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusRestarted, res.Status)
	assert.Equal(t, []string{"f:/src/a.py", "f:/src/b.py"}, h.watch.watches)
	assert.Equal(t, "/src/b.py", h.watch.watched["f"])

	snap, err := h.reg.Snapshot(h.ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "/src/b.py", snap.FilePath)

	starts, _, _, _ := h.procs.snapshot()
	assert.Equal(t, []string{"f:/src/a.py", "f:/src/a.py", "f:/src/b.py"}, starts)
}

func TestOperationsAfterStopReturnErrClosed(t *testing.T) {
	reg := New(newFakeProcs(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	cancel()
	<-reg.Done()

	_, err := reg.Create(context.Background(), CreateRequest{SessionID: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}
