// Package tui is a terminal front end attached to one session. It mirrors
// the session's history, shares the input draft with other attached
// clients and submits input the way the browser client does.
package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"idlecode/internal/framer"
	"idlecode/internal/protocol"
	"idlecode/internal/session"
)

// Sender delivers client messages to the server.
type Sender interface {
	Send(msgType string, payload interface{}) error
}

// Options selects the session to show.
type Options struct {
	SessionID string
	// Create starts the session, running FilePath if set, instead of
	// attaching to an existing one.
	Create   bool
	FilePath string
}

type serverMsg struct{ msg *protocol.Message }

type disconnectedMsg struct{}

func waitForMessage(ch <-chan *protocol.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return serverMsg{msg: msg}
	}
}

// Model is the bubbletea model for an attached session.
type Model struct {
	opts     Options
	sender   Sender
	incoming <-chan *protocol.Message

	viewport viewport.Model
	input    textinput.Model
	width    int
	height   int

	name       string
	state      session.State
	entries    []session.Entry
	commands   []string
	historyPos int
	stash      string

	promptKind  framer.PromptKind
	promptText  string
	awaiting    bool
	inputPrompt string

	status string
	closed bool
}

// New creates a model reading server messages from incoming.
func New(opts Options, sender Sender, incoming <-chan *protocol.Message) Model {
	ti := textinput.New()
	ti.Prompt = ">>> "
	ti.Focus()

	return Model{
		opts:       opts,
		sender:     sender,
		incoming:   incoming,
		viewport:   viewport.New(80, 20),
		input:      ti,
		width:      80,
		height:     24,
		name:       opts.SessionID,
		state:      session.StateNoProcess,
		promptKind: framer.PromptStandard,
		promptText: ">>> ",
	}
}

// Init joins the session and starts listening.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.join, waitForMessage(m.incoming))
}

func (m Model) join() tea.Msg {
	var err error
	if m.opts.Create {
		err = m.sender.Send(protocol.TypeSessionCreate, protocol.SessionCreatePayload{
			SessionID: m.opts.SessionID,
			FilePath:  m.opts.FilePath,
		})
	} else {
		err = m.sender.Send(protocol.TypeSessionAttach, protocol.SessionIDPayload{SessionID: m.opts.SessionID})
	}
	if err != nil {
		return statusMsg(fmt.Sprintf("join failed: %v", err))
	}
	return nil
}

type statusMsg string

// Closed reports whether the session was closed on the server.
func (m Model) Closed() bool {
	return m.closed
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.refresh(true)
		return m, nil

	case statusMsg:
		m.status = string(msg)
		return m, nil

	case disconnectedMsg:
		m.status = "disconnected"
		return m, tea.Quit

	case serverMsg:
		if m.handleServer(msg.msg) {
			return m, tea.Quit
		}
		return m, waitForMessage(m.incoming)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) layout() {
	// One line each for the header, the input and the status.
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
	m.input.Width = m.width - len(m.input.Prompt) - 1
}

// handleServer applies one server message and reports whether the program
// should stop.
func (m *Model) handleServer(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.status = fmt.Sprintf("error: %s", p.Message)
		}
		return false
	case protocol.TypeSessionCreated:
		var p protocol.SessionCreatedPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Error != "" {
			m.status = fmt.Sprintf("start failed: %s", p.Error)
		}
		return false
	}

	ev, ok, err := msg.ToEvent()
	if err != nil {
		m.status = err.Error()
		return false
	}
	if !ok || ev.SessionID != m.opts.SessionID {
		return false
	}

	switch ev.Type {
	case session.EventHistory:
		m.applySnapshot(*ev.Snapshot)
	case session.EventOutput:
		m.entries = append(m.entries, *ev.Entry)
		if ev.Entry.Kind == session.EntryInput && m.awaiting {
			m.awaiting = false
			m.state = session.StateInteractive
			m.updatePrompt()
		}
		m.refresh(false)
	case session.EventPrompt:
		m.awaiting = false
		m.state = session.StateInteractive
		m.promptKind = ev.Prompt
		m.promptText = ev.PromptText
		if ev.Prompt == framer.PromptContinuation && m.input.Value() == "" && ev.Indent > 0 {
			m.input.SetValue(strings.Repeat(" ", ev.Indent*framer.IndentWidth))
			m.input.CursorEnd()
		}
		m.updatePrompt()
	case session.EventInputPrompt:
		m.awaiting = true
		m.inputPrompt = ev.PromptText
		m.state = session.StateAwaitingInput
		m.updatePrompt()
	case session.EventExit:
		m.state = session.StateNoProcess
		m.awaiting = false
		m.status = fmt.Sprintf("process exited with code %d", ev.ExitCode)
		m.updatePrompt()
	case session.EventDraft:
		if m.input.Value() != ev.Draft {
			m.input.SetValue(ev.Draft)
			m.input.CursorEnd()
		}
	case session.EventFileChanged:
		m.status = fmt.Sprintf("%s changed on disk", ev.Path)
	case session.EventClosed:
		m.closed = true
		m.status = "session closed"
		return true
	}
	return false
}

func (m *Model) applySnapshot(snap session.Snapshot) {
	m.name = snap.Name
	m.state = snap.State
	m.entries = append([]session.Entry(nil), snap.History...)
	m.commands = append([]string(nil), snap.Commands...)
	m.historyPos = len(m.commands)
	m.stash = ""
	m.promptKind = snap.Prompt
	m.promptText = snap.PromptText
	m.awaiting = snap.AwaitingInput
	m.inputPrompt = snap.InputPrompt
	m.input.SetValue(snap.Draft)
	m.input.CursorEnd()
	m.status = ""
	m.updatePrompt()
	m.refresh(true)
}

func (m *Model) updatePrompt() {
	switch {
	case m.awaiting:
		m.input.Prompt = m.inputPrompt
	case m.state == session.StateNoProcess:
		m.input.Prompt = "[no process] "
	default:
		m.input.Prompt = m.promptText
	}
	m.layout()
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlD:
		m.send(protocol.TypeSessionDetach, protocol.SessionIDPayload{SessionID: m.opts.SessionID})
		return m, tea.Quit
	case tea.KeyCtrlC:
		m.send(protocol.TypeSessionInterrupt, protocol.SessionIDPayload{SessionID: m.opts.SessionID})
		return m, nil
	case tea.KeyCtrlK:
		m.send(protocol.TypeSessionKill, protocol.SessionIDPayload{SessionID: m.opts.SessionID})
		return m, nil
	case tea.KeyCtrlL:
		m.send(protocol.TypeSessionClear, protocol.SessionClearPayload{SessionID: m.opts.SessionID})
		return m, nil
	case tea.KeyEnter:
		m.submit()
		return m, nil
	case tea.KeyUp:
		if !m.awaiting {
			m.recall(-1)
		}
		return m, nil
	case tea.KeyDown:
		if !m.awaiting {
			m.recall(1)
		}
		return m, nil
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if after := m.input.Value(); after != before {
		m.sendDraft(after)
	}
	return m, cmd
}

func (m *Model) submit() {
	text := m.input.Value()
	m.send(protocol.TypeSessionInput, protocol.SessionInputPayload{
		SessionID:       m.opts.SessionID,
		Text:            text,
		IsInputResponse: m.awaiting,
	})
	if !m.awaiting && strings.TrimSpace(text) != "" {
		m.commands = append(m.commands, text)
	}
	m.historyPos = len(m.commands)
	m.stash = ""
	m.input.SetValue("")
}

// recall steps through submitted commands. The line being edited is kept
// aside while browsing and restored past the newest command.
func (m *Model) recall(step int) {
	pos := m.historyPos + step
	if pos < 0 || pos > len(m.commands) {
		return
	}
	if m.historyPos == len(m.commands) {
		m.stash = m.input.Value()
	}
	m.historyPos = pos

	value := m.stash
	if pos < len(m.commands) {
		value = m.commands[pos]
	}
	m.input.SetValue(value)
	m.input.CursorEnd()
	m.sendDraft(value)
}

func (m *Model) sendDraft(text string) {
	m.send(protocol.TypeSessionInputDraft, protocol.SessionDraftPayload{SessionID: m.opts.SessionID, Text: text})
}

func (m *Model) send(msgType string, payload interface{}) {
	if err := m.sender.Send(msgType, payload); err != nil {
		m.status = fmt.Sprintf("send failed: %v", err)
	}
}

func (m *Model) refresh(forceBottom bool) {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderEntries(m.entries))
	if forceBottom || atBottom {
		m.viewport.GotoBottom()
	}
}

func renderEntries(entries []session.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		switch e.Kind {
		case session.EntryInput:
			b.WriteString(promptStyle.Render(e.PromptText))
			b.WriteString(inputStyle.Render(e.Text))
			b.WriteByte('\n')
		case session.EntryStderr:
			writeStyled(&b, stderrStyle, e.Text)
		case session.EntryMeta:
			writeStyled(&b, metaStyle, e.Text)
		default:
			writeStyled(&b, stdoutStyle, e.Text)
		}
	}
	return b.String()
}

func writeStyled(b *strings.Builder, style lipgloss.Style, text string) {
	trimmed := strings.TrimSuffix(text, "\n")
	if trimmed != "" {
		b.WriteString(style.Render(trimmed))
	}
	if len(trimmed) != len(text) {
		b.WriteByte('\n')
	}
}

// View implements tea.Model.
func (m Model) View() string {
	header := headerStyle.Render(m.name) + stateStyle.Render(string(m.state))
	return strings.Join([]string{
		header,
		m.viewport.View(),
		m.input.View(),
		statusStyle.Render(m.status),
	}, "\n")
}
