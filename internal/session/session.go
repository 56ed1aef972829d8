package session

import (
	"strings"
	"time"

	"idlecode/internal/framer"
)

// State represents where a session is in its process lifecycle.
type State string

const (
	StateNoProcess     State = "no-process"
	StateStarting      State = "starting"
	StateInteractive   State = "interactive"
	StateAwaitingInput State = "awaiting-input"
)

// EntryKind classifies a history entry.
type EntryKind string

const (
	EntryInput  EntryKind = "input"
	EntryStdout EntryKind = "stdout"
	EntryStderr EntryKind = "stderr"
	EntryMeta   EntryKind = "meta"
)

// Entry is one immutable record of the session's replay log. PromptText is
// set for input entries only: the prompt that was showing when the text
// was submitted.
type Entry struct {
	Kind       EntryKind `json:"kind"`
	Text       string    `json:"text"`
	PromptText string    `json:"promptText,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is the in-memory record of one interactive shell or file run.
// It is owned by a single goroutine and performs no locking.
type Session struct {
	ID        string
	Name      string
	FilePath  string
	CreatedAt time.Time
	State     State

	history  *RingBuffer
	commands []string
	draft    string

	prompt     framer.PromptKind
	promptText string
	indent     int

	awaitingInput bool
	inputPrompt   string
}

// New creates an empty session. historyLimit bounds the replay log.
func New(id, name, filePath string, historyLimit int, now time.Time) *Session {
	if name == "" {
		name = defaultName(filePath)
	}
	return &Session{
		ID:         id,
		Name:       name,
		FilePath:   filePath,
		CreatedAt:  now,
		State:      StateNoProcess,
		history:    NewRingBuffer(historyLimit),
		prompt:     framer.PromptStandard,
		promptText: defaultPromptText,
	}
}

const defaultPromptText = ">>> "

func defaultName(filePath string) string {
	if filePath == "" {
		return "Shell"
	}
	if i := strings.LastIndexAny(filePath, `/\`); i >= 0 {
		return filePath[i+1:]
	}
	return filePath
}

// Append adds an entry to the history.
func (s *Session) Append(e Entry) {
	s.history.Write(e)
}

// History returns the replay log in order.
func (s *Session) History() []Entry {
	return s.history.ReadAll()
}

// PushCommand records a submitted statement. Blank lines, which only end a
// block, are not recorded.
func (s *Session) PushCommand(cmd string) {
	if strings.TrimSpace(cmd) == "" {
		return
	}
	s.commands = append(s.commands, cmd)
}

// Commands returns a copy of the submitted statements.
func (s *Session) Commands() []string {
	return append([]string(nil), s.commands...)
}

func (s *Session) SetDraft(text string) { s.draft = text }

func (s *Session) Draft() string { return s.draft }

// SetPrompt records the prompt the interpreter just printed. Any pending
// free-form input request is over once a prompt appears.
func (s *Session) SetPrompt(kind framer.PromptKind, text string, indent int) {
	s.prompt = kind
	s.promptText = text
	s.indent = indent
	s.awaitingInput = false
	s.inputPrompt = ""
	s.State = StateInteractive
}

// Prompt returns the last prompt kind, its literal text and the suggested
// indent level.
func (s *Session) Prompt() (framer.PromptKind, string, int) {
	return s.prompt, s.promptText, s.indent
}

// SetAwaitingInput marks the child as blocked on a free-form read.
func (s *Session) SetAwaitingInput(promptText string) {
	s.awaitingInput = true
	s.inputPrompt = promptText
	s.State = StateAwaitingInput
}

// ClearAwaitingInput ends a free-form read.
func (s *Session) ClearAwaitingInput() {
	if !s.awaitingInput {
		return
	}
	s.awaitingInput = false
	s.inputPrompt = ""
	s.State = StateInteractive
}

// AwaitingInput returns the literal request text and whether one is pending.
func (s *Session) AwaitingInput() (string, bool) {
	return s.inputPrompt, s.awaitingInput
}

// ActivePromptText is the prompt an input entry is recorded against.
func (s *Session) ActivePromptText() string {
	if s.awaitingInput {
		return s.inputPrompt
	}
	return s.promptText
}

// ResetTransient clears the state tied to a particular process instance.
// Identity, name, history and command history survive.
func (s *Session) ResetTransient() {
	s.draft = ""
	s.prompt = framer.PromptStandard
	s.promptText = defaultPromptText
	s.indent = 0
	s.awaitingInput = false
	s.inputPrompt = ""
}

// ClearHistory empties the replay log.
func (s *Session) ClearHistory() {
	s.history.Reset()
}

// ClearCommands empties the command history.
func (s *Session) ClearCommands() {
	s.commands = nil
}

// Snapshot is the full state an observer needs to render a session.
type Snapshot struct {
	ID            string            `json:"sessionId"`
	Name          string            `json:"name"`
	FilePath      string            `json:"filePath,omitempty"`
	State         State             `json:"state"`
	History       []Entry           `json:"history"`
	Commands      []string          `json:"commands"`
	Draft         string            `json:"draft"`
	Prompt        framer.PromptKind `json:"prompt"`
	PromptText    string            `json:"promptText"`
	Indent        int               `json:"indent"`
	AwaitingInput bool              `json:"awaitingInput"`
	InputPrompt   string            `json:"inputPrompt,omitempty"`
}

// Snapshot copies the session's observable state.
func (s *Session) Snapshot() Snapshot {
	commands := s.Commands()
	if commands == nil {
		commands = []string{}
	}
	return Snapshot{
		ID:            s.ID,
		Name:          s.Name,
		FilePath:      s.FilePath,
		State:         s.State,
		History:       s.History(),
		Commands:      commands,
		Draft:         s.draft,
		Prompt:        s.prompt,
		PromptText:    s.promptText,
		Indent:        s.indent,
		AwaitingInput: s.awaitingInput,
		InputPrompt:   s.inputPrompt,
	}
}

// Info is a summary used for listings.
type Info struct {
	ID        string    `json:"sessionId"`
	Name      string    `json:"name"`
	FilePath  string    `json:"filePath,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	Entries   int       `json:"entries"`
	Observers int       `json:"observers"`
}

// Info summarizes the session. observers is supplied by the registry.
func (s *Session) Info(observers int) Info {
	return Info{
		ID:        s.ID,
		Name:      s.Name,
		FilePath:  s.FilePath,
		State:     s.State,
		CreatedAt: s.CreatedAt,
		Entries:   s.history.Len(),
		Observers: observers,
	}
}
