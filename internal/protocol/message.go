package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"idlecode/internal/framer"
	"idlecode/internal/session"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionHistory     = string(session.EventHistory)
	TypeSessionOutput      = string(session.EventOutput)
	TypeSessionPrompt      = string(session.EventPrompt)
	TypeSessionInputPrompt = string(session.EventInputPrompt)
	TypeSessionExit        = string(session.EventExit)
	TypeSessionClosed      = string(session.EventClosed)
	TypeSessionFileChanged = string(session.EventFileChanged)
	TypeSessionCreated     = "session-created"
	TypeError              = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate    = "session-create"
	TypeSessionAttach    = "session-attach"
	TypeSessionDetach    = "session-detach"
	TypeSessionInput     = "session-input"
	TypeSessionKill      = "session-kill"
	TypeSessionClose     = "session-close"
	TypeSessionInterrupt = "session-interrupt"
	TypeSessionClear     = "session-clear"
)

// Both directions: drafts are echoed, listings are answered in kind.
const (
	TypeSessionInputDraft = string(session.EventDraft)
	TypeSessionList       = "session-list"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrNoProcess       = "NO_PROCESS"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrInternal        = "INTERNAL"
)

// Server → Client payloads.

type SessionOutputPayload struct {
	SessionID string        `json:"sessionId"`
	Entry     session.Entry `json:"entry"`
}

type SessionPromptPayload struct {
	SessionID  string            `json:"sessionId"`
	Kind       framer.PromptKind `json:"kind"`
	PromptText string            `json:"promptText"`
	Indent     int               `json:"indent"`
}

type SessionInputPromptPayload struct {
	SessionID  string `json:"sessionId"`
	PromptText string `json:"promptText"`
}

type SessionExitPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type SessionDraftEventPayload struct {
	SessionID string `json:"sessionId"`
	Draft     string `json:"draft"`
}

type SessionFileChangedPayload struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type SessionListPayload struct {
	Sessions []session.Info `json:"sessions"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	SessionID string `json:"sessionId"`
	FilePath  string `json:"filePath,omitempty"`
	Name      string `json:"name,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionInputPayload struct {
	SessionID       string `json:"sessionId"`
	Text            string `json:"text"`
	IsInputResponse bool   `json:"isInputResponse,omitempty"`
}

type SessionDraftPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// SessionClearPayload selects what to clear. Omitting both clears the
// output history only.
type SessionClearPayload struct {
	SessionID string `json:"sessionId"`
	History   *bool  `json:"history,omitempty"`
	Commands  *bool  `json:"commands,omitempty"`
}

// Targets resolves the optional flags.
func (p SessionClearPayload) Targets() (history, commands bool) {
	if p.History == nil && p.Commands == nil {
		return true, false
	}
	return p.History != nil && *p.History, p.Commands != nil && *p.Commands
}
