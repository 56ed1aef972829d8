package session

import "idlecode/internal/framer"

// EventType names an event delivered to observers. The values are the wire
// names used by the realtime protocol.
type EventType string

const (
	EventHistory     EventType = "session-history"
	EventOutput      EventType = "session-output"
	EventPrompt      EventType = "session-prompt"
	EventInputPrompt EventType = "session-input-prompt"
	EventExit        EventType = "session-exit"
	EventDraft       EventType = "session-input-draft"
	EventClosed      EventType = "session-closed"
	EventFileChanged EventType = "session-file-changed"
)

// Event is a state change fanned out to a session's observers. Only the
// fields relevant to Type are set.
type Event struct {
	Type      EventType
	SessionID string

	Snapshot *Snapshot // EventHistory
	Entry    *Entry    // EventOutput

	Prompt     framer.PromptKind // EventPrompt
	PromptText string            // EventPrompt, EventInputPrompt
	Indent     int               // EventPrompt

	Draft    string // EventDraft
	ExitCode int    // EventExit
	Path     string // EventFileChanged
}
