package protocol

import (
	"encoding/json"
	"fmt"

	"idlecode/internal/session"
)

// FromEvent encodes a session event for the wire.
func FromEvent(ev session.Event) (*Message, error) {
	switch ev.Type {
	case session.EventHistory:
		if ev.Snapshot == nil {
			return nil, fmt.Errorf("%s without snapshot", ev.Type)
		}
		return NewMessage(TypeSessionHistory, ev.Snapshot)
	case session.EventOutput:
		if ev.Entry == nil {
			return nil, fmt.Errorf("%s without entry", ev.Type)
		}
		return NewMessage(TypeSessionOutput, SessionOutputPayload{SessionID: ev.SessionID, Entry: *ev.Entry})
	case session.EventPrompt:
		return NewMessage(TypeSessionPrompt, SessionPromptPayload{
			SessionID:  ev.SessionID,
			Kind:       ev.Prompt,
			PromptText: ev.PromptText,
			Indent:     ev.Indent,
		})
	case session.EventInputPrompt:
		return NewMessage(TypeSessionInputPrompt, SessionInputPromptPayload{SessionID: ev.SessionID, PromptText: ev.PromptText})
	case session.EventExit:
		return NewMessage(TypeSessionExit, SessionExitPayload{SessionID: ev.SessionID, ExitCode: ev.ExitCode})
	case session.EventDraft:
		return NewMessage(TypeSessionInputDraft, SessionDraftEventPayload{SessionID: ev.SessionID, Draft: ev.Draft})
	case session.EventClosed:
		return NewMessage(TypeSessionClosed, SessionIDPayload{SessionID: ev.SessionID})
	case session.EventFileChanged:
		return NewMessage(TypeSessionFileChanged, SessionFileChangedPayload{SessionID: ev.SessionID, Path: ev.Path})
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// ToEvent decodes a server message into a session event. ok is false for
// messages that are not session events, such as errors and listings.
func (m *Message) ToEvent() (ev session.Event, ok bool, err error) {
	ev.Type = session.EventType(m.Type)
	switch ev.Type {
	case session.EventHistory:
		var snap session.Snapshot
		if err := json.Unmarshal(m.Payload, &snap); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", m.Type, err)
		}
		ev.SessionID = snap.ID
		ev.Snapshot = &snap
	case session.EventOutput:
		var p SessionOutputPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", m.Type, err)
		}
		ev.SessionID = p.SessionID
		ev.Entry = &p.Entry
	case session.EventPrompt:
		var p SessionPromptPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", m.Type, err)
		}
		ev.SessionID, ev.Prompt, ev.PromptText, ev.Indent = p.SessionID, p.Kind, p.PromptText, p.Indent
	case session.EventInputPrompt:
		var p SessionInputPromptPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", m.Type, err)
		}
		ev.SessionID, ev.PromptText = p.SessionID, p.PromptText
	case session.EventExit:
		var p SessionExitPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", m.Type, err)
		}
		ev.SessionID, ev.ExitCode = p.SessionID, p.ExitCode
	case session.EventDraft:
		var p SessionDraftEventPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", m.Type, err)
		}
		ev.SessionID, ev.Draft = p.SessionID, p.Draft
	case session.EventClosed:
		var p SessionIDPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", m.Type, err)
		}
		ev.SessionID = p.SessionID
	case session.EventFileChanged:
		var p SessionFileChangedPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", m.Type, err)
		}
		ev.SessionID, ev.Path = p.SessionID, p.Path
	default:
		return session.Event{}, false, nil
	}
	return ev, true, nil
}
