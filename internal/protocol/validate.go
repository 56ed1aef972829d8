package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:     true,
	TypeSessionAttach:     true,
	TypeSessionDetach:     true,
	TypeSessionInput:      true,
	TypeSessionInputDraft: true,
	TypeSessionKill:       true,
	TypeSessionClose:      true,
	TypeSessionInterrupt:  true,
	TypeSessionClear:      true,
	TypeSessionList:       true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	// A listing takes no arguments.
	if msg.Type == TypeSessionList {
		return &msg, nil
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Every other command addresses one session.
	var p SessionIDPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
	}

	// Check the remaining fields decode with the right types.
	var target interface{}
	switch msg.Type {
	case TypeSessionCreate:
		target = &SessionCreatePayload{}
	case TypeSessionInput:
		target = &SessionInputPayload{}
	case TypeSessionInputDraft:
		target = &SessionDraftPayload{}
	case TypeSessionClear:
		target = &SessionClearPayload{}
	}
	if target != nil {
		if err := json.Unmarshal(msg.Payload, target); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
// sessionID may be empty for failures not tied to a session.
func NewErrorMessage(code, message, sessionID string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	})
}
