package framer

// PromptKind names the interactive-input state the interpreter reported.
type PromptKind string

const (
	// PromptStandard means the interpreter is ready for a new statement.
	PromptStandard PromptKind = "standard"
	// PromptContinuation means the interpreter is mid-block and expects more input.
	PromptContinuation PromptKind = "continuation"
)

// EventType distinguishes the semantic events recovered from the raw streams.
type EventType int

const (
	// EventStdout is a newline-terminated chunk of standard output.
	EventStdout EventType = iota
	// EventStderr is error output that is not part of a prompt.
	EventStderr
	// EventPrompt reports a detected interpreter prompt.
	EventPrompt
	// EventInputRequest reports unterminated stdout that went quiet, i.e. the
	// child is blocked reading a free-form answer.
	EventInputRequest
)

func (t EventType) String() string {
	switch t {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventPrompt:
		return "prompt"
	case EventInputRequest:
		return "input-request"
	default:
		return "unknown"
	}
}

// Event is a single framed event. Text holds the output text, the literal
// prompt for EventPrompt, or the literal request for EventInputRequest.
type Event struct {
	Type   EventType
	Text   string
	Prompt PromptKind
}
