// Package framer recovers discrete events from the unframed stdout and
// stderr byte streams of an interactive interpreter.
//
// The interpreter's terminal model mixes ordinary output, prompts and
// free-form input requests with no delimiters. A Framer uses two heuristics:
// prompts are recognised by matching the tail of the error stream against a
// rule list, and input requests are stdout text with no trailing newline
// after which the stream goes quiet. The quiet period itself is measured by
// the caller: Stdout reports whether text is pending and Quiesce reclassifies
// it once the caller's timer expires.
//
// A Framer is not safe for concurrent use; one goroutine owns it.
package framer

import "strings"

// Framer holds the partial-line buffers of one session.
type Framer struct {
	matcher *Matcher
	stdout  strings.Builder
	stderr  strings.Builder
}

// New returns a Framer using m for prompt detection. A nil m selects
// DefaultMatcher.
func New(m *Matcher) *Framer {
	if m == nil {
		m = DefaultMatcher()
	}
	return &Framer{matcher: m}
}

// Stdout consumes a chunk of standard output. It returns the events the
// chunk completes and whether unterminated text remains buffered, in which
// case the caller should (re)arm its quiescence timer.
func (f *Framer) Stdout(chunk string) (events []Event, pending bool) {
	if chunk == "" {
		return nil, f.stdout.Len() > 0
	}
	f.stdout.WriteString(chunk)

	buf := f.stdout.String()
	if strings.HasSuffix(buf, "\n") {
		f.stdout.Reset()
		return []Event{{Type: EventStdout, Text: buf}}, false
	}
	return nil, true
}

// Quiesce is called when no stdout arrived for the quiescence window. Any
// unterminated text still buffered is the child asking for input.
func (f *Framer) Quiesce() []Event {
	buf := f.stdout.String()
	if buf == "" || strings.HasSuffix(buf, "\n") {
		return nil
	}
	f.stdout.Reset()
	return []Event{{Type: EventInputRequest, Text: buf}}
}

// Stderr consumes a chunk of error output.
func (f *Framer) Stderr(chunk string) []Event {
	chunk = StripControl(chunk)
	if chunk == "" {
		return nil
	}
	f.stderr.WriteString(chunk)
	buf := f.stderr.String()

	if kind, start, ok := f.matcher.Match(buf); ok {
		f.stderr.Reset()
		var events []Event
		if start > 0 {
			events = append(events, Event{Type: EventStderr, Text: buf[:start]})
		}
		return append(events, Event{Type: EventPrompt, Text: buf[start:], Prompt: kind})
	}

	// Release complete lines right away and hold back only the tail, which
	// may be the first half of a prompt.
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		return nil
	}
	f.stderr.Reset()
	f.stderr.WriteString(buf[idx+1:])
	return []Event{{Type: EventStderr, Text: buf[:idx+1]}}
}

// Flush drains both buffers as ordinary output. It is used when the process
// exits and nothing more can arrive.
func (f *Framer) Flush() []Event {
	var events []Event
	if f.stdout.Len() > 0 {
		events = append(events, Event{Type: EventStdout, Text: f.stdout.String()})
		f.stdout.Reset()
	}
	if f.stderr.Len() > 0 {
		events = append(events, Event{Type: EventStderr, Text: f.stderr.String()})
		f.stderr.Reset()
	}
	return events
}

// Pending reports whether either buffer holds unclassified text.
func (f *Framer) Pending() bool {
	return f.stdout.Len() > 0 || f.stderr.Len() > 0
}

// Reset discards both buffers.
func (f *Framer) Reset() {
	f.stdout.Reset()
	f.stderr.Reset()
}
