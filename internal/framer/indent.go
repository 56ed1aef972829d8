package framer

import "strings"

// IndentWidth is the number of spaces in one indent level.
const IndentWidth = 4

// ContinuationIndent returns the indent level suggested for the line that
// follows lastCommand at a continuation prompt: the command's own level,
// plus one when it opens a block.
func ContinuationIndent(lastCommand string) int {
	leading := len(lastCommand) - len(strings.TrimLeft(lastCommand, " "))
	level := leading / IndentWidth

	code := strings.TrimRight(stripComment(lastCommand), " \t")
	if strings.HasSuffix(code, ":") {
		level++
	}
	return level
}

// stripComment cuts a trailing '#' comment, ignoring '#' inside string
// literals.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case quote != 0:
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '#':
			return line[:i]
		}
	}
	return line
}
