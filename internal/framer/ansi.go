package framer

import "github.com/charmbracelet/x/ansi"

// StripControl removes terminal escape sequences and the control bytes an
// interactive interpreter sprinkles around its prompts. Backspace erases
// the preceding byte; newlines and tabs are kept.
func StripControl(s string) string {
	s = ansi.Strip(s)

	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '\r' {
			continue
		}
		if ch == '\b' {
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
			continue
		}
		if (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t' {
			continue
		}
		result = append(result, ch)
	}
	return string(result)
}
