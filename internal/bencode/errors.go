package bencode

import "fmt"

// FormatError reports malformed bencoded input.
type FormatError struct {
	Position int
	Reason   string
	Context  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("bencode decode error at position %d: %s (context %q)",
		e.Position, e.Reason, e.Context)
}

func formatError(b []byte, pos int, format string, args ...any) *FormatError {
	start := min(max(pos, 0), len(b))
	return &FormatError{
		Position: pos,
		Reason:   fmt.Sprintf(format, args...),
		Context:  string(b[start:min(start+20, len(b))]),
	}
}
