// Package atsyntax implements the pluggable AT response lexer that sits
// between the raw byte stream and the chat engine: it turns a run of bytes
// into one classified line at a time (a plain line, a multiline-listing
// line, a PDU line, or an SMS prompt), or reports that more bytes are
// needed before it can decide. The chat engine biases the next
// classification with a Hint chosen from context (an in-flight listing
// command, a PDU-expecting notification, a short-prompt command write).
package atsyntax

// Result is the kind of line Feed completed, or ResultUnsure if none did.
type Result int

const (
	ResultUnsure Result = iota
	ResultLine
	ResultMultiline
	ResultPDU
	ResultPrompt
)

func (r Result) String() string {
	switch r {
	case ResultLine:
		return "line"
	case ResultMultiline:
		return "multiline"
	case ResultPDU:
		return "pdu"
	case ResultPrompt:
		return "prompt"
	default:
		return "unsure"
	}
}

// Hint biases how the next completed line is classified.
type Hint int

const (
	HintNone Hint = iota
	HintPDU
	HintMultiline
	HintShortPrompt
)

// Syntax is satisfied by each AT response dialect the chat engine can be
// configured with.
type Syntax interface {
	// Feed consumes a prefix of data and reports how many bytes were
	// consumed, the extracted line text (CR/LF framing and any leading
	// blank terminator already stripped) and what kind of line this was.
	// consumed is 0 and result is ResultUnsure when no complete line
	// exists yet; the caller should append more bytes and call Feed again.
	Feed(data []byte) (consumed int, line string, result Result)
	// SetHint installs the classification to apply to the next line Feed
	// completes; it persists across calls until changed again, mirroring
	// how the chat engine only changes it at specific protocol junctures
	// (not once per line).
	SetHint(hint Hint)
}

// Basic is the standard V.25ter line syntax: lines are separated by
// CR/LF, double-quoted strings suppress CR/LF recognition, and a bare
// leading '>' is always treated as the SMS text-entry prompt.
type Basic struct {
	hint Hint
}

// NewBasic returns a Basic syntax with no hint installed.
func NewBasic() *Basic { return &Basic{} }

func (s *Basic) SetHint(hint Hint) { s.hint = hint }

func (s *Basic) Feed(data []byte) (int, string, Result) {
	if n, ok := feedPrompt(data); ok {
		return n, string(data[:n]), ResultPrompt
	}
	consumed, line, ok := scanLine(data, true)
	if !ok {
		return 0, "", ResultUnsure
	}
	return consumed, line, s.lineResult()
}

func (s *Basic) lineResult() Result {
	switch s.hint {
	case HintPDU:
		return ResultPDU
	case HintMultiline:
		return ResultMultiline
	default:
		return ResultLine
	}
}

// GSM0710 is a more permissive variant used over a multiplexer DLC, where
// peers are known to terminate lines with a bare LF and don't always
// bother with Basic's quoting discipline.
type GSM0710 struct {
	hint Hint
}

// NewGSM0710 returns a GSM0710 syntax with no hint installed.
func NewGSM0710() *GSM0710 { return &GSM0710{} }

func (s *GSM0710) SetHint(hint Hint) { s.hint = hint }

func (s *GSM0710) Feed(data []byte) (int, string, Result) {
	if n, ok := feedPrompt(data); ok {
		return n, string(data[:n]), ResultPrompt
	}
	consumed, line, ok := scanLine(data, false)
	if !ok {
		return 0, "", ResultUnsure
	}
	switch s.hint {
	case HintPDU:
		return consumed, line, ResultPDU
	case HintMultiline:
		return consumed, line, ResultMultiline
	default:
		return consumed, line, ResultLine
	}
}

// feedPrompt recognizes the bare "> " SMS prompt some commands (+CMGS and
// friends) emit with no line terminator at all.
func feedPrompt(data []byte) (int, bool) {
	if len(data) == 0 || data[0] != '>' {
		return 0, false
	}
	n := 1
	for n < len(data) && data[n] == ' ' {
		n++
	}
	return n, true
}

// scanLine finds the first complete line in data, mirroring extract_line's
// quote-aware scan: a '"' toggles in-string state, and CR/LF inside a
// quoted string does not end the line. Leading CR/LF bytes (the previous
// line's own terminator) are skipped and not included in the returned
// line or its length. Returns ok=false when no terminator has arrived
// yet; consumed then counts only as a full line, never a partial one.
func scanLine(data []byte, honorQuotes bool) (consumed int, line string, ok bool) {
	inString := false
	stripFront := 0
	lineLen := 0
	for pos := 0; pos < len(data); pos++ {
		c := data[pos]
		if !inString && (c == '\r' || c == '\n') {
			if lineLen == 0 {
				stripFront++
				continue
			}
			return stripFront + lineLen + 1, string(data[stripFront : stripFront+lineLen]), true
		}
		if honorQuotes && c == '"' {
			inString = !inString
		}
		lineLen++
	}
	return 0, "", false
}
