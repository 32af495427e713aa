package atserver

import "strings"

// feed advances the byte-level "AT" framing parser over data starting
// from the server's current state, returning how many bytes it consumed
// and what it decided. It mirrors server_feed's four-state scan: IDLE
// looks for 'A', state A looks for 'T' (or '/' for repeat-last), COMMAND
// collects bytes up to the terminator (S3), and GARBAGE resyncs on the
// next terminator. consumed may be returned with resultUnsure - the
// caller must remember how many bytes were scanned (Server.readSoFar) and
// feed only the new suffix next time, since the state machine's only
// memory across calls is parserState itself.
func (s *Server) feed(data []byte) (int, parserResult) {
	t := s.settings.S3
	for i, b := range data {
		switch s.parserState {
		case stateIdle:
			switch {
			case b == t:
				return i + 1, resultEmptyCommand
			case b == '\n':
				return i + 1, resultGarbage
			case b == 'A' || b == 'a':
				s.parserState = stateA
			case b != ' ' && b != '\t':
				s.parserState = stateGarbage
			}
		case stateA:
			switch {
			case b == t:
				s.parserState = stateIdle
				return i + 1, resultGarbage
			case b == '/':
				s.parserState = stateIdle
				return i + 1, resultRepeatLast
			case b == 'T' || b == 't':
				s.parserState = stateCommand
			default:
				s.parserState = stateGarbage
			}
		case stateCommand:
			if b == t {
				s.parserState = stateIdle
				return i + 1, resultCommand
			}
		case stateGarbage:
			if b == t || b == '~' {
				s.parserState = stateIdle
				return i + 1, resultGarbage
			}
		}
	}
	return len(data), resultUnsure
}

// extractLine strips the leading whitespace and "AT"/"at" prefix, any S5
// backspace-edits, and whitespace outside quoted strings from a complete
// raw command line (the bytes feed classified resultCommand, terminator
// included), mirroring extract_line's second pass. Unlike atsyntax's
// client-side scanLine this one also applies backspace editing and drops
// the "AT" prefix, since it is working from the server's side of the
// wire.
func extractLine(data []byte, s3, s5 byte) string {
	stripFront := 0
	for stripFront < len(data) && (data[stripFront] == ' ' || data[stripFront] == '\t') {
		stripFront++
	}
	start := stripFront + 2
	if start > len(data) {
		start = len(data)
	}
	inString := false
	line := make([]byte, 0, len(data)-start)
	for _, c := range data[start:] {
		if c == '"' {
			inString = !inString
		}
		switch {
		case c == s5:
			if len(line) > 0 {
				line = line[:len(line)-1]
			}
		case (c == ' ' || c == '\t') && !inString:
		case c == s3:
		default:
			line = append(line, c)
		}
	}
	return string(line)
}

func isExtendedCommandPrefix(c byte) bool {
	switch c {
	case '+', '*', '!', '%':
		return true
	}
	return false
}

func isAlpha(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

const validExtendedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!%-./:_"

// parseExtendedCommand parses one "+"/"*"/"!"/"%"-prefixed command off
// the front of buf (up to the next unquoted ';' or the end of the line),
// dispatches it and returns how many bytes of buf it consumed (including
// the separating ';', when present). A return of 0 means the prefix was
// malformed and the caller should answer ERROR.
func (s *Server) parseExtendedCommand(buf string) int {
	prefixLen := strings.IndexAny(buf, ";?=")
	if prefixLen < 0 {
		prefixLen = len(buf)
	}
	if prefixLen > 17 || prefixLen < 2 {
		return 0
	}
	prefix := strings.ToUpper(buf[:prefixLen])
	for i := 1; i < len(prefix); i++ {
		if !strings.ContainsRune(validExtendedChars, rune(prefix[i])) {
			return 0
		}
	}
	// V.250 5.4.1: the character after "+" must be alphabetic, A-Z. The
	// endpoints themselves are rejected here too - an inherited quirk of
	// the command server this is ported from, not a typo.
	if prefix[1] <= 'A' || prefix[1] >= 'Z' {
		return 0
	}

	typ := RequestCommandOnly
	seenEquals := false
	cmdStart := prefixLen
	i := prefixLen
	inString := false
	for i < len(buf) {
		c := buf[i]
		if c == '"' {
			inString = !inString
			i++
			continue
		}
		if inString {
			i++
			continue
		}
		if c == ';' {
			break
		}
		if c == '?' {
			if seenEquals && buf[i-1] != '=' {
				return 0
			}
			if i+1 < len(buf) && buf[i+1] != ';' {
				return 0
			}
			if seenEquals {
				typ = RequestSupport
			} else {
				typ = RequestQuery
			}
			cmdStart++
		} else if c == '=' {
			if seenEquals {
				return 0
			}
			seenEquals = true
			typ = RequestSet
			cmdStart++
		}
		i++
	}

	s.dispatch(prefix, buf[cmdStart:i], typ)

	if i < len(buf) {
		return i + 1
	}
	return i
}

func getBasicPrefixSize(buf string) int {
	if len(buf) == 0 {
		return 0
	}
	if isAlpha(buf[0]) {
		if upper(buf[0]) == 'S' {
			size := 1
			for size < len(buf) && isDigit(buf[size]) {
				size++
			}
			if size == 1 {
				return 0
			}
			if size > 2 && buf[1] == '0' {
				return 0
			}
			return size
		}
		return 1
	}
	if buf[0] == '&' {
		if len(buf) < 2 || !isAlpha(buf[1]) {
			return 0
		}
		return 2
	}
	return 0
}

// parseBasicCommand parses one basic (alpha or '&'-prefixed) command off
// the front of buf, dispatches it and returns how many bytes it consumed.
// A, Z and D consume the rest of the line unconditionally - V.250 gives
// them no ';' chaining syntax of their own, and D's argument (the dial
// string) can itself legally contain ';'.
func (s *Server) parseBasicCommand(buf string) int {
	prefixSize := getBasicPrefixSize(buf)
	if prefixSize == 0 {
		return 0
	}
	prefixChar0 := upper(buf[0])
	cmdStart := prefixSize
	i := prefixSize
	typ := RequestCommandOnly

	if prefixChar0 == 'D' {
		typ = RequestSet
		for i < len(buf) && buf[i] != ';' {
			i++
		}
	} else {
		seenEquals := false
		if i < len(buf) && buf[i] == '=' {
			seenEquals = true
			i++
			cmdStart++
		}
		if i < len(buf) && buf[i] == '?' {
			i++
			cmdStart++
			if seenEquals {
				typ = RequestSupport
			} else {
				typ = RequestQuery
			}
		} else {
			before := i
			for i < len(buf) && isDigit(buf[i]) {
				i++
			}
			if i > before {
				typ = RequestSet
			}
		}
	}

	if prefixSize <= 3 {
		prefix := string(prefixChar0) + buf[1:prefixSize]
		s.dispatch(prefix, buf[cmdStart:i], typ)
	} else {
		s.sendFinalLocked(ResultError)
	}

	if prefixChar0 == 'A' || prefixChar0 == 'Z' || prefixChar0 == 'D' {
		return len(buf)
	}
	if i < len(buf) && buf[i] == ';' {
		i++
	}
	return i
}

func (s *Server) dispatch(prefix, arg string, typ RequestType) {
	cmd, ok := s.commands[prefix]
	if !ok {
		s.sendFinalLocked(ResultError)
		return
	}
	cmd.fn(s, typ, arg)
}

// parseLine walks s.lastLine from s.curPos, dispatching one chained
// command at a time. A handler that answers synchronously (calls
// SendFinal before returning) lets the loop continue to the next
// semicolon-separated command; one that defers its answer marks
// finalAsync and returns, to be resumed from sendFinalLocked once the
// deferred SendFinal eventually arrives.
func (s *Server) parseLine() {
	line := s.lastLine
	for s.curPos < len(line) {
		s.finalSent = false
		s.finalAsync = false

		var consumed int
		if isExtendedCommandPrefix(line[s.curPos]) {
			consumed = s.parseExtendedCommand(line[s.curPos:])
		} else {
			consumed = s.parseBasicCommand(line[s.curPos:])
		}
		if consumed == 0 {
			s.sendFinalLocked(ResultError)
			return
		}
		s.curPos += consumed

		if !s.finalSent {
			s.finalAsync = true
			return
		}
		if s.lastResult != ResultOK {
			return
		}
	}
	s.sendFinalNumericLocked(ResultOK)
}
