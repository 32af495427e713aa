// Package atserver implements a V.250 command-line server: the byte-level
// "AT" framing parser, the basic and extended command-prefix parsers, and
// V0/V1/quiet result-code formatting that a modem emulator answers client
// chat sessions with. It is the mirror image of atchat: where atchat issues
// commands and waits for responses, atserver receives commands and decides
// how to answer them. It layers directly on an ioendpoint.Endpoint, same as
// atchat.
package atserver

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/daedaluz/gatmux/internal/metrics"
	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/daedaluz/gatmux/ioendpoint"
	"github.com/daedaluz/gatmux/ringbuf"
)

// RequestType classifies how a command line invoked a given prefix.
type RequestType int

const (
	RequestCommandOnly RequestType = iota
	RequestSet
	RequestQuery
	RequestSupport
)

func (t RequestType) String() string {
	switch t {
	case RequestSet:
		return "set"
	case RequestQuery:
		return "query"
	case RequestSupport:
		return "support"
	default:
		return "command-only"
	}
}

// Result is a V.250 Table 1 final result code. The numeric values match
// the codes sent on the wire in V0 (numeric) mode.
type Result int

const (
	ResultOK Result = iota
	ResultConnect
	ResultRing
	ResultNoCarrier
	ResultError
	ResultNoDialtone Result = iota + 1
	ResultBusy
	ResultNoAnswer
	ResultConnectExt
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultConnect:
		return "CONNECT"
	case ResultRing:
		return "RING"
	case ResultNoCarrier:
		return "NO CARRIER"
	case ResultError:
		return "ERROR"
	case ResultNoDialtone:
		return "NO DIALTONE"
	case ResultBusy:
		return "BUSY"
	case ResultNoAnswer:
		return "NO ANSWER"
	default:
		// ResultConnectExt has no fixed text of its own - answer it
		// through SendExtFinal with the actual negotiated string
		// ("CONNECT 115200" and the like).
		return ""
	}
}

// HandlerFunc answers one command invocation. req tells it whether the
// line was a bare command, a query ("AT+FOO?"), a set ("AT+FOO=...") or a
// support query ("AT+FOO=?"); arg is whatever followed the prefix (empty
// for RequestCommandOnly and RequestQuery). A handler that cannot finish
// synchronously may return without calling SendFinal; the server suspends
// further parsing of the line until SendFinal (or SendExtFinal) is called
// later, from any goroutine.
type HandlerFunc func(s *Server, req RequestType, arg string)

type serverCommand struct {
	fn HandlerFunc
}

// v250Settings holds the V.250 registers and mode bits a client can alter
// through the default command set (S0, E, Q, V, ...).
type v250Settings struct {
	S0, S3, S4, S5   byte
	S6, S7, S8, S10  int
	Echo, Quiet      bool
	IsV1             bool
	ResFormat        int
	C109, C108       int
	L, M             byte
	DialMode         byte
}

func defaultSettings() v250Settings {
	return v250Settings{
		S3: '\r', S4: '\n', S5: '\b',
		S6: 2, S7: 50, S8: 2, S10: 2,
		Echo: true, Quiet: false, IsV1: true,
		C109: 1, C108: 0,
		L: 0, M: 1, DialMode: 'T',
	}
}

type parserState int

const (
	stateIdle parserState = iota
	stateA
	stateCommand
	stateGarbage
)

type parserResult int

const (
	resultUnsure parserResult = iota
	resultEmptyCommand
	resultRepeatLast
	resultGarbage
	resultCommand
)

// Server answers AT command lines arriving on an ioendpoint.Endpoint,
// mirroring GAtServer's byte parser, command dispatch table and V.250
// result formatting.
type Server struct {
	ep     *ioendpoint.Endpoint
	loop   *reactor.Loop
	logger *slog.Logger
	mtx    *metrics.Metrics

	settings v250Settings

	parserState parserState
	readSoFar   int

	lastLine    string
	hasLastLine bool
	curPos      int
	finalSent   bool
	finalAsync  bool
	lastResult  Result

	commands map[string]*serverCommand

	writeBuf []byte

	disconnectFunc func()
	finishFunc     func()

	// executing is true for the duration of any callback invoked directly
	// from the reactor loop (read handler), so a Server method called
	// reentrantly from inside a command handler - most commonly SendFinal,
	// called synchronously from within its own notify - runs in place
	// instead of posting a job to itself and deadlocking.
	executing atomic.Bool
}

// New creates a Server over ep with the default V.250 register values and
// the standard basic command set (S0, S3, S4, S5, E, Q, V, X, S6, S7, S8,
// S10, &C, &D, Z, &F, L, M, T, P) registered. mtx may be nil.
func New(ep *ioendpoint.Endpoint, logger *slog.Logger, mtx *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ep:       ep,
		loop:     ep.Loop(),
		logger:   logger.With("component", "atserver"),
		mtx:      mtx,
		settings: defaultSettings(),
		commands: make(map[string]*serverCommand),
	}
	s.registerBasicCommands()
	ep.SetReadHandler(s.onReadable)
	ep.SetDisconnectFunc(s.onDisconnect)
	return s
}

// run executes fn on the reactor loop goroutine and waits for it to
// finish. If we're already running on that goroutine - either because a
// command handler called back in synchronously, or because a deferred
// SendFinal resumed parseLine which dispatched straight into another
// handler - fn runs in place instead of posting a job to a goroutine
// that's busy waiting on this very call. executing is held for the
// duration of a posted fn so nested run/runR calls it makes take that
// same fast path rather than deadlocking one level deeper.
func (s *Server) run(fn func()) {
	if s.executing.Load() {
		fn()
		return
	}
	done := make(chan struct{})
	s.loop.Post(func() {
		s.executing.Store(true)
		fn()
		s.executing.Store(false)
		close(done)
	})
	<-done
}

func runR[T any](s *Server, fn func() T) T {
	if s.executing.Load() {
		return fn()
	}
	done := make(chan T, 1)
	s.loop.Post(func() {
		s.executing.Store(true)
		v := fn()
		s.executing.Store(false)
		done <- v
	})
	return <-done
}

// Register installs fn to answer prefix (e.g. "+CSQ", "S0", "&C"). The
// prefix is matched literally, exactly as parsed off the wire - the basic
// parser only ever uppercases the first character of a prefix, so a
// two-letter basic prefix like "&c" keeps its case from the input.
func (s *Server) Register(prefix string, fn HandlerFunc) bool {
	if fn == nil || prefix == "" {
		return false
	}
	return runR(s, func() bool {
		s.commands[prefix] = &serverCommand{fn: fn}
		return true
	})
}

// Unregister removes a previously registered prefix.
func (s *Server) Unregister(prefix string) bool {
	return runR(s, func() bool {
		if _, ok := s.commands[prefix]; !ok {
			return false
		}
		delete(s.commands, prefix)
		return true
	})
}

// SetEcho toggles local echo (register E).
func (s *Server) SetEcho(echo bool) {
	s.run(func() { s.settings.Echo = echo })
}

// SetDisconnectFunc installs the callback invoked when the endpoint
// disconnects.
func (s *Server) SetDisconnectFunc(fn func()) {
	s.run(func() { s.disconnectFunc = fn })
}

// SetFinishFunc installs a callback invoked after every final result is
// sent, letting a caller notice an idle line (e.g. to resume suspended
// call setup) without inspecting each command individually.
func (s *Server) SetFinishFunc(fn func()) {
	s.run(func() { s.finishFunc = fn })
}

// SetDebugSink installs a hex/raw dump sink on the underlying endpoint.
func (s *Server) SetDebugSink(fn ioendpoint.DebugFunc) {
	s.ep.SetDebugSink(fn)
}

// CommandPending reports whether a command line is still being parsed
// (true between a handler deferring its final result and the eventual
// SendFinal/SendExtFinal call).
func (s *Server) CommandPending() bool {
	return runR(s, func() bool { return s.finalAsync })
}

// Suspend stops reading from the endpoint.
func (s *Server) Suspend() {
	s.run(func() { s.ep.SetReadHandler(nil) })
}

// Resume resumes reading from the endpoint.
func (s *Server) Resume() {
	s.run(func() { s.ep.SetReadHandler(s.onReadable) })
}

// SendFinal sends a V.250 final result code, completing the command line
// currently being parsed (or, if the handler deferred it, the one it was
// called for). Calling it more than once for the same line is a no-op.
func (s *Server) SendFinal(result Result) {
	s.run(func() { s.sendFinalLocked(result) })
}

func (s *Server) sendFinalLocked(result Result) {
	if s.finalSent {
		return
	}
	s.finalSent = true
	s.lastResult = result
	if result == ResultOK {
		// A single chained command resolving OK only moves parseLine on
		// to the next one; the wire only sees a final "OK" once the
		// whole line completes, via sendFinalNumericLocked below.
		wasAsync := s.finalAsync
		s.finalAsync = false
		if wasAsync {
			s.parseLine()
		}
		return
	}
	s.sendFinalNumericLocked(result)
}

func (s *Server) sendFinalNumericLocked(result Result) {
	var text string
	if s.settings.IsV1 {
		text = result.String()
	} else {
		text = strconv.Itoa(int(result))
	}
	s.sendResultCommonLocked(text)
	s.finalAsync = false
	if result == ResultOK {
		s.mtx.RecordServerCommand("ok")
	} else {
		s.mtx.RecordServerCommand("error")
	}
	if s.finishFunc != nil {
		s.finishFunc()
	}
}

// SendExtFinal sends a caller-formatted final result line verbatim (for
// extended error reports like "+CME ERROR: 10"), bypassing the built-in
// Result set entirely.
func (s *Server) SendExtFinal(result string) {
	s.run(func() {
		if s.finalSent {
			return
		}
		s.finalSent = true
		s.lastResult = ResultError
		s.sendResultCommonLocked(result)
		s.finalAsync = false
		s.mtx.RecordServerCommand("ext_error")
		if s.finishFunc != nil {
			s.finishFunc()
		}
	})
}

// SendIntermediate sends an info line as part of an in-progress command's
// response (e.g. a "+CSQ: 20,99" line ahead of its final OK).
func (s *Server) SendIntermediate(result string) {
	s.run(func() { s.sendResultCommonLocked(result) })
}

// SendUnsolicited sends a result code not tied to any command (RING,
// +CIEV: and friends).
func (s *Server) SendUnsolicited(result string) {
	s.run(func() { s.sendResultCommonLocked(result) })
}

// SendInfo sends a plain information line, framed with S3/S4 but never
// gated by quiet mode - unlike SendIntermediate/SendUnsolicited/SendFinal,
// which are all suppressed entirely when quiet mode (Q1) is on.
func (s *Server) SendInfo(line string, last bool) {
	s.run(func() {
		t, r := s.settings.S3, s.settings.S4
		var out string
		if last {
			out = fmt.Sprintf("%c%c%s%c%c", t, r, line, t, r)
		} else {
			out = fmt.Sprintf("%c%c%s", t, r, line)
		}
		s.sendCommonLocked(out)
	})
}

func (s *Server) sendResultCommonLocked(text string) {
	if s.settings.Quiet || text == "" {
		return
	}
	t, r := s.settings.S3, s.settings.S4
	var line string
	if s.settings.IsV1 {
		line = fmt.Sprintf("%c%c%s%c%c", t, r, text, t, r)
	} else {
		line = fmt.Sprintf("%s%c", text, t)
	}
	s.sendCommonLocked(line)
}

func (s *Server) sendCommonLocked(data string) {
	if data == "" {
		return
	}
	first := len(s.writeBuf) == 0
	s.writeBuf = append(s.writeBuf, data...)
	if first {
		s.ep.SetWriteHandler(s.canWriteData)
	}
}

func (s *Server) canWriteData() bool {
	if len(s.writeBuf) == 0 {
		return false
	}
	n, err := s.ep.Write(s.writeBuf)
	if err != nil || n == 0 {
		s.writeBuf = nil
		return false
	}
	s.writeBuf = s.writeBuf[n:]
	return len(s.writeBuf) > 0
}

// onReadable drives the byte parser over newly buffered bytes, mirroring
// new_bytes: it only ever feeds the suffix past readSoFar (the state
// machine's progress is remembered there, not by draining bytes as they
// are scanned), echoes consumed bytes when E1 is set, and reacts to
// whatever feed classifies the run as. Once a command line has been
// handled, any bytes still buffered behind it are drained and discarded,
// matching the original's drain-the-rest-and-stop behaviour for anything
// but PARSER_RESULT_GARBAGE.
func (s *Server) onReadable(buf *ringbuf.Buffer) {
	if s.finalAsync {
		buf.Drain(buf.Len())
		return
	}
	s.executing.Store(true)
	defer s.executing.Store(false)

	for {
		total := buf.Len()
		if s.readSoFar >= total {
			return
		}
		full := buf.Peek(total)
		chunk := full[s.readSoFar:]
		consumed, result := s.feed(chunk)

		if s.settings.Echo && consumed > 0 {
			s.sendCommonLocked(string(chunk[:consumed]))
		}
		s.readSoFar += consumed

		if result == resultUnsure {
			return
		}

		raw := full[:s.readSoFar]
		switch result {
		case resultEmptyCommand:
			buf.Drain(s.readSoFar)
			s.readSoFar = 0
			s.sendFinalLocked(ResultOK)
		case resultCommand:
			line := extractLine(raw, s.settings.S3, s.settings.S5)
			buf.Drain(s.readSoFar)
			s.readSoFar = 0
			s.lastLine = line
			s.hasLastLine = true
			s.curPos = 0
			s.parseLine()
		case resultRepeatLast:
			buf.Drain(s.readSoFar)
			s.readSoFar = 0
			s.curPos = 0
			if s.hasLastLine {
				s.parseLine()
			} else {
				s.sendFinalLocked(ResultOK)
			}
		case resultGarbage:
			buf.Drain(s.readSoFar)
			s.readSoFar = 0
			continue
		}

		if s.finalAsync {
			return
		}
		if remaining := buf.Len(); remaining > 0 {
			buf.Drain(remaining)
			return
		}
	}
}

func (s *Server) onDisconnect(err error) {
	s.executing.Store(true)
	defer s.executing.Store(false)
	if s.disconnectFunc != nil {
		s.disconnectFunc()
	}
}
