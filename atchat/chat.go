// Package atchat implements the AT command chat engine: a command queue
// with request/response matching against a deferred terminator table,
// prefix-based unsolicited notification dispatch, wake-up-command idle
// handling and PDU-mode two-line responses. It layers directly on an
// ioendpoint.Endpoint (no framing below it beyond whatever the line itself
// is carried over — a raw TTY, or a gsm0710.Channel once a DLC is open).
package atchat

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/daedaluz/gatmux/atsyntax"
	"github.com/daedaluz/gatmux/internal/metrics"
	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/daedaluz/gatmux/ioendpoint"
	"github.com/daedaluz/gatmux/ringbuf"
)

// ResultFunc is called once a command's final response arrives. lines are
// the accumulated intermediate response lines (reversed back into arrival
// order); finalOrPDU is the final result line itself.
type ResultFunc func(ok bool, lines []string, finalOrPDU string)

// NotifyFunc delivers an unsolicited result code's matched lines. A PDU
// notification's callback receives exactly two lines: the header line and
// the PDU text.
type NotifyFunc func(lines []string)

const (
	flagExpectPDU uint = 1 << iota
	flagExpectShortPrompt
)

// Terminator indexes the built-in deferred terminator table, for
// BlacklistTerminator.
type Terminator int

const (
	TerminatorOK Terminator = iota
	TerminatorError
	TerminatorNoDialtone
	TerminatorBusy
	TerminatorNoCarrier
	TerminatorConnect
	TerminatorNoAnswer
	TerminatorCMSError
	TerminatorCMEError
	TerminatorExtError
)

type terminatorInfo struct {
	token   string
	length  int
	success bool
}

// terminatorTable is the built-in set of final-response strings every
// command is checked against before falling through to its own prefix
// list; length -1 means an exact match, length 0 means disabled.
var terminatorTable = []terminatorInfo{
	{"OK", -1, true},
	{"ERROR", -1, false},
	{"NO DIALTONE", -1, false},
	{"BUSY", -1, false},
	{"NO CARRIER", -1, false},
	{"CONNECT", 7, true},
	{"NO ANSWER", -1, false},
	{"+CMS ERROR:", 11, false},
	{"+CME ERROR:", 11, false},
	{"+EXT ERROR:", 11, false},
}

func checkTerminator(info terminatorInfo, line string) bool {
	if info.length < 0 {
		return line == info.token
	}
	if info.length > 0 {
		return len(line) >= info.length && line[:info.length] == info.token
	}
	return false
}

type command struct {
	id, gid   uint
	cmd       string
	prefixes  []string
	expectPDU bool
	expectSP  bool
	listing   NotifyFunc
	callback  ResultFunc
	wakeup    bool
	started   bool
}

// buildCommandLine appends the AT command's terminator: SUB (Ctrl-Z) when
// the caller already embedded a CR (a prompt dialogue, e.g. +CMGS followed
// by the PDU text), CR otherwise. A wakeup command is sent verbatim.
func buildCommandLine(cmd string, wakeup bool) string {
	if wakeup {
		return cmd
	}
	if strings.ContainsRune(cmd, '\r') {
		return cmd + "\x1a"
	}
	return cmd + "\r"
}

type notifyNode struct {
	id, gid   uint
	fn        NotifyFunc
	destroyed bool
}

type notifyEntry struct {
	pdu   bool
	nodes []*notifyNode
}

// engine is the shared state behind every Chat sharing one Endpoint: the
// command queue, notification map and wakeup/terminator configuration.
// All mutation happens on the Endpoint's reactor loop.
type engine struct {
	ep     *ioendpoint.Endpoint
	loop   *reactor.Loop
	syntax atsyntax.Syntax
	logger *slog.Logger
	metrics *metrics.Metrics

	nextCmdID    uint
	nextNotifyID uint
	nextGID      uint

	queue           []*command
	cmdBytesWritten int
	cmdStart        time.Time

	notify   map[string]*notifyEntry
	inNotify bool

	responseLines []string
	pduNotify     string

	wakeupCmd           string
	wakeupTimeout       time.Duration
	inactivity          time.Duration
	wakeupArmed         bool
	lastWakeupActivity  time.Time
	wakeupTimeoutTimer  *time.Timer

	terminatorList      []terminatorInfo
	terminatorBlacklist uint16

	suspended      bool
	disconnectFunc func()

	// executing is true for the duration of any callback invoked directly
	// from the reactor loop (read handler, wakeup timeout, disconnect), so
	// a Chat method called reentrantly from inside a notify/result
	// callback runs in place instead of posting a job to itself and
	// deadlocking waiting for its own completion.
	executing atomic.Bool
}

// Chat is a view onto a shared engine with its own cancel/notification
// group id, mirroring GAtChat's group-scoped wrapper around at_chat.
type Chat struct {
	eng   *engine
	group uint
	slave *Chat
}

// New creates a Chat over ep. syntax defaults to atsyntax.NewBasic(), mtx
// may be nil (RecordChatCommand is a no-op on a nil *metrics.Metrics).
func New(ep *ioendpoint.Endpoint, syntax atsyntax.Syntax, logger *slog.Logger, mtx *metrics.Metrics) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	if syntax == nil {
		syntax = atsyntax.NewBasic()
	}
	eng := &engine{
		ep:           ep,
		loop:         ep.Loop(),
		syntax:       syntax,
		logger:       logger.With("component", "atchat"),
		metrics:      mtx,
		notify:       make(map[string]*notifyEntry),
		nextCmdID:    1,
		nextNotifyID: 1,
	}
	ep.SetReadHandler(eng.onReadable)
	ep.SetDisconnectFunc(eng.onDisconnect)
	group := eng.nextGID
	eng.nextGID++
	return &Chat{eng: eng, group: group}
}

func (e *engine) run(fn func()) {
	if e.executing.Load() {
		fn()
		return
	}
	done := make(chan struct{})
	e.loop.Post(func() { fn(); close(done) })
	<-done
}

func runR[T any](e *engine, fn func() T) T {
	if e.executing.Load() {
		return fn()
	}
	done := make(chan T, 1)
	e.loop.Post(func() { done <- fn() })
	return <-done
}

// --- sending commands ---

// Send issues cmd (the caller supplies the literal "AT..." text) and
// invokes cb with the final result.
func (c *Chat) Send(cmd string, prefixes []string, cb ResultFunc) uint {
	return c.sendCommon(cmd, prefixes, 0, nil, cb)
}

// SendListing issues cmd, streaming each matched intermediate line to
// listing as it arrives instead of accumulating it.
func (c *Chat) SendListing(cmd string, prefixes []string, listing NotifyFunc, cb ResultFunc) uint {
	if listing == nil {
		return 0
	}
	return c.sendCommon(cmd, prefixes, 0, listing, cb)
}

// SendPDUListing is like SendListing but expects each matched line to be
// followed by a second, PDU-syntax line; listing receives both as a
// two-element slice (header, pdu).
func (c *Chat) SendPDUListing(cmd string, prefixes []string, listing NotifyFunc, cb ResultFunc) uint {
	if listing == nil {
		return 0
	}
	return c.sendCommon(cmd, prefixes, flagExpectPDU, listing, cb)
}

// SendAndExpectShortPrompt issues cmd, hinting the syntax lexer to expect a
// bare prompt between command segments rather than full lines (used for
// multi-segment writes like +CMGS).
func (c *Chat) SendAndExpectShortPrompt(cmd string, prefixes []string, cb ResultFunc) uint {
	return c.sendCommon(cmd, prefixes, flagExpectShortPrompt, nil, cb)
}

func (c *Chat) sendCommon(cmd string, prefixes []string, flags uint, listing NotifyFunc, cb ResultFunc) uint {
	return runR(c.eng, func() uint {
		return c.eng.sendCommonLocked(c.group, cmd, prefixes, flags, listing, cb)
	})
}

func (e *engine) sendCommonLocked(gid uint, cmd string, prefixes []string, flags uint, listing NotifyFunc, cb ResultFunc) uint {
	if e.ep == nil {
		return 0
	}
	c := &command{
		id:        e.nextCmdID,
		gid:       gid,
		cmd:       buildCommandLine(cmd, false),
		prefixes:  prefixes,
		expectPDU: flags&flagExpectPDU != 0,
		expectSP:  flags&flagExpectShortPrompt != 0,
		listing:   listing,
		callback:  cb,
	}
	e.nextCmdID++
	e.queue = append(e.queue, c)
	if len(e.queue) == 1 {
		e.wakeupWriter()
	}
	return c.id
}

// Cancel removes a not-yet-transmitting command from the queue, or, if it
// has already begun transmitting, silences its callback without
// interrupting the exchange in progress. Wakeup commands (id 0) cannot be
// cancelled.
func (c *Chat) Cancel(id uint) bool {
	if id == 0 {
		return false
	}
	return runR(c.eng, func() bool { return c.eng.cancelLocked(c.group, id) })
}

func (e *engine) cancelLocked(gid, id uint) bool {
	for i, cmd := range e.queue {
		if cmd.id != id {
			continue
		}
		if cmd.gid != gid {
			return false
		}
		if i == 0 && e.cmdBytesWritten > 0 {
			cmd.callback = nil
		} else {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
		}
		return true
	}
	return false
}

// CancelAll does the same for every queued command in this Chat's group.
func (c *Chat) CancelAll() bool {
	return runR(c.eng, func() bool { return c.eng.cancelGroupLocked(c.group) })
}

func (e *engine) cancelGroupLocked(gid uint) bool {
	kept := e.queue[:0]
	for i, cmd := range e.queue {
		if cmd.id == 0 || cmd.gid != gid {
			kept = append(kept, cmd)
			continue
		}
		if i == 0 && e.cmdBytesWritten > 0 {
			cmd.callback = nil
			kept = append(kept, cmd)
			continue
		}
	}
	e.queue = kept
	return true
}

// --- notifications ---

// Register adds a handler for unsolicited lines starting with prefix.
func (c *Chat) Register(prefix string, fn NotifyFunc) uint {
	return c.registerCommon(prefix, fn, false)
}

// RegisterPDU is like Register but for a two-line (header + PDU) URC.
func (c *Chat) RegisterPDU(prefix string, fn NotifyFunc) uint {
	return c.registerCommon(prefix, fn, true)
}

func (c *Chat) registerCommon(prefix string, fn NotifyFunc, pdu bool) uint {
	if fn == nil || prefix == "" {
		return 0
	}
	return runR(c.eng, func() uint { return c.eng.registerLocked(c.group, prefix, fn, pdu) })
}

func (e *engine) registerLocked(gid uint, prefix string, fn NotifyFunc, pdu bool) uint {
	entry, ok := e.notify[prefix]
	if !ok {
		entry = &notifyEntry{pdu: pdu}
		e.notify[prefix] = entry
	} else if entry.pdu != pdu {
		return 0
	}
	id := e.nextNotifyID
	e.nextNotifyID++
	entry.nodes = append(entry.nodes, &notifyNode{id: id, gid: gid, fn: fn})
	return id
}

// Unregister removes a previously registered notification handler.
func (c *Chat) Unregister(id uint) bool {
	return runR(c.eng, func() bool { return c.eng.unregisterLocked(c.group, id) })
}

func (e *engine) unregisterLocked(gid, id uint) bool {
	for prefix, entry := range e.notify {
		for i, node := range entry.nodes {
			if node.id != id {
				continue
			}
			if node.gid != gid {
				return false
			}
			if e.inNotify {
				node.destroyed = true
				return true
			}
			entry.nodes = append(entry.nodes[:i], entry.nodes[i+1:]...)
			if len(entry.nodes) == 0 {
				delete(e.notify, prefix)
			}
			return true
		}
	}
	return false
}

// UnregisterAll removes every notification handler registered by this
// Chat's group.
func (c *Chat) UnregisterAll() bool {
	return runR(c.eng, func() bool { return c.eng.unregisterAllLocked(c.group) })
}

func (e *engine) unregisterAllLocked(gid uint) bool {
	any := false
	for prefix, entry := range e.notify {
		kept := entry.nodes[:0]
		for _, node := range entry.nodes {
			if node.gid != gid {
				kept = append(kept, node)
				continue
			}
			any = true
			if e.inNotify {
				node.destroyed = true
				kept = append(kept, node)
				continue
			}
		}
		entry.nodes = kept
		if len(entry.nodes) == 0 {
			delete(e.notify, prefix)
		}
	}
	return any
}

// --- wakeup command & terminators ---

// SetWakeupCommand arms an idle-wakeup: if inactivity has elapsed since the
// last fully-written command, cmd is spliced in ahead of the next command
// and must respond within timeout or the head command fails and the
// wakeup is retried once.
func (c *Chat) SetWakeupCommand(cmd string, timeout, inactivity time.Duration) {
	c.eng.run(func() {
		c.eng.wakeupCmd = cmd
		c.eng.wakeupTimeout = timeout
		c.eng.inactivity = inactivity
	})
}

// AddTerminator adds a custom deferred terminator ahead of those added
// earlier, so the latest one is checked first; length -1 means an exact
// match, length > 0 a prefix match of that many bytes.
func (c *Chat) AddTerminator(token string, length int, success bool) {
	c.eng.run(func() {
		c.eng.terminatorList = append([]terminatorInfo{{token, length, success}}, c.eng.terminatorList...)
	})
}

// BlacklistTerminator disables one of the built-in terminator table
// entries (e.g. a modem that never sends "NO ANSWER").
func (c *Chat) BlacklistTerminator(t Terminator) {
	c.eng.run(func() { c.eng.terminatorBlacklist |= 1 << uint(t) })
}

// --- lifecycle ---

// SetDisconnectFunc installs the callback fired once the underlying
// Endpoint disconnects.
func (c *Chat) SetDisconnectFunc(fn func()) {
	c.eng.run(func() { c.eng.disconnectFunc = fn })
}

// SetDebugSink installs a raw byte observer on the underlying Endpoint.
func (c *Chat) SetDebugSink(fn ioendpoint.DebugFunc) {
	c.eng.ep.SetDebugSink(fn)
}

// Suspend tears down the read/write handlers without closing the
// Endpoint, so a caller (PPP re-entering command mode) can take it over.
func (c *Chat) Suspend() {
	c.eng.run(func() {
		c.eng.suspended = true
		c.eng.ep.SetReadHandler(nil)
		c.eng.ep.SetWriteHandler(nil)
	})
}

// Resume reinstalls the read handler (and write handler, if commands are
// queued) after a Suspend.
func (c *Chat) Resume() {
	c.eng.run(func() {
		c.eng.suspended = false
		c.eng.ep.SetReadHandler(c.eng.onReadable)
		if len(c.eng.queue) > 0 {
			c.eng.wakeupWriter()
		}
	})
}

// Clone returns a new Chat sharing this engine with a fresh group id, for
// a second logical user of the same physical command queue (e.g. the mux
// control DLC's secondary chat instance used during data-call teardown).
func (c *Chat) Clone() *Chat {
	group := runR(c.eng, func() uint {
		id := c.eng.nextGID
		c.eng.nextGID++
		return id
	})
	clone := &Chat{eng: c.eng, group: group}
	if c.slave != nil {
		clone.slave = c.slave.Clone()
	}
	return clone
}

// SetSlave attaches slave, returning it.
func (c *Chat) SetSlave(slave *Chat) *Chat {
	c.slave = slave
	return slave
}

// Slave returns the attached slave Chat, or nil.
func (c *Chat) Slave() *Chat { return c.slave }

// --- write path ---

func (e *engine) wakeupWriter() {
	e.ep.SetWriteHandler(e.canWriteData)
}

func (e *engine) canWriteData() bool {
	if len(e.queue) == 0 {
		return false
	}
	cmd := e.queue[0]
	if e.cmdBytesWritten >= len(cmd.cmd) {
		return false
	}

	wakeupFirst := false
	if e.wakeupCmd != "" {
		if !e.wakeupArmed {
			wakeupFirst = true
			e.wakeupArmed = true
		} else if time.Since(e.lastWakeupActivity) > e.inactivity {
			wakeupFirst = true
		}
	}

	if e.cmdBytesWritten == 0 && wakeupFirst {
		wcmd := &command{cmd: buildCommandLine(e.wakeupCmd, true), wakeup: true, callback: e.onWakeupResponse}
		e.queue = append([]*command{wcmd}, e.queue...)
		cmd = wcmd
		e.armWakeupTimeout()
	}

	if !cmd.started {
		cmd.started = true
		e.cmdStart = time.Now()
	}

	towrite := len(cmd.cmd) - e.cmdBytesWritten
	if idx := strings.IndexByte(cmd.cmd[e.cmdBytesWritten:], '\r'); idx >= 0 {
		towrite = idx + 1
	}

	n, err := e.ep.Write([]byte(cmd.cmd[e.cmdBytesWritten : e.cmdBytesWritten+towrite]))
	if err != nil {
		e.logger.Debug("write error", "error", err)
		return false
	}
	if n == 0 {
		return false
	}
	e.cmdBytesWritten += n
	if n < towrite {
		return true
	}

	if cmd.expectSP && e.cmdBytesWritten < len(cmd.cmd) {
		e.syntax.SetHint(atsyntax.HintShortPrompt)
	}
	if e.wakeupCmd != "" {
		e.lastWakeupActivity = time.Now()
	}
	return false
}

func (e *engine) armWakeupTimeout() {
	if e.wakeupTimeoutTimer != nil {
		e.wakeupTimeoutTimer.Stop()
	}
	e.wakeupTimeoutTimer = time.AfterFunc(e.wakeupTimeout, func() {
		e.loop.Post(e.onWakeupNoResponse)
	})
}

func (e *engine) onWakeupNoResponse() {
	e.executing.Store(true)
	defer e.executing.Store(false)
	if len(e.queue) == 0 || !e.queue[0].wakeup {
		return
	}
	e.logger.Debug("wakeup command got no response")
	e.finishCommand(false, "")
	wcmd := &command{cmd: buildCommandLine(e.wakeupCmd, true), wakeup: true, callback: e.onWakeupResponse}
	e.queue = append([]*command{wcmd}, e.queue...)
	e.wakeupWriter()
}

func (e *engine) onWakeupResponse(ok bool, lines []string, final string) {
	if !ok {
		return
	}
	if e.wakeupTimeoutTimer != nil {
		e.wakeupTimeoutTimer.Stop()
		e.wakeupTimeoutTimer = nil
	}
	e.logger.Debug("wakeup command acknowledged")
}

func (e *engine) finishCommand(ok bool, final string) {
	if len(e.queue) == 0 {
		return
	}
	cmd := e.queue[0]
	e.queue = e.queue[1:]
	e.cmdBytesWritten = 0
	if len(e.queue) > 0 {
		e.wakeupWriter()
	}
	lines := e.responseLines
	e.responseLines = nil
	if cmd.callback != nil {
		cmd.callback(ok, lines, final)
	}
	if e.metrics != nil && !cmd.wakeup {
		outcome := "error"
		if ok {
			outcome = "ok"
		}
		e.metrics.RecordChatCommand(outcome, time.Since(e.cmdStart).Seconds())
	}
}

// --- read path ---

func (e *engine) onReadable(buf *ringbuf.Buffer) {
	e.executing.Store(true)
	defer e.executing.Store(false)
	for {
		n := buf.Len()
		if n == 0 || e.suspended {
			return
		}
		data := buf.Peek(n)
		consumed, line, result := e.syntax.Feed(data)
		if result == atsyntax.ResultUnsure {
			return
		}
		buf.Drain(consumed)
		switch result {
		case atsyntax.ResultPrompt:
			e.wakeupWriter()
		case atsyntax.ResultPDU:
			e.havePDULine(line)
		default:
			e.haveLine(line)
		}
	}
}

func (e *engine) haveLine(line string) {
	if strings.HasPrefix(line, "AT") {
		return
	}
	if len(e.queue) > 0 && e.cmdBytesWritten > 0 {
		cmd := e.queue[0]
		last := cmd.cmd[e.cmdBytesWritten-1]
		if last == '\r' || last == 0x1a {
			if e.handleCommandResponse(cmd, line) {
				return
			}
		}
	}
	e.matchNotify(line)
}

func (e *engine) handleCommandResponse(cmd *command, line string) bool {
	for i, info := range terminatorTable {
		if checkTerminator(info, line) && e.terminatorBlacklist&(1<<uint(i)) == 0 {
			e.finishCommand(info.success, line)
			return true
		}
	}
	for _, info := range e.terminatorList {
		if checkTerminator(info, line) {
			e.finishCommand(info.success, line)
			return true
		}
	}
	if len(cmd.prefixes) > 0 {
		matched := false
		for _, p := range cmd.prefixes {
			if strings.HasPrefix(line, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if cmd.listing != nil && cmd.expectPDU {
		e.syntax.SetHint(atsyntax.HintPDU)
		e.pduNotify = line
		return true
	}
	e.syntax.SetHint(atsyntax.HintMultiline)
	if cmd.listing != nil {
		cmd.listing([]string{line})
		return true
	}
	e.responseLines = append(e.responseLines, line)
	return true
}

func (e *engine) havePDULine(pdu string) {
	header := e.pduNotify
	e.pduNotify = ""

	listingPDU := false
	var cmd *command
	if len(e.queue) > 0 {
		cmd = e.queue[0]
		if cmd.expectPDU && e.cmdBytesWritten > 0 && cmd.cmd[e.cmdBytesWritten-1] == '\r' {
			listingPDU = true
		}
	}

	if listingPDU {
		if cmd.listing != nil {
			cmd.listing([]string{header, pdu})
		}
		e.syntax.SetHint(atsyntax.HintMultiline)
		return
	}
	e.haveNotifyPDU(header, pdu)
}

func (e *engine) haveNotifyPDU(header, pdu string) {
	called := false
	for prefix, entry := range e.notify {
		if !entry.pdu || !strings.HasPrefix(header, prefix) {
			continue
		}
		e.inNotify = true
		for _, node := range entry.nodes {
			if node.destroyed {
				continue
			}
			node.fn([]string{header, pdu})
		}
		called = true
	}
	e.inNotify = false
	if called {
		e.pruneDestroyedNodes()
	}
}

func (e *engine) matchNotify(line string) bool {
	matched := false
	e.inNotify = true
	for prefix, entry := range e.notify {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		if entry.pdu {
			e.pduNotify = line
			e.syntax.SetHint(atsyntax.HintPDU)
			e.inNotify = false
			return true
		}
		for _, node := range entry.nodes {
			if node.destroyed {
				continue
			}
			node.fn([]string{line})
		}
		matched = true
	}
	e.inNotify = false
	if matched {
		e.pruneDestroyedNodes()
	}
	return matched
}

func (e *engine) pruneDestroyedNodes() {
	for prefix, entry := range e.notify {
		kept := entry.nodes[:0]
		for _, n := range entry.nodes {
			if !n.destroyed {
				kept = append(kept, n)
			}
		}
		entry.nodes = kept
		if len(entry.nodes) == 0 {
			delete(e.notify, prefix)
		}
	}
}

func (e *engine) onDisconnect(err error) {
	e.executing.Store(true)
	defer e.executing.Store(false)
	for _, cmd := range e.queue {
		if cmd.callback != nil {
			cmd.callback(false, nil, "")
		}
	}
	e.queue = nil
	e.notify = make(map[string]*notifyEntry)
	e.ep = nil
	if e.disconnectFunc != nil {
		e.disconnectFunc()
	}
}
