// Package pppcp implements the generic Point-to-Point Protocol Control
// Protocol finite state machine shared by LCP, IPCP and IPv6CP (RFC 1661
// §4). The 16-event by 10-state transition table and its bitwise action
// flags are the literal table from RFC 1661 §4.1; each concrete protocol
// plugs in a Driver that supplies the option-specific RCR/RCA/RCN
// callbacks and a few lifecycle hooks.
package pppcp

import (
	"log/slog"
	"time"

	"github.com/daedaluz/gatmux/internal/reactor"
)

// State is a PPPCP automaton state, RFC 1661 §4.1.
type State byte

const (
	StateInitial State = iota
	StateStarting
	StateClosed
	StateStopped
	StateClosing
	StateStopping
	StateReqSent
	StateAckRcvd
	StateAckSent
	StateOpened
)

func (s State) String() string {
	names := [...]string{
		"Initial", "Starting", "Closed", "Stopped", "Closing",
		"Stopping", "ReqSent", "AckRcvd", "AckSent", "Opened",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// EventType is a PPPCP automaton event, RFC 1661 §4.1.
type EventType int

const (
	EventUp EventType = iota
	EventDown
	EventOpen
	EventClose
	EventTOPlus
	EventTOMinus
	EventRCRPlus
	EventRCRMinus
	EventRCA
	EventRCN
	EventRTR
	EventRTA
	EventRUC
	EventRXJPlus
	EventRXJMinus
	EventRXR
)

func (e EventType) String() string {
	names := [...]string{
		"Up", "Down", "Open", "Close", "TO+", "TO-", "RCR+", "RCR-",
		"RCA", "RCN", "RTR", "RTA", "RUC", "RXJ+", "RXJ-", "RXR",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "Unknown"
}

// action flags, matching the original's bitwise encoding exactly: the low
// nibble of a transitions-table cell is the next state, the remaining bits
// are actions to perform during the transition.
type action int

const (
	actInvalid action = 0x10
	actIRC     action = 0x20
	actZRC     action = 0x40
	actTLU     action = 0x100
	actTLD     action = 0x200
	actTLS     action = 0x400
	actTLF     action = 0x800
	actSCR     action = 0x1000
	actSCA     action = 0x2000
	actSCN     action = 0x4000
	actSTR     action = 0x8000
	actSTA     action = 0x10000
	actSCJ     action = 0x20000
	actSER     action = 0x40000
)

// cpTransitions is RFC 1661 §4.1's transition table verbatim: rows are
// events (in EventType order), columns are states (in State order). Each
// cell's low nibble is cast to State for the destination state; the rest
// is an action bitmask.
var cpTransitions = [16][10]int{
	/* Up    */ {2, int(actIRC | actSCR | 6), 0x10, 0x10, 0x10, 0x10, 0x10, 0x10, 0x10, 0x10},
	/* Down  */ {0x10, 0x10, 0, int(actTLS | 1), 0, 1, 1, 1, 1, int(actTLD | 1)},
	/* Open  */ {int(actTLS | 1), 1, int(actIRC | actSCR | 6), 3, 5, 5, 6, 7, 8, 9},
	/* Close */ {0, int(actTLF | 0), 2, 2, 4, 4, int(actIRC | actSTR | 4), int(actIRC | actSTR | 4), int(actIRC | actSTR | 4), int(actTLD | actIRC | actSTR | 4)},
	/* TO+   */ {0x10, 0x10, 0x10, 0x10, int(actSTR | 4), int(actSTR | 5), int(actSCR | 6), int(actSCR | 6), int(actSCR | 8), 0x10},
	/* TO-   */ {0x10, 0x10, 0x10, 0x10, int(actTLF | 2), int(actTLF | 3), int(actTLF | 3), int(actTLF | 3), int(actTLF | 3), 0x10},
	/* RCR+  */ {0x10, 0x10, int(actSTA | 2), int(actIRC | actSCR | actSCA | 8), 4, 5, int(actSCA | 8), int(actSCA | actTLU | 9), int(actSCA | 8), int(actTLD | actSCR | actSCA | 8)},
	/* RCR-  */ {0x10, 0x10, int(actSTA | 2), int(actIRC | actSCR | actSCN | 6), 4, 5, int(actSCN | 6), int(actSCN | 7), int(actSCN | 6), int(actTLD | actSCR | actSCN | 6)},
	/* RCA   */ {0x10, 0x10, int(actSTA | 2), int(actSTA | 3), 4, 5, int(actIRC | 7), int(actSCR | 6), int(actIRC | actTLU | 9), int(actTLD | actSCR | 6)},
	/* RCN   */ {0x10, 0x10, int(actSTA | 2), int(actSTA | 3), 4, 5, int(actIRC | actSCR | 6), int(actSCR | 6), int(actIRC | actSCR | 8), int(actTLD | actSCR | 6)},
	/* RTR   */ {0x10, 0x10, int(actSTA | 2), int(actSTA | 3), int(actSTA | 4), int(actSTA | 5), int(actSTA | 6), int(actSTA | 6), int(actSTA | 6), int(actTLD | actZRC | actSTA | 5)},
	/* RTA   */ {0x10, 0x10, 2, 3, int(actTLF | 2), int(actTLF | 3), 6, 6, 8, int(actTLD | actSCR | 6)},
	/* RUC   */ {0x10, 0x10, int(actSCJ | 2), int(actSCJ | 3), int(actSCJ | 4), int(actSCJ | 5), int(actSCJ | 6), int(actSCJ | 7), int(actSCJ | 8), int(actSCJ | 9)},
	/* RXJ+  */ {0x10, 0x10, 2, 3, 4, 5, 6, 6, 8, 9},
	/* RXJ-  */ {0x10, 0x10, int(actTLF | 2), int(actTLF | 3), int(actTLF | 2), int(actTLF | 3), int(actTLF | 3), int(actTLF | 3), int(actTLF | 3), int(actTLD | actIRC | actSTR | 5)},
	/* RXR   */ {0x10, 0x10, 2, 3, 4, 5, 6, 7, 8, int(actSER | 9)},
}

const (
	initialRestartTimeout = 3 * time.Second
	maxTerminate          = 2
	maxConfigure          = 10
	defaultMaxFailure     = 5
)

// RCRResult is the driver's verdict on a peer Configure-Request.
type RCRResult int

const (
	RCRAccept RCRResult = iota
	RCRReject
	RCRNak
)

// Driver supplies the option-specific behavior plugged into the generic
// FSM: protocol number, the codes it understands, and the RCR/RCA/RCN
// option-negotiation callbacks. Embed BaseDriver to get no-op defaults for
// the hooks a given protocol doesn't need, mirroring the original's
// NULL-checked function-pointer vtable fields.
type Driver interface {
	Proto() uint16
	Name() string
	SupportedCodes() uint16

	ThisLayerUp(f *FSM)
	ThisLayerDown(f *FSM)
	ThisLayerStarted(f *FSM)
	ThisLayerFinished(f *FSM)

	RCA(f *FSM, pkt *Packet)
	RCNNak(f *FSM, pkt *Packet)
	RCNRej(f *FSM, pkt *Packet)
	RCR(f *FSM, pkt *Packet) (RCRResult, []byte)
}

// BaseDriver gives every Driver method a no-op implementation; concrete
// drivers embed it and override only what they need.
type BaseDriver struct{}

func (BaseDriver) ThisLayerUp(*FSM)       {}
func (BaseDriver) ThisLayerDown(*FSM)     {}
func (BaseDriver) ThisLayerStarted(*FSM)  {}
func (BaseDriver) ThisLayerFinished(*FSM) {}
func (BaseDriver) RCA(*FSM, *Packet)      {}
func (BaseDriver) RCNNak(*FSM, *Packet)   {}
func (BaseDriver) RCNRej(*FSM, *Packet)   {}
func (BaseDriver) RCR(*FSM, *Packet) (RCRResult, []byte) {
	return RCRAccept, nil
}

// Transmitter sends a PPP-protocol-framed packet over the link; ppp.Link
// implements this.
type Transmitter interface {
	Transmit(proto uint16, info []byte)
}

type timerData struct {
	restartCounter  int
	restartInterval time.Duration
	maxCounter      int
	timer           *time.Timer
}

func (t *timerData) isFirstRequest() bool {
	return t.restartCounter == t.maxCounter
}

// FSM is one running instance of the PPPCP automaton for a single protocol
// (LCP, IPCP, or IPv6CP) on a single link.
type FSM struct {
	state State

	configTimer    timerData
	terminateTimer timerData

	maxFailure     int
	failureCounter int

	configIdentifier    byte
	terminateIdentifier byte
	rejectIdentifier    byte

	localOptions []byte
	peerOptions  []byte
	sendReject   bool

	driver Driver
	tx     Transmitter
	loop   *reactor.Loop
	logger *slog.Logger

	restartNotify func(proto string)

	priv any
}

// SetRestartNotify installs a callback invoked once per Configure/Terminate-
// Request sent, letting a caller record retry metrics without pppcp
// depending on any particular metrics library.
func (f *FSM) SetRestartNotify(fn func(proto string)) {
	f.restartNotify = fn
}

// New creates an FSM for driver, dormant meaning "start in Stopped rather
// than Initial" (the original's convention for a protocol that the session
// hasn't enabled yet). loop is the owning reactor.Loop that timer callbacks
// post back onto, so all state mutation stays on a single goroutine.
func New(driver Driver, tx Transmitter, loop *reactor.Loop, dormant bool, maxFailure int, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFailure == 0 {
		maxFailure = defaultMaxFailure
	}
	f := &FSM{
		driver:     driver,
		tx:         tx,
		loop:       loop,
		maxFailure: maxFailure,
		logger:     logger.With("proto", driver.Name()),
	}
	if dormant {
		f.state = StateStopped
	} else {
		f.state = StateInitial
	}
	f.configTimer.restartInterval = initialRestartTimeout
	f.terminateTimer.restartInterval = initialRestartTimeout
	f.configTimer.maxCounter = maxConfigure
	f.terminateTimer.maxCounter = maxTerminate
	return f
}

// State returns the FSM's current automaton state.
func (f *FSM) State() State { return f.state }

// SetData attaches arbitrary protocol-private state (e.g. the IPCP
// negotiated addresses) retrievable via Data.
func (f *FSM) SetData(v any) { f.priv = v }

// Data returns the value set by SetData.
func (f *FSM) Data() any { return f.priv }

// SetLocalOptions sets the Configure-Request option TLV bytes this FSM
// will offer; drivers call this before Open and again after a Nak/Reject
// to narrow the next request.
func (f *FSM) SetLocalOptions(options []byte) {
	f.localOptions = options
}

// Open signals the Open administrative event (RFC 1661 §4.1): the upper
// layer wants this protocol negotiated.
func (f *FSM) Open() { f.generateEvent(EventOpen, nil) }

// Close signals the Close administrative event: the upper layer no longer
// wants this protocol active.
func (f *FSM) Close() { f.generateEvent(EventClose, nil) }

// Up signals that the lower layer has become available.
func (f *FSM) Up() { f.generateEvent(EventUp, nil) }

// Down signals that the lower layer has gone away.
func (f *FSM) Down() { f.generateEvent(EventDown, nil) }

func (f *FSM) stopTimer(t *timerData) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (f *FSM) startTimer(t *timerData) {
	f.stopTimer(t)
	interval := t.restartInterval
	t.timer = time.AfterFunc(interval, func() {
		f.loop.Post(func() { f.onTimeout(t) })
	})
}

func (f *FSM) onTimeout(t *timerData) {
	if t.restartCounter > 0 {
		f.generateEvent(EventTOPlus, nil)
	} else {
		f.generateEvent(EventTOMinus, nil)
	}
}

func (f *FSM) transition(newState State) {
	switch newState {
	case StateInitial, StateStarting, StateClosed, StateStopped, StateOpened:
		f.stopTimer(&f.configTimer)
		f.stopTimer(&f.terminateTimer)
	}
	f.logger.Debug("pppcp state transition", "from", f.state, "to", newState)
	f.state = newState
}

func newIdentity(prev byte) byte { return prev + 1 }

func (f *FSM) sendConfigureRequest() {
	if timerData := &f.configTimer; timerData.isFirstRequest() {
		f.configIdentifier = newIdentity(f.configIdentifier)
	}
	pkt := encodePacket(CodeConfigureRequest, f.configIdentifier, f.localOptions)
	f.tx.Transmit(f.driver.Proto(), pkt)
	f.configTimer.restartCounter--
	f.startTimer(&f.configTimer)
	if f.restartNotify != nil {
		f.restartNotify(f.driver.Name())
	}
}

func (f *FSM) sendConfigureAck(request *Packet) {
	f.failureCounter = 0
	pkt := encodePacket(CodeConfigureAck, request.Identifier, request.Data)
	f.tx.Transmit(f.driver.Proto(), pkt)
}

func (f *FSM) sendConfigureNak(request *Packet) {
	var pkt []byte
	if f.failureCounter >= f.maxFailure {
		pkt = encodePacket(CodeConfigureReject, request.Identifier, request.Data)
	} else {
		code := CodeConfigureNak
		if f.sendReject {
			code = CodeConfigureReject
		} else {
			f.failureCounter++
		}
		pkt = encodePacket(code, request.Identifier, f.peerOptions)
	}
	f.tx.Transmit(f.driver.Proto(), pkt)
	f.peerOptions = nil
}

func (f *FSM) sendTerminateRequest() {
	if f.terminateTimer.isFirstRequest() {
		f.terminateIdentifier = newIdentity(f.terminateIdentifier)
	}
	pkt := encodePacket(CodeTerminateRequest, f.terminateIdentifier, nil)
	f.tx.Transmit(f.driver.Proto(), pkt)
	f.terminateTimer.restartCounter--
	f.startTimer(&f.terminateTimer)
	if f.restartNotify != nil {
		f.restartNotify(f.driver.Name())
	}
}

func (f *FSM) sendTerminateAck(request *Packet) {
	pkt := encodePacket(CodeTerminateAck, request.Identifier, nil)
	f.tx.Transmit(f.driver.Proto(), pkt)
	f.startTimer(&f.terminateTimer)
}

func (f *FSM) sendCodeReject(rejected *Packet) {
	f.rejectIdentifier = newIdentity(f.rejectIdentifier)
	pkt := encodePacket(CodeCodeReject, f.rejectIdentifier, rejected.Raw())
	f.tx.Transmit(f.driver.Proto(), pkt)
}

func (f *FSM) sendEchoReply(request *Packet) {
	pkt := encodePacket(CodeEchoReply, request.Identifier, make([]byte, 4))
	f.tx.Transmit(f.driver.Proto(), pkt)
}

// SendProtocolReject reports a packet received for a protocol this link
// doesn't support, per RFC 1661 §5.7. rejectedPacket is the rejected
// packet's 2-byte protocol field followed by its information field; it is
// copied into the reject verbatim, with no further stripping. Only valid
// while the FSM's protocol (LCP) is Opened.
func (f *FSM) SendProtocolReject(rejectedPacket []byte) {
	if f.state != StateOpened {
		return
	}
	f.rejectIdentifier = newIdentity(f.rejectIdentifier)
	payload := append([]byte(nil), rejectedPacket...)
	pkt := encodePacket(CodeProtocolReject, f.rejectIdentifier, payload)
	f.tx.Transmit(f.driver.Proto(), pkt)
}

// generateEvent is the heart of the FSM: RFC 1661 §4.1's table dispatch.
func (f *FSM) generateEvent(event EventType, packet *Packet) {
	if event > EventRXR {
		f.logger.Warn("illegal pppcp event", "event", event, "state", f.state)
		return
	}

	actions := cpTransitions[event][f.state]
	newState := State(actions & 0xf)

	if actions&int(actInvalid) != 0 {
		f.logger.Warn("illegal pppcp event for state", "event", event, "state", f.state)
		return
	}

	if actions&int(actIRC) != 0 {
		t := &f.configTimer
		if newState == StateClosing || newState == StateStopping {
			t = &f.terminateTimer
		}
		t.restartCounter = t.maxCounter
	} else if actions&int(actZRC) != 0 {
		f.terminateTimer.restartCounter = 0
	}

	if actions&int(actSCR) != 0 {
		f.sendConfigureRequest()
	}

	if actions&int(actSCA) != 0 {
		f.sendConfigureAck(packet)
	} else if actions&int(actSCN) != 0 {
		f.sendConfigureNak(packet)
	}

	if actions&int(actSTR) != 0 {
		f.sendTerminateRequest()
	} else if actions&int(actSTA) != 0 {
		f.sendTerminateAck(packet)
	}

	if actions&int(actSCJ) != 0 {
		f.sendCodeReject(packet)
	}

	if actions&int(actSER) != 0 {
		f.sendEchoReply(packet)
	}

	f.transition(newState)

	switch {
	case actions&int(actTLS) != 0:
		f.driver.ThisLayerStarted(f)
	case actions&int(actTLU) != 0:
		f.driver.ThisLayerUp(f)
	case actions&int(actTLD) != 0:
		f.driver.ThisLayerDown(f)
	case actions&int(actTLF) != 0:
		f.driver.ThisLayerFinished(f)
	}
}

func (f *FSM) processConfigureRequest(pkt *Packet) EventType {
	if f.failureCounter >= f.maxFailure {
		return EventRCRMinus
	}
	result, newOptions := f.driver.RCR(f, pkt)
	switch result {
	case RCRReject:
		f.sendReject = true
		f.peerOptions = newOptions
		return EventRCRMinus
	case RCRNak:
		f.sendReject = false
		f.peerOptions = newOptions
		return EventRCRMinus
	}
	return EventRCRPlus
}

func (f *FSM) processConfigureAck(pkt *Packet) EventType {
	if pkt.Identifier != f.configIdentifier {
		return 0
	}
	if len(f.localOptions) != len(pkt.Data) {
		return 0
	}
	for i := range f.localOptions {
		if f.localOptions[i] != pkt.Data[i] {
			return 0
		}
	}
	f.driver.RCA(f, pkt)
	return EventRCA
}

func (f *FSM) processConfigureNak(pkt *Packet) EventType {
	if pkt.Identifier != f.configIdentifier {
		return 0
	}
	f.driver.RCNNak(f, pkt)
	return EventRCN
}

func (f *FSM) processConfigureReject(pkt *Packet) EventType {
	if pkt.Identifier != f.configIdentifier {
		return 0
	}
	f.driver.RCNRej(f, pkt)
	return EventRCN
}

// ProcessPacket parses and dispatches an incoming PPPCP packet for this
// protocol, translating its code into the corresponding automaton event.
func (f *FSM) ProcessPacket(raw []byte) {
	pkt, ok := ParsePacket(raw)
	if !ok {
		return
	}

	var event EventType
	if f.driver.SupportedCodes()&(1<<uint(pkt.Code)) == 0 {
		event = EventRUC
	} else {
		switch pkt.Code {
		case CodeConfigureRequest:
			event = f.processConfigureRequest(pkt)
		case CodeConfigureAck:
			event = f.processConfigureAck(pkt)
		case CodeConfigureNak:
			event = f.processConfigureNak(pkt)
		case CodeConfigureReject:
			event = f.processConfigureReject(pkt)
		case CodeTerminateRequest:
			event = EventRTR
		case CodeTerminateAck:
			event = EventRTA
		case CodeCodeReject:
			event = EventRXJMinus
		case CodeProtocolReject:
			event = EventRXJMinus
		case CodeEchoRequest:
			event = EventRXR
		case CodeEchoReply:
			event = 0
		case CodeDiscardRequest:
			event = 0
		default:
			event = EventRUC
		}
	}

	// event is left zero-valued (colliding in representation with EventUp,
	// but never produced here) by the processConfigure* helpers to mean
	// "discard silently" - e.g. a Configure-Ack/Nak/Reject whose identifier
	// doesn't match our outstanding request, or an Echo-Reply/Discard-Request.
	if event != 0 {
		f.generateEvent(event, pkt)
	}
}
