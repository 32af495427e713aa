// Package hdlc implements the RFC 1662 byte-stuffing HDLC-like framer used
// to carry PPP and raw-IP traffic over an async serial link: a 16-bit
// CCITT FCS, a configurable Async-Control-Character-Map for the escaping of
// control bytes, and "+++" escape-sequence guard-timer detection so a data
// session can be suspended back to command mode without closing the link.
package hdlc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/daedaluz/gatmux/ioendpoint"
	"github.com/daedaluz/gatmux/ringbuf"
)

const (
	flagByte   = 0x7E
	escapeByte = 0x7D
	transMask  = 0x20

	guardTimeout = time.Second
)

// ReceiveFunc is called with one deframed, FCS-validated payload per call.
type ReceiveFunc func(frame []byte)

// SuspendFunc is called once the "+++" guard sequence has been detected and
// the read/write handlers have been torn down; the caller regains raw
// control of the Endpoint to hand it to a command-mode chat session.
type SuspendFunc func()

// Codec frames and deframes HDLC traffic over an ioendpoint.Endpoint.
type Codec struct {
	ep     *ioendpoint.Endpoint
	logger *slog.Logger

	mu            sync.Mutex
	xmitACCM      [8]uint32
	recvACCM      uint32
	receiveFunc   ReceiveFunc
	suspendFunc   SuspendFunc
	startMarker   bool
	wakeupSent    bool
	noCarrierDet  bool

	decodeBuf    []byte
	decodeFCS    uint16
	decodeEscape bool

	writeBuf []byte

	lastActivity time.Time
	numPlus      int
	suspendTimer *time.Timer
}

// New wraps ep with an HDLC codec. The default ACCM escapes all control
// characters 0x00-0x1F on transmit and accepts the peer's default receive
// ACCM (also escape-everything), matching g_at_hdlc_new_from_io's defaults.
func New(ep *ioendpoint.Endpoint, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Codec{
		ep:           ep,
		logger:       logger.With("component", "hdlc"),
		recvACCM:     ^uint32(0),
		decodeFCS:    initFCS,
		lastActivity: time.Now(),
	}
	c.xmitACCM[0] = ^uint32(0)
	c.xmitACCM[3] = 0x60000000 // escape 0x7d, 0x7e
	ep.SetReadHandler(c.onReadable)
	return c
}

// SetReceiveFunc installs the frame delivery callback.
func (c *Codec) SetReceiveFunc(fn ReceiveFunc) {
	c.mu.Lock()
	c.receiveFunc = fn
	c.mu.Unlock()
}

// SetSuspendFunc installs the callback fired once a "+++" escape has been
// recognized and the guard timer has elapsed with no further traffic.
func (c *Codec) SetSuspendFunc(fn SuspendFunc) {
	c.mu.Lock()
	c.suspendFunc = fn
	c.mu.Unlock()
}

// SetRecvACCM sets the receive Async-Control-Character-Map: bit n set means
// a raw (unescaped) occurrence of byte n (0-31) is discarded as line noise.
func (c *Codec) SetRecvACCM(accm uint32) {
	c.mu.Lock()
	c.recvACCM = accm
	c.mu.Unlock()
}

// SetXmitACCM sets the transmit ACCM's low word (bytes 0-31); the high
// escape bits for 0x7D/0x7E are always set regardless.
func (c *Codec) SetXmitACCM(accm uint32) {
	c.mu.Lock()
	c.xmitACCM[0] = accm
	c.mu.Unlock()
}

// SetStartFrameMarker controls whether every transmitted frame is prefixed
// with a leading 0x7E (protocol-required) as opposed to only the first
// frame of a session (the "wakeup" flag).
func (c *Codec) SetStartFrameMarker(v bool) {
	c.mu.Lock()
	c.startMarker = v
	c.mu.Unlock()
}

// SetNoCarrierDetect enables stopping the decoder at a '\r' found at
// frame-decode offset zero (modems that fall back to AT-command text
// mid-session write a textual result code rather than hanging up cleanly).
// That byte and everything after it stay in the read buffer; no callback
// reports the event.
func (c *Codec) SetNoCarrierDetect(v bool) {
	c.mu.Lock()
	c.noCarrierDet = v
	c.mu.Unlock()
}

func needEscape(accm [8]uint32, c byte) bool {
	return accm[c>>5]&(1<<(c&0x1f)) != 0
}

// onReadable runs on the Endpoint's reactor loop; it owns the decode state
// machine and is never called concurrently with itself or with Send's
// write-handler pump (both are serialized through the same Endpoint loop).
func (c *Codec) onReadable(buf *ringbuf.Buffer) {
	n := buf.Len()
	if n == 0 {
		return
	}
	data := buf.Peek(n)

	c.mu.Lock()
	if c.suspendTimer != nil {
		c.suspendTimer.Stop()
		c.suspendTimer = nil
		c.lastActivity = time.Now()
	} else {
		escaping := c.checkEscape(data)
		c.lastActivity = time.Now()
		if escaping {
			c.mu.Unlock()
			buf.Drain(n)
			return
		}
	}
	c.mu.Unlock()

	consumed := c.decode(data)
	buf.Drain(consumed)
}

// checkEscape implements the "+++" guard-timer detector: the buffer must
// consist solely of 1-3 '+' characters, and either the guard timer has
// already elapsed since the last byte or a partial sequence is already in
// progress. Must be called with c.mu held.
func (c *Codec) checkEscape(data []byte) bool {
	guardElapsed := time.Since(c.lastActivity) >= guardTimeout
	numPlus := 0
	for numPlus < len(data) && numPlus < 3 && data[numPlus] == '+' {
		numPlus++
	}
	if numPlus != len(data) {
		return false
	}
	if !guardElapsed && c.numPlus == 0 {
		return false
	}
	total := c.numPlus + numPlus
	if total > 3 {
		c.numPlus = 0
		return false
	}
	if total != 3 {
		c.numPlus = total
		return true
	}
	c.numPlus = 0
	c.suspendTimer = time.AfterFunc(guardTimeout, c.doSuspend)
	return true
}

func (c *Codec) doSuspend() {
	c.ep.SetReadHandler(nil)
	c.ep.SetWriteHandler(nil)
	c.mu.Lock()
	c.suspendTimer = nil
	fn := c.suspendFunc
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Codec) decode(data []byte) int {
	pos := 0
	c.mu.Lock()
	recvACCM := c.recvACCM
	noCarrier := c.noCarrierDet
	c.mu.Unlock()

	for pos < len(data) {
		b := data[pos]

		if noCarrier && len(c.decodeBuf) == 0 && b == '\r' {
			break
		}

		switch {
		case c.decodeEscape:
			v := b ^ transMask
			c.decodeBuf = append(c.decodeBuf, v)
			c.decodeFCS = updateFCS(c.decodeFCS, v)
			c.decodeEscape = false
		case b == escapeByte:
			c.decodeEscape = true
		case b == flagByte:
			if len(c.decodeBuf) > 2 && c.decodeFCS == goodFCS {
				frame := make([]byte, len(c.decodeBuf)-2)
				copy(frame, c.decodeBuf[:len(c.decodeBuf)-2])
				c.mu.Lock()
				fn := c.receiveFunc
				c.mu.Unlock()
				if fn != nil {
					fn(frame)
				}
			} else if len(c.decodeBuf) > 2 {
				c.logger.Debug("hdlc frame dropped: fcs mismatch")
			}
			c.decodeFCS = initFCS
			c.decodeBuf = c.decodeBuf[:0]
		case b >= 0x20 || (recvACCM&(1<<b)) == 0:
			c.decodeBuf = append(c.decodeBuf, b)
			c.decodeFCS = updateFCS(c.decodeFCS, b)
		}

		pos++
	}
	return pos
}

// Send frames payload and queues it for transmission, installing a write
// handler on the Endpoint if one isn't already pumping.
func (c *Codec) Send(payload []byte) {
	c.mu.Lock()
	frame := c.encode(payload)
	first := len(c.writeBuf) == 0
	c.writeBuf = append(c.writeBuf, frame...)
	c.mu.Unlock()

	if first {
		c.ep.SetWriteHandler(c.pump)
	}
}

func (c *Codec) pump() bool {
	c.mu.Lock()
	buf := c.writeBuf
	c.mu.Unlock()
	if len(buf) == 0 {
		return false
	}
	n, err := c.ep.Write(buf)
	if err != nil {
		c.logger.Warn("hdlc write error", "error", err)
		c.mu.Lock()
		c.writeBuf = nil
		c.mu.Unlock()
		return false
	}
	c.mu.Lock()
	c.writeBuf = c.writeBuf[n:]
	remaining := len(c.writeBuf)
	c.mu.Unlock()
	return remaining > 0
}

func (c *Codec) encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)

	if c.startMarker {
		out = append(out, flagByte)
	} else if !c.wakeupSent {
		out = append(out, flagByte)
		c.wakeupSent = true
	}

	fcs := uint16(initFCS)
	for _, b := range payload {
		fcs = updateFCS(fcs, b)
		out = appendEscaped(out, b, c.xmitACCM)
	}
	fcs ^= 0xFFFF
	out = appendEscaped(out, byte(fcs&0xff), c.xmitACCM)
	out = appendEscaped(out, byte(fcs>>8), c.xmitACCM)
	out = append(out, flagByte)
	return out
}

func appendEscaped(out []byte, b byte, accm [8]uint32) []byte {
	if needEscape(accm, b) {
		return append(out, escapeByte, b^transMask)
	}
	return append(out, b)
}

// Suspend tears down the Endpoint's read/write handlers without waiting for
// the guard timer, for callers that already know the link is switching to
// command mode (e.g. after a PPP LCP terminate).
func (c *Codec) Suspend() {
	c.ep.SetReadHandler(nil)
	c.ep.SetWriteHandler(nil)
}

// Resume reinstalls the read handler (and the write handler, if there is
// queued data) after a Suspend.
func (c *Codec) Resume() {
	c.ep.SetReadHandler(c.onReadable)
	c.mu.Lock()
	pending := len(c.writeBuf) > 0
	c.mu.Unlock()
	if pending {
		c.ep.SetWriteHandler(c.pump)
	}
}
