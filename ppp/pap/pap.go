// Package pap implements the PPP Password Authentication Protocol
// (RFC 1334): a single Authenticate-Request is sent and retried on a timer
// until an Ack/Nak arrives or the retry budget is exhausted.
package pap

import (
	"encoding/binary"
	"time"

	"github.com/daedaluz/gatmux/internal/reactor"
)

// Protocol is PAP's PPP protocol number, RFC 1334 §2.
const Protocol uint16 = 0xc023

const (
	maxRetry     = 3
	retryTimeout = 10 * time.Second
)

// Code is a PAP packet type, RFC 1334 §2.1.
type Code byte

const (
	CodeAuthenticateRequest Code = 1
	CodeAuthenticateAck     Code = 2
	CodeAuthenticateNak     Code = 3
)

// Transmitter sends a PPP-protocol-framed packet over the link.
type Transmitter interface {
	Transmit(proto uint16, info []byte)
}

// Notifier is told the outcome of the authentication exchange.
type Notifier interface {
	AuthResult(success bool)
}

// Handler drives the PAP client side: Start sends the one Request and
// retries it on a timer, reposted through loop so state mutation stays
// single-threaded with the rest of the link.
type Handler struct {
	tx       Transmitter
	notifier Notifier
	loop     *reactor.Loop

	username string
	password string

	identifier byte
	retries    int
	timer      *time.Timer
	done       bool
}

// New builds a PAP handler authenticating as username/password.
func New(tx Transmitter, notifier Notifier, loop *reactor.Loop, username, password string) *Handler {
	return &Handler{tx: tx, notifier: notifier, loop: loop, username: username, password: password}
}

func (h *Handler) buildRequest() []byte {
	h.identifier++
	req := make([]byte, 4+1+len(h.username)+1+len(h.password))
	req[0] = byte(CodeAuthenticateRequest)
	req[1] = h.identifier
	binary.BigEndian.PutUint16(req[2:4], uint16(len(req)))
	req[4] = byte(len(h.username))
	off := 5
	copy(req[off:], h.username)
	off += len(h.username)
	req[off] = byte(len(h.password))
	off++
	copy(req[off:], h.password)
	return req
}

// Start transmits the first Authenticate-Request and arms the retry timer.
func (h *Handler) Start() {
	h.retries = 0
	h.identifier = 0
	h.send()
}

func (h *Handler) send() {
	req := h.buildRequest()
	h.tx.Transmit(Protocol, req)
	h.timer = time.AfterFunc(retryTimeout, func() {
		h.loop.Post(h.onTimeout)
	})
}

func (h *Handler) onTimeout() {
	if h.done {
		return
	}
	h.retries++
	if h.retries >= maxRetry {
		h.done = true
		h.notifier.AuthResult(false)
		return
	}
	h.send()
}

func (h *Handler) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// ProcessPacket parses an incoming Ack/Nak and reports the result.
func (h *Handler) ProcessPacket(packet []byte) {
	if h.done || len(packet) < 4 {
		return
	}
	code := Code(packet[0])
	switch code {
	case CodeAuthenticateAck:
		h.stopTimer()
		h.done = true
		h.notifier.AuthResult(true)
	case CodeAuthenticateNak:
		h.stopTimer()
		h.done = true
		h.notifier.AuthResult(false)
	}
}
