// Package chap implements the PPP Challenge Handshake Authentication
// Protocol (RFC 1994), MD5 variant only (PPP CHAP algorithm 5) - the only
// method this stack's LCP negotiates.
package chap

import (
	"crypto/md5"
	"encoding/binary"
)

// Protocol is CHAP's PPP protocol number, RFC 1994 §2.
const Protocol uint16 = 0xc223

// MethodMD5 is the CHAP algorithm identifier this package implements,
// RFC 1994 §4.
const MethodMD5 byte = 5

// Code is a CHAP packet type, RFC 1994 §4.
type Code byte

const (
	CodeChallenge Code = 1
	CodeResponse  Code = 2
	CodeSuccess   Code = 3
	CodeFailure   Code = 4
)

// Transmitter sends a PPP-protocol-framed packet over the link.
type Transmitter interface {
	Transmit(proto uint16, info []byte)
}

// Notifier is told the outcome of the authentication exchange.
type Notifier interface {
	AuthResult(success bool)
}

// Handler is the CHAP peer-side state: it answers Challenge packets with
// an MD5 response and reports Success/Failure to the Notifier.
type Handler struct {
	tx       Transmitter
	notifier Notifier
	username string
	secret   string
}

// New builds a CHAP handler authenticating as username/secret.
func New(tx Transmitter, notifier Notifier, username, secret string) *Handler {
	return &Handler{tx: tx, notifier: notifier, username: username, secret: secret}
}

// ProcessPacket parses a PPPCP-header-shaped CHAP packet (code/identifier/
// length/data) and reacts according to RFC 1994 §4.
func (h *Handler) ProcessPacket(packet []byte) {
	if len(packet) < 4 {
		return
	}
	code := Code(packet[0])
	switch code {
	case CodeChallenge:
		h.respondToChallenge(packet)
	case CodeSuccess:
		h.notifier.AuthResult(true)
	case CodeFailure:
		h.notifier.AuthResult(false)
	}
}

func (h *Handler) respondToChallenge(packet []byte) {
	identifier := packet[1]
	length := binary.BigEndian.Uint16(packet[2:4])
	if int(length) > len(packet) || length < 5 {
		return
	}
	valueSize := int(packet[4])
	if 5+valueSize > len(packet) {
		return
	}
	value := packet[5 : 5+valueSize]

	sum := md5.New()
	sum.Write([]byte{identifier})
	if h.secret != "" {
		sum.Write([]byte(h.secret))
	}
	sum.Write(value)
	digest := sum.Sum(nil)

	resp := make([]byte, 5+len(digest)+len(h.username))
	resp[0] = byte(CodeResponse)
	resp[1] = identifier
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(resp)))
	resp[4] = byte(len(digest))
	copy(resp[5:], digest)
	copy(resp[5+len(digest):], h.username)

	h.tx.Transmit(Protocol, resp)
}
