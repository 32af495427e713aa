package pppcp

import "encoding/binary"

// Code identifies a PPPCP packet's type, per RFC 1661 §5.
type Code byte

const (
	CodeConfigureRequest Code = 1
	CodeConfigureAck     Code = 2
	CodeConfigureNak     Code = 3
	CodeConfigureReject  Code = 4
	CodeTerminateRequest Code = 5
	CodeTerminateAck     Code = 6
	CodeCodeReject       Code = 7
	CodeProtocolReject   Code = 8
	CodeEchoRequest      Code = 9
	CodeEchoReply        Code = 10
	CodeDiscardRequest   Code = 11
)

// headerSize is the size of a PPPCP packet header: code, identifier, length.
const headerSize = 4

// Packet is a parsed view over a PPPCP control packet's wire bytes; Data is
// a slice into the original buffer, not a copy.
type Packet struct {
	Code       Code
	Identifier byte
	Data       []byte // the TLV option list, or opaque payload for non-configure codes
	raw        []byte
}

// ParsePacket decodes a PPPCP header from raw. The caller is expected to
// have already stripped the PPP address/control/protocol header.
func ParsePacket(raw []byte) (*Packet, bool) {
	if len(raw) < headerSize {
		return nil, false
	}
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if length < headerSize || length > len(raw) {
		return nil, false
	}
	return &Packet{
		Code:       Code(raw[0]),
		Identifier: raw[1],
		Data:       raw[headerSize:length],
		raw:        raw[:length],
	}, true
}

// Raw returns the full wire-format packet bytes (header + data) this Packet
// was parsed from.
func (p *Packet) Raw() []byte { return p.raw }

// Length returns the on-wire PPPCP packet length field (header + data).
func (p *Packet) Length() int { return headerSize + len(p.Data) }

// encodePacket builds the wire bytes for a code/identifier/payload triple.
func encodePacket(code Code, identifier byte, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(code)
	buf[1] = identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	copy(buf[headerSize:], payload)
	return buf
}

// OptionIter walks a Configure-Request/Ack/Nak/Reject packet's TLV option
// list: each option is [type(1) length(1) data(length-2)].
type OptionIter struct {
	data []byte
	pos  int

	Type byte
	Len  byte
	Data []byte
}

// NewOptionIter builds an iterator over a packet's option TLV list.
func NewOptionIter(data []byte) *OptionIter {
	return &OptionIter{data: data}
}

// Next advances to the next option, returning false when exhausted or on a
// malformed (truncated) TLV.
func (it *OptionIter) Next() bool {
	if it.pos+2 > len(it.data) {
		return false
	}
	optLen := int(it.data[it.pos+1])
	if optLen < 2 || it.pos+optLen > len(it.data) {
		return false
	}
	it.Type = it.data[it.pos]
	it.Len = byte(optLen - 2)
	it.Data = it.data[it.pos+2 : it.pos+optLen]
	it.pos += optLen
	return true
}
