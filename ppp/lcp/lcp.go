// Package lcp implements the PPP Link Control Protocol (RFC 1661 §6): the
// pppcp.Driver that negotiates MRU, the receive ACCM, the Address/Control
// and Protocol field compression options and the authentication protocol,
// before handing the link to the authentication or network phase.
package lcp

import (
	"encoding/binary"
	"log/slog"

	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/daedaluz/gatmux/pppcp"
)

// Protocol is LCP's PPP protocol number, RFC 1661 §2.
const Protocol uint16 = 0xc021

// Option types, RFC 1661 §6.
const (
	optReserved    byte = 0
	optMRU         byte = 1
	optACCM        byte = 2
	optAuthProto   byte = 3
	optQualProto   byte = 4
	optMagicNumber byte = 5
	optPFC         byte = 7
	optACFC        byte = 8
)

const chapProtocol uint16 = 0xc223
const chapMethodMD5 byte = 5

// supportedCodes is every PPPCP code LCP understands, RFC 1661 §6.
const supportedCodes = 1<<1 | 1<<2 | 1<<3 | 1<<4 | 1<<5 | 1<<6 | 1<<7 | 1<<8 | 1<<9 | 1<<10 | 1<<11

// Notifier receives LCP lifecycle events; ppp.Link implements this to drive
// the phase machine (authentication start, network-layer start, teardown).
type Notifier interface {
	LCPUp(mru uint16, peerAuth bool)
	LCPDown()
	LCPFinished()
	SetReceiveACCM(accm uint32)
	SetTransmitACCM(accm uint32)
	SetTransmitPFC(bool)
	SetTransmitACFC(bool)
	// SetPeerRequiresAuth is called when the peer's Configure-Request asks
	// us to authenticate with proto (always CHAP/MD5 in this stack, the
	// peer having been Nak'd into it otherwise), mirroring ppp_set_auth.
	SetPeerRequiresAuth(proto uint16)
}

const (
	reqACCM byte = 1 << iota
	reqMRU
	reqACFC
	reqPFC
)

// Driver is the LCP pppcp.Driver: the options an outbound Configure-Request
// carries, and the negotiation logic for options the peer requests or
// rejects.
type Driver struct {
	pppcp.BaseDriver

	notifier Notifier

	reqOptions byte
	accm       uint32
	mru        uint16
	magic      uint32

	fsm *pppcp.FSM
}

// New builds an LCP driver with RFC 1661's usual defaults: default ACCM
// (escape-everything, so unrequested), MRU 1500, ACFC and PFC requested.
func New(notifier Notifier, magicNumber uint32) *Driver {
	d := &Driver{
		notifier: notifier,
		mru:      1500,
		magic:    magicNumber,
	}
	d.reqOptions = reqMRU | reqACFC | reqPFC
	return d
}

// Bind attaches the running FSM so lifecycle hooks can query/mutate state
// (SetLocalOptions) after construction; pppcp.New requires the Driver
// before the FSM exists, so this two-step wiring mirrors pppcp_new's
// pppcp_set_data indirection.
func (d *Driver) Bind(f *pppcp.FSM) {
	d.fsm = f
	d.regenerateOptions()
}

// NewFSM is a convenience constructor wiring a Driver into a fresh FSM.
func NewFSM(notifier Notifier, magicNumber uint32, tx pppcp.Transmitter, loop *reactor.Loop, dormant bool, logger *slog.Logger) (*pppcp.FSM, *Driver) {
	d := New(notifier, magicNumber)
	f := pppcp.New(d, tx, loop, dormant, 0, logger)
	d.Bind(f)
	return f, d
}

func (d *Driver) Proto() uint16          { return Protocol }
func (d *Driver) Name() string           { return "lcp" }
func (d *Driver) SupportedCodes() uint16 { return supportedCodes }

// SetACFCRequested toggles whether we ask the peer to let us omit the
// Address/Control fields on transmit.
func (d *Driver) SetACFCRequested(enabled bool) {
	d.toggle(reqACFC, enabled)
}

// SetPFCRequested toggles whether we ask the peer to let us compress the
// Protocol field on transmit.
func (d *Driver) SetPFCRequested(enabled bool) {
	d.toggle(reqPFC, enabled)
}

func (d *Driver) toggle(bit byte, enabled bool) {
	old := d.reqOptions
	if enabled {
		d.reqOptions |= bit
	} else {
		d.reqOptions &^= bit
	}
	if old != d.reqOptions {
		d.regenerateOptions()
	}
}

func (d *Driver) regenerateOptions() {
	if d.fsm == nil {
		return
	}
	var opts []byte
	if d.reqOptions&reqMRU != 0 {
		opts = append(opts, optMRU, 4, byte(d.mru>>8), byte(d.mru))
	}
	if d.reqOptions&reqACFC != 0 {
		opts = append(opts, optACFC, 2)
	}
	if d.reqOptions&reqPFC != 0 {
		opts = append(opts, optPFC, 2)
	}
	d.fsm.SetLocalOptions(opts)
}

func (d *Driver) ThisLayerUp(f *pppcp.FSM) {
	d.notifier.LCPUp(d.mru, true)
}

func (d *Driver) ThisLayerDown(f *pppcp.FSM) {
	d.regenerateOptions()
	d.notifier.LCPDown()
}

func (d *Driver) ThisLayerFinished(f *pppcp.FSM) {
	d.notifier.LCPFinished()
}

// RCA applies options the peer just acknowledged: only the receive ACCM
// takes effect here, per RFC 1662 §7.1 - the peer is telling us which
// control characters it needs us to keep escaping.
func (d *Driver) RCA(f *pppcp.FSM, pkt *pppcp.Packet) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		if it.Type == optACCM && len(it.Data) >= 4 {
			d.notifier.SetReceiveACCM(binary.BigEndian.Uint32(it.Data))
		}
	}
}

// RCNNak adjusts our local options in response to the peer's suggestions:
// only MRU is ever adjusted, and any suggested MRU below 2048 is taken,
// whether it is smaller or larger than the current one.
func (d *Driver) RCNNak(f *pppcp.FSM, pkt *pppcp.Packet) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		if it.Type == optMRU && len(it.Data) >= 2 {
			mru := binary.BigEndian.Uint16(it.Data)
			if mru < 2048 {
				d.mru = mru
				d.reqOptions |= reqMRU
			}
		}
	}
	d.regenerateOptions()
}

func (d *Driver) RCNRej(f *pppcp.FSM, pkt *pppcp.Packet) {}

// RCR validates and applies the peer's Configure-Request: unknown options
// are rejected outright; an auth-protocol proposal other than CHAP/MD5 is
// Nak'd with a CHAP/MD5 counter-offer (this stack only speaks CHAP-MD5 and
// PAP, and prefers CHAP); everything else is accepted and applied.
func (d *Driver) RCR(f *pppcp.FSM, pkt *pppcp.Packet) (pppcp.RCRResult, []byte) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		switch it.Type {
		case optAuthProto:
			if len(it.Data) < 3 {
				return pppcp.RCRReject, nil
			}
			proto := binary.BigEndian.Uint16(it.Data)
			method := it.Data[2]
			if proto == chapProtocol && method == chapMethodMD5 {
				d.notifier.SetPeerRequiresAuth(proto)
				continue
			}
			nak := []byte{optAuthProto, 5, byte(chapProtocol >> 8), byte(chapProtocol), chapMethodMD5}
			return pppcp.RCRNak, nak
		case optACCM, optPFC, optACFC, optMRU:
			continue
		case optMagicNumber:
			if len(it.Data) < 4 || binary.BigEndian.Uint32(it.Data) == 0 {
				return pppcp.RCRReject, nil
			}
		default:
			return pppcp.RCRReject, nil
		}
	}

	it = pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		switch it.Type {
		case optACCM:
			if len(it.Data) >= 4 {
				d.notifier.SetTransmitACCM(binary.BigEndian.Uint32(it.Data))
			}
		case optPFC:
			if d.reqOptions&reqPFC != 0 {
				d.notifier.SetTransmitPFC(true)
			}
		case optACFC:
			if d.reqOptions&reqACFC != 0 {
				d.notifier.SetTransmitACFC(true)
			}
		}
	}
	return pppcp.RCRAccept, nil
}
