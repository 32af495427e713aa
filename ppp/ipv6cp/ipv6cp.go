// Package ipv6cp implements the PPP IPv6 Control Protocol (RFC 5072): the
// pppcp.Driver that negotiates the local/peer 64-bit interface identifiers
// used to derive each end's link-local IPv6 address.
package ipv6cp

import (
	"encoding/binary"

	"github.com/daedaluz/gatmux/pppcp"
)

// Protocol is IPv6CP's PPP protocol number, RFC 5072 §3.
const Protocol uint16 = 0x8057

const optInterfaceID byte = 1

const supportedCodes = 1<<1 | 1<<2 | 1<<3 | 1<<4 | 1<<5 | 1<<6 | 1<<7

// Notifier receives IPv6CP lifecycle notifications.
type Notifier interface {
	IPv6CPUp(localID, peerID uint64)
	IPv6CPDown()
	IPv6CPFinished()
}

// Driver is the IPv6CP pppcp.Driver.
type Driver struct {
	pppcp.BaseDriver

	notifier Notifier
	request  bool

	localID uint64
	peerID  uint64

	fsm *pppcp.FSM
}

// New builds a Driver offering localID as this end's interface identifier.
func New(notifier Notifier, localID uint64) *Driver {
	return &Driver{
		notifier: notifier,
		request:  true,
		localID:  localID,
	}
}

// Bind attaches the running FSM, mirroring lcp.Driver.Bind.
func (d *Driver) Bind(f *pppcp.FSM) {
	d.fsm = f
	d.regenerateOptions()
}

func (d *Driver) Proto() uint16          { return Protocol }
func (d *Driver) Name() string           { return "ipv6cp" }
func (d *Driver) SupportedCodes() uint16 { return supportedCodes }

func (d *Driver) regenerateOptions() {
	if d.fsm == nil || !d.request {
		return
	}
	opts := make([]byte, 10)
	opts[0] = optInterfaceID
	opts[1] = 10
	binary.BigEndian.PutUint64(opts[2:], d.localID)
	d.fsm.SetLocalOptions(opts)
}

func (d *Driver) ThisLayerUp(f *pppcp.FSM)       { d.notifier.IPv6CPUp(d.localID, d.peerID) }
func (d *Driver) ThisLayerDown(f *pppcp.FSM)     { d.notifier.IPv6CPDown() }
func (d *Driver) ThisLayerFinished(f *pppcp.FSM) { d.notifier.IPv6CPFinished() }

func (d *Driver) RCA(f *pppcp.FSM, pkt *pppcp.Packet) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		if it.Type == optInterfaceID && len(it.Data) >= 8 {
			d.localID = binary.BigEndian.Uint64(it.Data)
		}
	}
}

func (d *Driver) RCNNak(f *pppcp.FSM, pkt *pppcp.Packet) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		if it.Type == optInterfaceID && len(it.Data) >= 8 {
			d.localID = binary.BigEndian.Uint64(it.Data)
			d.request = true
		}
	}
	d.regenerateOptions()
}

func (d *Driver) RCNRej(f *pppcp.FSM, pkt *pppcp.Packet) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		if it.Type == optInterfaceID {
			d.request = false
		}
	}
}

// RCR accepts any nonzero interface identifier the peer proposes, Nak'ing a
// zero identifier with the bitwise complement of our own identifier as the
// suggestion, so it cannot collide with ours.
func (d *Driver) RCR(f *pppcp.FSM, pkt *pppcp.Packet) (pppcp.RCRResult, []byte) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		switch it.Type {
		case optInterfaceID:
			if len(it.Data) < 8 {
				return pppcp.RCRReject, nil
			}
			id := binary.BigEndian.Uint64(it.Data)
			if id == 0 {
				nak := make([]byte, 10)
				nak[0] = optInterfaceID
				nak[1] = 10
				binary.BigEndian.PutUint64(nak[2:], ^d.localID)
				return pppcp.RCRNak, nak
			}
			d.peerID = id
		default:
			return pppcp.RCRReject, nil
		}
	}
	return pppcp.RCRAccept, nil
}
