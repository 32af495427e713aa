// Package ipcp implements the PPP Internet Protocol Control Protocol
// (RFC 1332): the pppcp.Driver that negotiates the local/peer IPv4
// addresses and DNS servers, as either client (requesting an address) or
// server (handing one out).
package ipcp

import (
	"net"

	"github.com/daedaluz/gatmux/pppcp"
)

// Protocol is IPCP's PPP protocol number, RFC 1332 §2.
const Protocol uint16 = 0x8021

const (
	optIPAddress    byte = 3
	optPrimaryDNS   byte = 129
	optSecondaryDNS byte = 131
)

const supportedCodes = 1<<1 | 1<<2 | 1<<3 | 1<<4 | 1<<5 | 1<<6 | 1<<7

const (
	reqIPAddr byte = 1 << iota
	reqDNS1
	reqDNS2
)

// Notifier receives IPCP lifecycle notifications; ppp.Link implements this
// to bring the TUN interface up/down once addresses are agreed.
type Notifier interface {
	IPCPUp(local, peer, dns1, dns2 net.IP)
	IPCPDown()
	IPCPFinished()
}

// ServerConfig fixes the addresses a server-mode Driver (NewServer) hands
// to the peer. A client-mode Driver (NewClient) takes none and requests an
// address from the peer instead.
type ServerConfig struct {
	PeerAddress net.IP
	DNS1        net.IP
	DNS2        net.IP
}

// Driver is the IPCP pppcp.Driver.
type Driver struct {
	pppcp.BaseDriver

	notifier Notifier
	isServer bool

	reqOptions byte
	localAddr  net.IP
	peerAddr   net.IP
	dns1       net.IP
	dns2       net.IP

	fsm *pppcp.FSM
}

// NewClient builds a Driver that requests an address (and DNS servers)
// from the peer, per the original's default dial-out behavior.
func NewClient(notifier Notifier) *Driver {
	return &Driver{
		notifier:   notifier,
		reqOptions: reqIPAddr | reqDNS1 | reqDNS2,
		localAddr:  net.IPv4zero,
		dns1:       net.IPv4zero,
		dns2:       net.IPv4zero,
	}
}

// NewServer builds a Driver that hands out a fixed peer address and DNS
// servers, per the original's ipcp_set_server_info.
func NewServer(notifier Notifier, localAddr net.IP, cfg ServerConfig) *Driver {
	return &Driver{
		notifier:  notifier,
		isServer:  true,
		localAddr: localAddr,
		peerAddr:  cfg.PeerAddress,
		dns1:      cfg.DNS1,
		dns2:      cfg.DNS2,
	}
}

// Bind attaches the running FSM, mirroring lcp.Driver.Bind.
func (d *Driver) Bind(f *pppcp.FSM) {
	d.fsm = f
	d.regenerateOptions()
}

func (d *Driver) Proto() uint16          { return Protocol }
func (d *Driver) Name() string           { return "ipcp" }
func (d *Driver) SupportedCodes() uint16 { return supportedCodes }

func putIPOption(opts []byte, typ byte, ip net.IP) []byte {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	return append(opts, typ, 6, v4[0], v4[1], v4[2], v4[3])
}

func (d *Driver) regenerateOptions() {
	if d.fsm == nil {
		return
	}
	if d.isServer {
		// The server only ever offers an address once the client asks via
		// RCR; it doesn't send its own Configure-Request options here.
		return
	}
	var opts []byte
	if d.reqOptions&reqIPAddr != 0 {
		opts = putIPOption(opts, optIPAddress, d.localAddr)
	}
	if d.reqOptions&reqDNS1 != 0 {
		opts = putIPOption(opts, optPrimaryDNS, d.dns1)
	}
	if d.reqOptions&reqDNS2 != 0 {
		opts = putIPOption(opts, optSecondaryDNS, d.dns2)
	}
	d.fsm.SetLocalOptions(opts)
}

func (d *Driver) ThisLayerUp(f *pppcp.FSM) {
	d.notifier.IPCPUp(d.localAddr, d.peerAddr, d.dns1, d.dns2)
}

func (d *Driver) ThisLayerDown(f *pppcp.FSM) { d.notifier.IPCPDown() }

func (d *Driver) ThisLayerFinished(f *pppcp.FSM) { d.notifier.IPCPFinished() }

func (d *Driver) RCA(f *pppcp.FSM, pkt *pppcp.Packet) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		ip := ipFromOption(it.Data)
		switch it.Type {
		case optIPAddress:
			d.localAddr = ip
		case optPrimaryDNS:
			d.dns1 = ip
		case optSecondaryDNS:
			d.dns2 = ip
		}
	}
}

func ipFromOption(data []byte) net.IP {
	if len(data) < 4 {
		return nil
	}
	return net.IPv4(data[0], data[1], data[2], data[3])
}

// RCNNak adopts the address(es) the peer suggested, per RFC 1332's usual
// client negotiation: a Nak means "try again with this value".
func (d *Driver) RCNNak(f *pppcp.FSM, pkt *pppcp.Packet) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		ip := ipFromOption(it.Data)
		if ip == nil {
			continue
		}
		switch it.Type {
		case optIPAddress:
			d.localAddr = ip
		case optPrimaryDNS:
			d.dns1 = ip
		case optSecondaryDNS:
			d.dns2 = ip
		}
	}
	d.regenerateOptions()
}

// RCNRej stops requesting any option the peer rejected outright.
func (d *Driver) RCNRej(f *pppcp.FSM, pkt *pppcp.Packet) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		switch it.Type {
		case optIPAddress:
			d.reqOptions &^= reqIPAddr
		case optPrimaryDNS:
			d.reqOptions &^= reqDNS1
		case optSecondaryDNS:
			d.reqOptions &^= reqDNS2
		}
	}
	d.regenerateOptions()
}

// RCR handles an incoming Configure-Request: in server mode, it hands out
// the fixed peer address/DNS servers (Nak'ing a zero or mismatched
// request); in client mode it simply records and accepts whatever the peer
// proposes for itself.
func (d *Driver) RCR(f *pppcp.FSM, pkt *pppcp.Packet) (pppcp.RCRResult, []byte) {
	if d.isServer {
		return d.serverRCR(pkt)
	}
	return d.clientRCR(pkt)
}

func (d *Driver) clientRCR(pkt *pppcp.Packet) (pppcp.RCRResult, []byte) {
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		switch it.Type {
		case optIPAddress:
			d.peerAddr = ipFromOption(it.Data)
		case optPrimaryDNS, optSecondaryDNS:
		default:
			return pppcp.RCRReject, nil
		}
	}
	return pppcp.RCRAccept, nil
}

func (d *Driver) serverRCR(pkt *pppcp.Packet) (pppcp.RCRResult, []byte) {
	var nak []byte
	it := pppcp.NewOptionIter(pkt.Data)
	for it.Next() {
		switch it.Type {
		case optIPAddress:
			want := ipFromOption(it.Data)
			if !want.Equal(d.peerAddr) {
				nak = putIPOption(nak, optIPAddress, d.peerAddr)
			}
		case optPrimaryDNS:
			if d.dns1 != nil && !ipFromOption(it.Data).Equal(d.dns1) {
				nak = putIPOption(nak, optPrimaryDNS, d.dns1)
			}
		case optSecondaryDNS:
			if d.dns2 != nil && !ipFromOption(it.Data).Equal(d.dns2) {
				nak = putIPOption(nak, optSecondaryDNS, d.dns2)
			}
		default:
			return pppcp.RCRReject, nil
		}
	}
	if nak != nil {
		return pppcp.RCRNak, nak
	}
	return pppcp.RCRAccept, nil
}
