// Package ppp wires the pppcp-driven LCP/IPCP/IPv6CP option negotiation,
// PAP/CHAP authentication and the network-layer glue into the phase state
// machine described by RFC 1661 §3: Dead, Establishment, Authentication,
// Network, and Terminating. This is the Link a caller opens once the
// serial link is in data mode (after AT+CMUX/ATD and HDLC framing is
// live).
package ppp

import (
	"encoding/binary"
	"log/slog"
	"net"
	"sync"

	"github.com/daedaluz/gatmux/hdlc"
	"github.com/daedaluz/gatmux/internal/metrics"
	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/daedaluz/gatmux/ppp/chap"
	"github.com/daedaluz/gatmux/ppp/ipcp"
	"github.com/daedaluz/gatmux/ppp/ipv6cp"
	"github.com/daedaluz/gatmux/ppp/lcp"
	"github.com/daedaluz/gatmux/ppp/pap"
	"github.com/daedaluz/gatmux/pppcp"
)

// Phase is the PPP link's overall phase, RFC 1661 §3.2.
type Phase int

const (
	PhaseDead Phase = iota
	PhaseEstablishment
	PhaseAuthentication
	PhaseNetwork
	PhaseTerminating
)

func (p Phase) String() string {
	names := [...]string{"Dead", "Establishment", "Authentication", "Network", "Terminating"}
	if int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

const (
	protoIP     uint16 = 0x0021
	protoIPv6   uint16 = 0x0057
	addrField   byte   = 0xff
	controlByte byte   = 0x03
)

// ConnectFunc is called with ConnectSuccess once IPCP comes up in the
// Network phase; the negotiated addresses are not passed to it.
type ConnectFunc func(status ConnectStatus)

// ConnectStatus reports the outcome of establishment, mirroring
// GAtPPPConnectStatus.
type ConnectStatus int

const (
	ConnectSuccess ConnectStatus = iota
	ConnectFailure
)

// DisconnectFunc is called once the link has fully torn down.
type DisconnectFunc func()

// NetworkDispatcher receives decoded IPv4/IPv6 payloads once the Network
// phase is up; pppnet.Interface implements this.
type NetworkDispatcher interface {
	WritePacket(packet []byte) error
}

// Credentials are the username/password (and CHAP secret) offered during
// authentication, mirroring g_at_ppp_set_credentials.
type Credentials struct {
	Username string
	Password string
}

// Link is one PPP session's phase machine and protocol stack, layered on
// an hdlc.Codec for framing.
type Link struct {
	codec  *hdlc.Codec
	loop   *reactor.Loop
	logger *slog.Logger

	mu    sync.Mutex
	phase Phase

	isServer bool
	creds    Credentials

	lcpFSM    *pppcp.FSM
	lcpDriver *lcp.Driver
	ipcpFSM   *pppcp.FSM
	ipcpDrv   *ipcp.Driver
	ip6cpFSM  *pppcp.FSM
	ip6cpDrv  *ipv6cp.Driver

	chapHandler *chap.Handler
	papHandler  *pap.Handler
	authProto   uint16

	net NetworkDispatcher

	connectFunc    ConnectFunc
	disconnectFunc DisconnectFunc

	peerACFC bool
	peerPFC  bool
}

// Options configures a new Link.
type Options struct {
	IsServer    bool
	Credentials Credentials
	MagicNumber uint32
	// IPCPServer, when non-nil, runs IPCP in server mode handing out the
	// given addresses; nil means client mode (request an address).
	IPCPServer *ipcp.ServerConfig
	ServerAddr [4]byte
	// EnableIPv6CP negotiates IPv6CP alongside IPCP.
	EnableIPv6CP bool
	LocalIID     uint64
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// New builds a Link over codec, wiring up LCP, IPCP, optionally IPv6CP and
// the auth sub-protocols. On the server side the control-protocol FSMs
// start dormant (Stopped) and wait for the peer's Configure-Request; on the
// client side they start in Initial. Nothing is sent until Open is called.
func New(codec *hdlc.Codec, loop *reactor.Loop, opts Options) *Link {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		codec:    codec,
		loop:     loop,
		logger:   logger.With("component", "ppp"),
		isServer: opts.IsServer,
		creds:    opts.Credentials,
		phase:    PhaseDead,
	}

	codec.SetReceiveFunc(l.onFrame)

	l.lcpFSM, l.lcpDriver = lcp.NewFSM(l, opts.MagicNumber, l, loop, opts.IsServer, logger)
	l.lcpFSM.SetRestartNotify(opts.Metrics.RecordPPPRestart)

	if opts.IPCPServer != nil {
		server := net4(opts.ServerAddr)
		l.ipcpDrv = ipcp.NewServer(l, server, *opts.IPCPServer)
	} else {
		l.ipcpDrv = ipcp.NewClient(l)
	}
	l.ipcpFSM = pppcp.New(l.ipcpDrv, l, loop, opts.IsServer, 0, logger)
	l.ipcpFSM.SetRestartNotify(opts.Metrics.RecordPPPRestart)
	l.ipcpDrv.Bind(l.ipcpFSM)

	if opts.EnableIPv6CP {
		l.ip6cpDrv = ipv6cp.New(l, opts.LocalIID)
		l.ip6cpFSM = pppcp.New(l.ip6cpDrv, l, loop, opts.IsServer, 0, logger)
		l.ip6cpFSM.SetRestartNotify(opts.Metrics.RecordPPPRestart)
		l.ip6cpDrv.Bind(l.ip6cpFSM)
	}

	l.chapHandler = chap.New(l, l, opts.Credentials.Username, opts.Credentials.Password)
	l.papHandler = pap.New(l, l, loop, opts.Credentials.Username, opts.Credentials.Password)

	return l
}

func net4(b [4]byte) []byte { return b[:] }

// SetConnectFunc installs the Network-phase-reached callback.
func (l *Link) SetConnectFunc(fn ConnectFunc) { l.connectFunc = fn }

// SetDisconnectFunc installs the fully-torn-down callback.
func (l *Link) SetDisconnectFunc(fn DisconnectFunc) { l.disconnectFunc = fn }

// SetNetworkDispatcher attaches the TUN (or other network sink) that
// receives decoded IP payloads once the link reaches the Network phase.
func (l *Link) SetNetworkDispatcher(n NetworkDispatcher) { l.net = n }

// Open begins link establishment: Up then Open on LCP, mirroring
// ppp_link_establishment via lcp_establish.
func (l *Link) Open() {
	l.transition(PhaseEstablishment)
	l.lcpFSM.Up()
	l.lcpFSM.Open()
}

// Close begins graceful teardown.
func (l *Link) Close() {
	l.transition(PhaseTerminating)
	l.lcpFSM.Close()
}

func (l *Link) transition(phase Phase) {
	l.mu.Lock()
	if l.phase == phase {
		l.mu.Unlock()
		return
	}
	l.phase = phase
	l.mu.Unlock()
	l.logger.Debug("ppp phase transition", "phase", phase)

	switch phase {
	case PhaseAuthentication:
		if l.authProto == 0 {
			l.advanceToNetwork()
		} else if l.authProto == chap.Protocol {
			// wait for the peer's Challenge
		} else if l.authProto == pap.Protocol {
			l.papHandler.Start()
		}
	case PhaseNetwork:
		l.ipcpFSM.Open()
		l.ipcpFSM.Up()
		if l.ip6cpFSM != nil {
			l.ip6cpFSM.Open()
			l.ip6cpFSM.Up()
		}
	case PhaseDead:
		if l.disconnectFunc != nil {
			l.disconnectFunc()
		}
	}
}

func (l *Link) advanceToNetwork() { l.transition(PhaseNetwork) }

// AuthResult implements chap.Notifier and pap.Notifier.
func (l *Link) AuthResult(success bool) {
	if success {
		l.transition(PhaseNetwork)
	} else {
		l.Close()
	}
}

// --- lcp.Notifier ---

func (l *Link) LCPUp(mru uint16, peerAuth bool) {
	l.mu.Lock()
	phase := l.phase
	l.mu.Unlock()
	if phase != PhaseEstablishment {
		return
	}
	l.transition(PhaseAuthentication)
}

func (l *Link) LCPDown() {
	l.peerACFC = false
	l.peerPFC = false
}

func (l *Link) LCPFinished() {
	l.transition(PhaseDead)
}

func (l *Link) SetReceiveACCM(accm uint32) { l.codec.SetRecvACCM(accm) }
func (l *Link) SetTransmitACCM(accm uint32) { l.codec.SetXmitACCM(accm) }
func (l *Link) SetTransmitPFC(v bool)       { l.peerPFC = v }
func (l *Link) SetTransmitACFC(v bool)      { l.peerACFC = v }

func (l *Link) SetPeerRequiresAuth(proto uint16) { l.authProto = proto }

// --- ipcp.Notifier ---

func (l *Link) IPCPUp(local, peer, dns1, dns2 net.IP) {
	if l.connectFunc != nil {
		l.connectFunc(ConnectSuccess)
	}
}
func (l *Link) IPCPDown()     {}
func (l *Link) IPCPFinished() {}

// --- ipv6cp.Notifier ---

func (l *Link) IPv6CPUp(localID, peerID uint64) {}
func (l *Link) IPv6CPDown()                     {}
func (l *Link) IPv6CPFinished()                 {}

// --- pppcp.Transmitter / chap.Transmitter / pap.Transmitter ---

// Transmit builds a PPP-header-framed packet (Address/Control/Protocol)
// and sends it through the HDLC codec, applying ACFC/PFC compression when
// the peer has agreed to it, mirroring ppp_transmit/ppp_encode.
func (l *Link) Transmit(proto uint16, info []byte) {
	var header []byte
	if !l.peerACFC || proto == lcp.Protocol {
		header = append(header, addrField, controlByte)
	}
	if l.peerPFC && proto < 0x100 && proto != lcp.Protocol {
		header = append(header, byte(proto))
	} else {
		var protoBytes [2]byte
		binary.BigEndian.PutUint16(protoBytes[:], proto)
		header = append(header, protoBytes[:]...)
	}
	frame := append(header, info...)
	l.codec.Send(frame)
}

// onFrame is the hdlc.ReceiveFunc: it parses the PPP header (handling
// ACFC/PFC compression on receive) and dispatches by protocol number,
// mirroring ppp_feed/ppp_recv/is_proto_handler.
func (l *Link) onFrame(frame []byte) {
	pos := 0
	if len(frame) >= 2 && frame[0] == addrField && frame[1] == controlByte {
		pos = 2
	}
	if len(frame) < pos+1 {
		return
	}
	var proto uint16
	if frame[pos]&0x1 == 1 {
		proto = uint16(frame[pos])
		pos++
	} else {
		if len(frame) < pos+2 {
			return
		}
		proto = binary.BigEndian.Uint16(frame[pos:])
		pos += 2
	}
	payload := frame[pos:]

	switch proto {
	case lcp.Protocol:
		l.lcpFSM.ProcessPacket(payload)
	case ipcp.Protocol:
		l.ipcpFSM.ProcessPacket(payload)
	case ipv6cp.Protocol:
		if l.ip6cpFSM != nil {
			l.ip6cpFSM.ProcessPacket(payload)
		}
	case chap.Protocol:
		l.authProto = chap.Protocol
		l.chapHandler.ProcessPacket(payload)
	case pap.Protocol:
		l.authProto = pap.Protocol
		l.papHandler.ProcessPacket(payload)
	case protoIP, protoIPv6:
		if l.net != nil {
			l.net.WritePacket(payload)
		}
	default:
		// RFC 1661 §5.7: the rejected packet carries its (uncompressed,
		// 2-byte) protocol field followed by its information field, not
		// the Address/Control header this frame may or may not have had.
		rejected := make([]byte, 2+len(payload))
		binary.BigEndian.PutUint16(rejected, proto)
		copy(rejected[2:], payload)
		l.lcpFSM.SendProtocolReject(rejected)
	}
}

// Phase returns the link's current phase.
func (l *Link) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// DispatchPacket implements pppnet.Dispatcher: a packet read off the TUN
// device is transmitted down the link tagged with the IPv4 or IPv6 PPP
// protocol number, picked off the header's version nibble. Packets read
// before the Network phase is up are dropped, mirroring ppp_net_callback's
// net interface only being attached once ppp_connect_cb has fired.
func (l *Link) DispatchPacket(packet []byte) {
	if l.Phase() != PhaseNetwork || len(packet) == 0 {
		return
	}
	proto := protoIP
	if packet[0]>>4 == 6 {
		proto = protoIPv6
	}
	l.Transmit(proto, packet)
}
