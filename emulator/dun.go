package emulator

import (
	"math/rand"
	"net"

	"github.com/daedaluz/gatmux/atserver"
	"github.com/daedaluz/gatmux/hdlc"
	"github.com/daedaluz/gatmux/ppp"
	"github.com/daedaluz/gatmux/ppp/ipcp"
	"github.com/daedaluz/gatmux/pppnet"
)

// registerDUN wires the three commands a dial-up networking session needs
// beyond identification: D (dial), H (hang up), O (resume data mode),
// mirroring ofono_emulator_register's OFONO_EMULATOR_TYPE_DUN branch.
func (e *Emulator) registerDUN() {
	e.srv.Register("D", e.dialCB)
	e.srv.Register("H", e.hangupCB)
	e.srv.Register("O", e.resumeCB)
}

// dialCB answers ATD<number>. Only the first character of the dial string
// is inspected - '*', '#', 'T' and 't' all select a data call, mirroring
// dial_call's prefix check; anything else is rejected as if it were a
// voice-call number this profile can't place.
func (e *Emulator) dialCB(s *atserver.Server, req atserver.RequestType, arg string) {
	if req != atserver.RequestSet || arg == "" {
		s.SendFinal(atserver.ResultError)
		return
	}
	switch arg[0] {
	case '*', '#', 'T', 't':
	default:
		s.SendFinal(atserver.ResultError)
		return
	}

	e.mu.Lock()
	active := e.link != nil
	e.mu.Unlock()
	if active {
		s.SendFinal(atserver.ResultError)
		return
	}

	e.startPPPSession()
}

// hangupCB answers ATH. With no call up it is a no-op OK, matching
// dun_ath_cb's early-return path; otherwise it starts Link.Close's
// graceful teardown and leaves the command pending - the eventual
// DisconnectFunc sends the final result once the link actually dies.
func (e *Emulator) hangupCB(s *atserver.Server, req atserver.RequestType, arg string) {
	if !isBasicCommandOrZero(req, arg) {
		s.SendFinal(atserver.ResultError)
		return
	}

	e.mu.Lock()
	link := e.link
	e.mu.Unlock()
	if link == nil {
		s.SendFinal(atserver.ResultOK)
		return
	}

	e.mu.Lock()
	e.hangupReq = true
	e.mu.Unlock()
	link.Close()
}

// resumeCB answers ATO, returning to data mode after a "+++" escape to
// command mode. It mirrors dun_ato_cb: send CONNECT, suspend the AT
// server and hand the Endpoint back to the HDLC codec. Like ATD, the
// command is left pending; its final result arrives later, from the
// same DisconnectFunc ATH and a dead link both feed.
func (e *Emulator) resumeCB(s *atserver.Server, req atserver.RequestType, arg string) {
	if !isBasicCommandOrZero(req, arg) {
		s.SendFinal(atserver.ResultError)
		return
	}

	e.mu.Lock()
	codec := e.codec
	e.mu.Unlock()
	if codec == nil {
		s.SendFinal(atserver.ResultError)
		return
	}

	s.SendIntermediate("CONNECT")
	s.Suspend()
	codec.Resume()
}

// isBasicCommandOrZero accepts "ATH"/"ATO" (RequestCommandOnly) and
// "ATH0"/"ATO0" (RequestSet with arg "0") - the only two forms V.250
// assigns these commands, since H and O take getBasicPrefixSize's digit
// suffix rather than a '='-style argument.
func isBasicCommandOrZero(req atserver.RequestType, arg string) bool {
	if req == atserver.RequestCommandOnly {
		return true
	}
	return req == atserver.RequestSet && (arg == "" || arg == "0")
}

// startPPPSession opens the TUN interface and PPP link a successful dial
// negotiates over, mirroring request_private_network_cb's success path:
// the network device is created first so a failure there can be reported
// as a plain ERROR, before anything about the line has changed; only once
// that succeeds does the server answer CONNECT and hand the Endpoint to
// the HDLC codec.
func (e *Emulator) startPPPSession() {
	tun, err := pppnet.New("ppp%d", e.logger)
	if err != nil {
		e.logger.Warn("dun: failed to create tun interface", "error", err)
		e.srv.SendFinal(atserver.ResultError)
		return
	}

	e.srv.SendIntermediate("CONNECT")
	e.srv.Suspend()

	codec := hdlc.New(e.ep, e.logger)
	codec.SetSuspendFunc(func() { e.srv.Resume() })

	opts := ppp.Options{
		IsServer:    true,
		Credentials: e.cfg.Credentials,
		MagicNumber: rand.Uint32(),
		IPCPServer: &ipcp.ServerConfig{
			PeerAddress: e.cfg.PeerAddress,
			DNS1:        e.cfg.DNS1,
			DNS2:        e.cfg.DNS2,
		},
		ServerAddr: ipToArray4(e.cfg.LocalAddress),
		Logger:     e.logger,
		Metrics:    e.mtx,
	}
	link := ppp.New(codec, e.ep.Loop(), opts)
	link.SetNetworkDispatcher(tun)
	tun.Attach(link)

	e.mu.Lock()
	e.link = link
	e.codec = codec
	e.tun = tun
	e.hangupReq = false
	e.mu.Unlock()

	link.SetConnectFunc(func(status ppp.ConnectStatus) {
		if status != ppp.ConnectSuccess {
			e.logger.Warn("dun: ppp establishment failed")
			return
		}
		e.logger.Info("dun: network up", "interface", tun.Name())
	})
	link.SetDisconnectFunc(e.onLinkDisconnect)

	link.Open()
}

// onLinkDisconnect fires once Link has fully torn down, whether that was
// requested by ATH (cleanup_ppp's deliberate path, answered OK) or the
// link died on its own (ppp_disconnect's spontaneous path, answered NO
// CARRIER).
func (e *Emulator) onLinkDisconnect() {
	e.mu.Lock()
	hangup := e.hangupReq
	tun := e.tun
	e.link = nil
	e.codec = nil
	e.tun = nil
	e.mu.Unlock()

	if tun != nil {
		_ = tun.Close()
	}
	// Link calls this on the Endpoint loop, where the server's own calls
	// would wait on that same loop; answer from a goroutine instead.
	go func() {
		e.srv.Resume()
		if hangup {
			e.srv.SendFinal(atserver.ResultOK)
		} else {
			e.srv.SendFinal(atserver.ResultNoCarrier)
		}
	}()
}

// ipToArray4 extracts a net.IP's 4-byte IPv4 form; a nil or malformed
// address yields the zero address, which ppp.New treats the same as "no
// address configured yet" the way C's in_addr 0 does.
func ipToArray4(ip net.IP) [4]byte {
	var out [4]byte
	v4 := ip.To4()
	if v4 == nil {
		return out
	}
	copy(out[:], v4)
	return out
}
