// Package emulator assembles an atserver.Server into a telephony-modem
// personality: the identification commands every profile answers plus a
// DUN (PPP dial-up) or HFP (hands-free indicator/SLC) command set layered
// on top, mirroring src/emulator.c's ofono_emulator.
package emulator

import (
	"log/slog"
	"net"
	"sync"

	"github.com/daedaluz/gatmux/atserver"
	"github.com/daedaluz/gatmux/hdlc"
	"github.com/daedaluz/gatmux/internal/metrics"
	"github.com/daedaluz/gatmux/ioendpoint"
	"github.com/daedaluz/gatmux/ppp"
	"github.com/daedaluz/gatmux/pppnet"
)

// Personality selects which command set New layers on top of the shared
// identification commands, mirroring enum ofono_emulator_type.
type Personality int

const (
	// DUN answers ATD/ATH/ATO by negotiating a PPP session over the same
	// Endpoint the AT commands arrived on.
	DUN Personality = iota
	// HFP answers the hands-free indicator/SLC command set (+BRSF,
	// +CIND, +CMER, +CLIP, +CCWA, +CMEE, +BIA).
	HFP
)

func (p Personality) String() string {
	if p == HFP {
		return "hfp"
	}
	return "dun"
}

// Identity is the CGMI/CGMM/CGMR/CGSN string set a profile answers with,
// mirroring test-server.c's cgmi_cb/cgmm_cb/cgmr_cb/cgsn_cb constants.
type Identity struct {
	Manufacturer string
	Model        string
	Revision     string
	Serial       string
}

func defaultIdentity() Identity {
	return Identity{
		Manufacturer: "gatmux",
		Model:        "Serial Modem Emulator",
		Revision:     "1.0",
		Serial:       "000000000000000",
	}
}

// Config holds the personality-independent construction parameters, plus
// the DUN-only PPP addressing (ignored for HFP).
type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Identity Identity

	// Credentials are the PAP/CHAP credentials the PPP server accepts,
	// mirroring g_at_ppp_set_credentials - an empty username/password
	// pair accepts any peer, same as test-server.c's setup.
	Credentials ppp.Credentials

	// LocalAddress is the address the PPP server identifies itself as;
	// PeerAddress, DNS1 and DNS2 are handed to the peer during IPCP,
	// mirroring g_at_ppp_set_server_info.
	LocalAddress net.IP
	PeerAddress  net.IP
	DNS1         net.IP
	DNS2         net.IP

	// LocalFeatures is the AG feature bitmap +BRSF answers with,
	// mirroring ofono_emulator_set_local_features.
	LocalFeatures int
	// CallerNumber is the number reported in RING's piggybacked +CLIP
	// and in +CCWA while a call is waiting.
	CallerNumber string
}

// Emulator wires one atserver.Server to a Personality's command set over
// one serial Endpoint, mirroring one struct ofono_emulator.
type Emulator struct {
	ep     *ioendpoint.Endpoint
	srv    *atserver.Server
	logger *slog.Logger
	mtx    *metrics.Metrics
	typ    Personality
	cfg    Config

	mu sync.Mutex

	// DUN state
	link      *ppp.Link
	codec     *hdlc.Codec
	tun       *pppnet.Interface
	hangupReq bool

	// HFP state, populated by registerHFP.
	indicators   []*indicator
	indicatorIdx map[string]int
	eventsMode     int
	eventsInd      bool
	slc            bool
	clip           bool
	ccwa           bool
	cmeeMode       int
	remoteFeatures int
	ringStop       chan struct{}
	callsetup      int
	call           int
}

// New builds an Emulator answering over ep with the given personality.
func New(ep *ioendpoint.Endpoint, typ Personality, cfg Config) *Emulator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Identity == (Identity{}) {
		cfg.Identity = defaultIdentity()
	}
	logger = logger.With("component", "emulator", "personality", typ.String())

	e := &Emulator{
		ep:     ep,
		srv:    atserver.New(ep, logger, cfg.Metrics),
		logger: logger,
		mtx:    cfg.Metrics,
		typ:    typ,
		cfg:    cfg,
	}

	e.registerIdentity()
	switch typ {
	case DUN:
		e.registerDUN()
	case HFP:
		e.registerHFP()
		e.srv.SetFinishFunc(e.notifyDeferredIndicators)
	}
	return e
}

// Server exposes the underlying command server, for callers that want to
// register additional profile-specific commands (+CPIN, +COPS stubs and
// the like) alongside the ones this package wires up.
func (e *Emulator) Server() *atserver.Server { return e.srv }

// registerIdentity wires the four read-only identification commands every
// profile answers the same way, mirroring cgmi_cb/cgmm_cb/cgmr_cb/cgsn_cb:
// a bare command or a query prints one info line then OK; a support query
// answers OK with no info line; anything else is an error.
func (e *Emulator) registerIdentity() {
	e.srv.Register("+CGMI", identityHandler(e.cfg.Identity.Manufacturer))
	e.srv.Register("+CGMM", identityHandler(e.cfg.Identity.Model))
	e.srv.Register("+CGMR", identityHandler(e.cfg.Identity.Revision))
	e.srv.Register("+CGSN", identityHandler(e.cfg.Identity.Serial))
}

func identityHandler(value string) atserver.HandlerFunc {
	return func(s *atserver.Server, req atserver.RequestType, arg string) {
		switch req {
		case atserver.RequestCommandOnly, atserver.RequestQuery:
			s.SendInfo(value, true)
			s.SendFinal(atserver.ResultOK)
		case atserver.RequestSupport:
			s.SendFinal(atserver.ResultOK)
		default:
			s.SendFinal(atserver.ResultError)
		}
	}
}
