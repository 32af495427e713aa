package emulator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/daedaluz/gatmux/atserver"
)

// Call-progress values the CALL and CALLSETUP indicators track, mirroring
// the enum ofono_call_status subset the emulator cares about.
const (
	CallInactive = iota
	CallActive
)

const (
	CallSetupNone = iota
	CallSetupIncoming
	CallSetupDialing
	CallSetupAlerting
)

// ringInterval is the cadence unanswered-call RING/+CLIP notifications
// repeat at, mirroring notify_ring's 3-second g_timeout_add.
const ringInterval = 3 * time.Second

// indicator is one +CIND/+CMER reportable value, mirroring struct
// indicator.
type indicator struct {
	name      string
	value     int
	min, max  int
	deferred  bool
	active    bool
	mandatory bool
}

// registerHFP adds the seven standard hands-free indicators, in the exact
// order and bounds ofono_emulator_register wires for
// OFONO_EMULATOR_TYPE_HFP, then registers the SLC bootstrap and indicator
// command set.
func (e *Emulator) registerHFP() {
	e.indicatorIdx = make(map[string]int)
	e.addIndicator("SERVICE", 0, 1, 0, false)
	e.addIndicator("CALL", 0, 1, 0, true)
	e.addIndicator("CALLSETUP", 0, 3, 0, true)
	e.addIndicator("CALLHELD", 0, 2, 0, true)
	e.addIndicator("SIGNAL", 0, 5, 0, false)
	e.addIndicator("ROAMING", 0, 1, 0, false)
	e.addIndicator("BATTERY", 0, 5, 5, false)

	e.srv.Register("+BRSF", e.brsfCB)
	e.srv.Register("+CIND", e.cindCB)
	e.srv.Register("+CMER", e.cmerCB)
	e.srv.Register("+CLIP", e.clipCB)
	e.srv.Register("+CCWA", e.ccwaCB)
	e.srv.Register("+CMEE", e.cmeeCB)
	e.srv.Register("+BIA", e.biaCB)
}

func (e *Emulator) addIndicator(name string, min, max, dflt int, mandatory bool) {
	ind := &indicator{name: name, min: min, max: max, value: dflt, active: true, mandatory: mandatory}
	e.indicatorIdx[name] = len(e.indicators)
	e.indicators = append(e.indicators, ind)
}

// brsfCB answers +BRSF=<features>: store the peer's HF feature bitmap,
// reply with this AG's own, mirroring brsf_cb.
func (e *Emulator) brsfCB(s *atserver.Server, req atserver.RequestType, arg string) {
	if req != atserver.RequestSet {
		s.SendFinal(atserver.ResultError)
		return
	}
	v, err := strconv.Atoi(arg)
	if err != nil || v < 0 || v > 127 {
		s.SendFinal(atserver.ResultError)
		return
	}
	e.mu.Lock()
	e.remoteFeatures = v
	local := e.cfg.LocalFeatures
	e.mu.Unlock()
	s.SendInfo(fmt.Sprintf("+BRSF: %d", local), true)
	s.SendFinal(atserver.ResultOK)
}

// cindCB answers +CIND? with the current indicator values, or +CIND=? with
// the name/range descriptor list, mirroring cind_cb.
func (e *Emulator) cindCB(s *atserver.Server, req atserver.RequestType, arg string) {
	switch req {
	case atserver.RequestQuery:
		e.mu.Lock()
		parts := make([]string, len(e.indicators))
		for i, ind := range e.indicators {
			parts[i] = strconv.Itoa(ind.value)
		}
		e.mu.Unlock()
		s.SendInfo("+CIND: "+strings.Join(parts, ","), true)
		s.SendFinal(atserver.ResultOK)
	case atserver.RequestSupport:
		e.mu.Lock()
		parts := make([]string, len(e.indicators))
		for i, ind := range e.indicators {
			parts[i] = fmt.Sprintf("(%q,(%d,%d))", ind.name, ind.min, ind.max)
		}
		e.mu.Unlock()
		s.SendInfo("+CIND: "+strings.Join(parts, ","), true)
		s.SendFinal(atserver.ResultOK)
	default:
		s.SendFinal(atserver.ResultError)
	}
}

// cmerCB answers +CMER, the event-reporting enable command. A successful
// SET is what establishes the service-level connection - mirroring
// cmer_cb's unconditional "em->slc = TRUE" once the arguments check out.
func (e *Emulator) cmerCB(s *atserver.Server, req atserver.RequestType, arg string) {
	switch req {
	case atserver.RequestQuery:
		e.mu.Lock()
		mode, ind := e.eventsMode, boolToInt(e.eventsInd)
		e.mu.Unlock()
		s.SendInfo(fmt.Sprintf("+CMER: %d,0,0,%d,0", mode, ind), true)
		s.SendFinal(atserver.ResultOK)
	case atserver.RequestSupport:
		s.SendInfo("+CMER: (0,3),(0),(0),(0,1),(0)", true)
		s.SendFinal(atserver.ResultOK)
	case atserver.RequestSet:
		parts := strings.Split(arg, ",")
		if len(parts) > 5 {
			s.SendFinal(atserver.ResultError)
			return
		}
		mode, ok := parseEnum(fieldAt(parts, 0), 0, 0, 3)
		if !ok || !mustZero(fieldAt(parts, 1)) || !mustZero(fieldAt(parts, 2)) {
			s.SendFinal(atserver.ResultError)
			return
		}
		ind, ok := parseEnum(fieldAt(parts, 3), 0, 0, 1)
		if !ok || !mustZero(fieldAt(parts, 4)) {
			s.SendFinal(atserver.ResultError)
			return
		}
		e.mu.Lock()
		e.eventsMode = mode
		e.eventsInd = ind == 1
		e.slc = true
		e.mu.Unlock()
		s.SendFinal(atserver.ResultOK)
	default:
		s.SendFinal(atserver.ResultError)
	}
}

// clipCB answers +CLIP=<n>, enabling caller-ID piggybacked on RING.
// Rejected outright before the SLC is up, mirroring clip_cb's em->slc
// check at the top of the function.
func (e *Emulator) clipCB(s *atserver.Server, req atserver.RequestType, arg string) {
	e.mu.Lock()
	slc := e.slc
	e.mu.Unlock()
	if !slc || req != atserver.RequestSet || (arg != "0" && arg != "1") {
		s.SendFinal(atserver.ResultError)
		return
	}
	e.mu.Lock()
	e.clip = arg == "1"
	e.mu.Unlock()
	s.SendFinal(atserver.ResultOK)
}

// ccwaCB answers +CCWA=<n>, enabling call-waiting notification. Same
// pre-SLC rejection as CLIP; a late enable while a call is already waiting
// fires one immediate +CCWA, mirroring ccwa_cb's notify_ccwa idle timeout.
func (e *Emulator) ccwaCB(s *atserver.Server, req atserver.RequestType, arg string) {
	e.mu.Lock()
	slc := e.slc
	e.mu.Unlock()
	if !slc || req != atserver.RequestSet || (arg != "0" && arg != "1") {
		s.SendFinal(atserver.ResultError)
		return
	}
	val := arg == "1"
	e.mu.Lock()
	trigger := !e.ccwa && val && e.callsetup == CallSetupIncoming && e.call == CallActive
	e.ccwa = val
	e.mu.Unlock()
	s.SendFinal(atserver.ResultOK)
	if trigger {
		e.scheduleCCWANotify()
	}
}

// cmeeCB answers +CMEE, toggling verbose CME ERROR results. Unlike CLIP
// and CCWA this does not require the SLC to be up - confirmed directly
// against cmee_cb, which has no em->slc check at all.
func (e *Emulator) cmeeCB(s *atserver.Server, req atserver.RequestType, arg string) {
	switch req {
	case atserver.RequestSet:
		if arg != "0" && arg != "1" {
			s.SendFinal(atserver.ResultError)
			return
		}
		e.mu.Lock()
		e.cmeeMode, _ = strconv.Atoi(arg)
		e.mu.Unlock()
		s.SendFinal(atserver.ResultOK)
	case atserver.RequestQuery:
		e.mu.Lock()
		mode := e.cmeeMode
		e.mu.Unlock()
		s.SendInfo(fmt.Sprintf("+CMEE: %d", mode), true)
		s.SendFinal(atserver.ResultOK)
	case atserver.RequestSupport:
		s.SendInfo("+CMEE: (0,1)", true)
		s.SendFinal(atserver.ResultOK)
	default:
		s.SendFinal(atserver.ResultError)
	}
}

// biaCB answers +BIA, a positional 0/1 list enabling or disabling each
// non-mandatory indicator's unsolicited reporting. Like +CMEE this is not
// gated on the SLC (bia_cb has no such check either); mandatory
// indicators occupy a position in the list but are never toggled.
func (e *Emulator) biaCB(s *atserver.Server, req atserver.RequestType, arg string) {
	if req != atserver.RequestSet {
		s.SendFinal(atserver.ResultError)
		return
	}
	parts := strings.Split(arg, ",")
	e.mu.Lock()
	for i, ind := range e.indicators {
		if ind.mandatory || i >= len(parts) || parts[i] == "" {
			continue
		}
		switch parts[i] {
		case "0":
			ind.active = false
		case "1":
			ind.active = true
		default:
			e.mu.Unlock()
			s.SendFinal(atserver.ResultError)
			return
		}
	}
	e.mu.Unlock()
	s.SendFinal(atserver.ResultOK)
}

// notifyDeferredIndicators is the atserver finish callback: once per
// completed command it flushes one +CIEV per indicator SetIndicator
// touched since the last flush, mirroring notify_deferred_indicators.
// Notifications only go out once events_mode==3, reporting is enabled and
// the SLC is up - otherwise the deferred flags are simply cleared.
func (e *Emulator) notifyDeferredIndicators() {
	e.mu.Lock()
	enabled := e.eventsMode == 3 && e.eventsInd && e.slc
	type pending struct{ idx, value int }
	var toSend []pending
	for i, ind := range e.indicators {
		if enabled && ind.deferred && ind.active {
			toSend = append(toSend, pending{i + 1, ind.value})
		}
		ind.deferred = false
	}
	e.mu.Unlock()
	for _, p := range toSend {
		e.srv.SendUnsolicited(fmt.Sprintf("+CIEV: %d,%d", p.idx, p.value))
	}
}

// SetIndicator updates a named indicator's value. If the value actually
// changes, its +CIEV notification is deferred until the next command's
// final response has been sent, mirroring the original's "update now, tell
// the HF once the current response is out the door" ordering; on an idle
// line nothing is sent until a command completes. name is matched
// case-insensitively against the seven standard names.
func (e *Emulator) SetIndicator(name string, value int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indicatorIdx[strings.ToUpper(name)]
	if !ok {
		return false
	}
	ind := e.indicators[idx]
	if value < ind.min || value > ind.max {
		return false
	}
	if ind.value == value {
		return true
	}
	ind.value = value
	ind.deferred = true
	return true
}

// SetCallState updates the CALL/CALLSETUP indicators and starts or stops
// the RING ticker, mirroring the call-state transitions that drive
// notify_ring in the original (there driven by ofono's voicecall atom;
// here left to the caller, since call control itself is out of scope).
func (e *Emulator) SetCallState(call, callsetup int) {
	e.SetIndicator("CALL", call)
	e.SetIndicator("CALLSETUP", callsetup)

	e.mu.Lock()
	wasIncoming := e.callsetup == CallSetupIncoming
	e.call = call
	e.callsetup = callsetup
	e.mu.Unlock()

	if callsetup == CallSetupIncoming && !wasIncoming {
		e.startRingTicker()
	} else if callsetup != CallSetupIncoming && wasIncoming {
		e.stopRingTicker()
	}
}

func (e *Emulator) startRingTicker() {
	e.mu.Lock()
	if e.ringStop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.ringStop = stop
	e.mu.Unlock()
	e.scheduleRing(stop)
}

func (e *Emulator) stopRingTicker() {
	e.mu.Lock()
	stop := e.ringStop
	e.ringStop = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (e *Emulator) scheduleRing(stop chan struct{}) {
	time.AfterFunc(ringInterval, func() {
		e.onRingTick(stop)
	})
}

func (e *Emulator) onRingTick(stop chan struct{}) {
	select {
	case <-stop:
		return
	default:
	}
	e.mu.Lock()
	callsetup := e.callsetup
	slc := e.slc
	clip := e.clip
	number := e.cfg.CallerNumber
	e.mu.Unlock()
	if callsetup != CallSetupIncoming {
		return
	}
	if slc {
		e.srv.SendUnsolicited("RING")
		if clip {
			e.srv.SendUnsolicited(fmt.Sprintf("+CLIP: %q,128", number))
		}
	}
	e.scheduleRing(stop)
}

// scheduleCCWANotify sends one deferred +CCWA notification from its own
// goroutine, mirroring notify_ccwa's g_timeout_add(0, ...) one-shot.
func (e *Emulator) scheduleCCWANotify() {
	go func() {
		e.mu.Lock()
		slc := e.slc
		number := e.cfg.CallerNumber
		e.mu.Unlock()
		if !slc {
			return
		}
		e.srv.SendUnsolicited(fmt.Sprintf("+CCWA: %q,128", number))
	}()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fieldAt(parts []string, idx int) string {
	if idx >= len(parts) {
		return ""
	}
	return parts[idx]
}

func mustZero(v string) bool {
	return v == "" || v == "0"
}

// parseEnum parses v as an integer drawn from allowed, returning dflt
// when v is empty (the field was omitted).
func parseEnum(v string, dflt int, allowed ...int) (int, bool) {
	if v == "" {
		return dflt, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	for _, a := range allowed {
		if a == n {
			return n, true
		}
	}
	return 0, false
}
