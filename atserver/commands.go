package atserver

import (
	"fmt"
	"strconv"
)

// getResultValue parses the single decimal integer a SET request's
// argument carries (e.g. "1" out of "ATE1", "50" out of "ATS7=50") and
// checks it falls within [min, max].
func getResultValue(arg string, min, max int) (int, bool) {
	v, err := strconv.Atoi(arg)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}

// byteRegisterHandler answers a plain numeric S-register (S0, S3, S4,
// S5, L, M): SET validates and stores, QUERY reports the current value
// zero-padded to three digits, SUPPORT reports the valid range. Unlike
// flagRegisterHandler there is no bare command-only form - V.250 leaves
// "ATS0" (with no "=" or "?") undefined and this answers ERROR for it,
// matching s_template_cb.
func byteRegisterHandler(prefix string, min, max int, get func() byte, set func(byte)) HandlerFunc {
	return func(s *Server, req RequestType, arg string) {
		switch req {
		case RequestSet:
			v, ok := getResultValue(arg, min, max)
			if !ok {
				s.SendFinal(ResultError)
				return
			}
			set(byte(v))
			s.SendFinal(ResultOK)
		case RequestQuery:
			s.SendInfo(fmt.Sprintf("%03d", get()), true)
			s.SendFinal(ResultOK)
		case RequestSupport:
			s.SendInfo(fmt.Sprintf("%s: (%d-%d)", prefix, min, max), true)
			s.SendFinal(ResultOK)
		default:
			s.SendFinal(ResultError)
		}
	}
}

// intRegisterHandler answers a mode/flag-style command (E, Q, V, X, S6,
// S7, S8, S10, &C, &D): SET and SUPPORT work as in byteRegisterHandler,
// QUERY reports "<prefix>: <value>" in plain decimal, and a bare
// command-only form ("ATE") resets the value to deflt, matching
// at_template_cb.
func intRegisterHandler(prefix string, min, max, deflt int, get func() int, set func(int)) HandlerFunc {
	return func(s *Server, req RequestType, arg string) {
		switch req {
		case RequestSet:
			v, ok := getResultValue(arg, min, max)
			if !ok {
				s.SendFinal(ResultError)
				return
			}
			set(v)
			s.SendFinal(ResultOK)
		case RequestQuery:
			s.SendInfo(fmt.Sprintf("%s: %d", prefix, get()), true)
			s.SendFinal(ResultOK)
		case RequestSupport:
			s.SendInfo(fmt.Sprintf("%s: (%d-%d)", prefix, min, max), true)
			s.SendFinal(ResultOK)
		case RequestCommandOnly:
			set(deflt)
			s.SendFinal(ResultOK)
		default:
			s.SendFinal(ResultError)
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// registerBasicCommands installs the standard V.250 command set every
// emulator answers regardless of what driver-specific commands are
// layered on top, mirroring basic_command_register's list exactly: S0,
// S3, S4, S5, E, Q, V, X, S6, S7, S8, S10, &C, &D, Z, &F, L, M, T, P.
func (s *Server) registerBasicCommands() {
	reg := s.commands

	reg["S0"] = &serverCommand{fn: byteRegisterHandler("S0", 0, 7,
		func() byte { return s.settings.S0 }, func(v byte) { s.settings.S0 = v })}
	reg["S3"] = &serverCommand{fn: byteRegisterHandler("S3", 0, 127,
		func() byte { return s.settings.S3 }, func(v byte) { s.settings.S3 = v })}
	reg["S4"] = &serverCommand{fn: byteRegisterHandler("S4", 0, 127,
		func() byte { return s.settings.S4 }, func(v byte) { s.settings.S4 = v })}
	reg["S5"] = &serverCommand{fn: byteRegisterHandler("S5", 0, 127,
		func() byte { return s.settings.S5 }, func(v byte) { s.settings.S5 = v })}
	reg["L"] = &serverCommand{fn: byteRegisterHandler("L", 0, 3,
		func() byte { return s.settings.L }, func(v byte) { s.settings.L = v })}
	reg["M"] = &serverCommand{fn: byteRegisterHandler("M", 0, 2,
		func() byte { return s.settings.M }, func(v byte) { s.settings.M = v })}

	reg["E"] = &serverCommand{fn: intRegisterHandler("E", 0, 1, 1,
		func() int { return boolToInt(s.settings.Echo) },
		func(v int) { s.settings.Echo = v != 0 })}
	reg["Q"] = &serverCommand{fn: intRegisterHandler("Q", 0, 1, 0,
		func() int { return boolToInt(s.settings.Quiet) },
		func(v int) { s.settings.Quiet = v != 0 })}
	reg["V"] = &serverCommand{fn: intRegisterHandler("V", 0, 1, 1,
		func() int { return boolToInt(s.settings.IsV1) },
		func(v int) { s.settings.IsV1 = v != 0 })}
	reg["X"] = &serverCommand{fn: intRegisterHandler("X", 0, 4, 4,
		func() int { return s.settings.ResFormat },
		func(v int) { s.settings.ResFormat = v })}
	reg["S6"] = &serverCommand{fn: intRegisterHandler("S6", 2, 10, 2,
		func() int { return s.settings.S6 }, func(v int) { s.settings.S6 = v })}
	reg["S7"] = &serverCommand{fn: intRegisterHandler("S7", 1, 255, 50,
		func() int { return s.settings.S7 }, func(v int) { s.settings.S7 = v })}
	reg["S8"] = &serverCommand{fn: intRegisterHandler("S8", 1, 255, 2,
		func() int { return s.settings.S8 }, func(v int) { s.settings.S8 = v })}
	reg["S10"] = &serverCommand{fn: intRegisterHandler("S10", 1, 254, 2,
		func() int { return s.settings.S10 }, func(v int) { s.settings.S10 = v })}
	reg["&C"] = &serverCommand{fn: intRegisterHandler("&C", 0, 1, 1,
		func() int { return s.settings.C109 }, func(v int) { s.settings.C109 = v })}
	reg["&D"] = &serverCommand{fn: intRegisterHandler("&D", 0, 2, 2,
		func() int { return s.settings.C108 }, func(v int) { s.settings.C108 = v })}

	reg["T"] = &serverCommand{fn: func(s *Server, req RequestType, arg string) {
		if req != RequestCommandOnly {
			s.SendFinal(ResultError)
			return
		}
		s.settings.DialMode = 'T'
		s.SendFinal(ResultOK)
	}}
	reg["P"] = &serverCommand{fn: func(s *Server, req RequestType, arg string) {
		if req != RequestCommandOnly {
			s.SendFinal(ResultError)
			return
		}
		s.settings.DialMode = 'P'
		s.SendFinal(ResultOK)
	}}

	reset := func(s *Server, req RequestType, arg string) {
		switch req {
		case RequestSet:
			if _, ok := getResultValue(arg, 0, 0); !ok {
				s.SendFinal(ResultError)
				return
			}
			fallthrough
		case RequestCommandOnly:
			s.settings = defaultSettings()
			s.SendFinal(ResultOK)
		default:
			s.SendFinal(ResultError)
		}
	}
	reg["&F"] = &serverCommand{fn: reset}
	reg["Z"] = &serverCommand{fn: func(s *Server, req RequestType, arg string) {
		if req != RequestCommandOnly {
			s.SendFinal(ResultError)
			return
		}
		s.settings = defaultSettings()
		s.SendFinal(ResultOK)
	}}
}
