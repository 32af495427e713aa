// Package gsm0710 implements the GSM 07.10 multiplexer frame codec: basic
// (0xF9-flagged) and advanced (0x7E-flagged, byte-stuffed) framing, plus the
// per-DLC channel driver used to run a multiplexed session over a single
// serial link.
package gsm0710

import "errors"

// Control byte values, address byte shifted out and PF bit stripped.
const (
	SABM = 0x3F // open_channel
	DISC = 0x53 // close_channel
	UA   = 0xE3 // status ack (UA set)
	DM   = 0xE1 // ack / disconnected mode
	UIH  = 0xEF // data

	// GSM0710DataAlt is an alternate data control byte some peers use in
	// place of UIH (GSM0710_DATA_ALT in the reference implementation).
	GSM0710DataAlt = 0x03
)

// ErrShortFrame is returned by Extract* when the buffer holds no complete
// frame yet; the caller should read more bytes and retry.
var ErrShortFrame = errors.New("gsm0710: no complete frame in buffer")

// FillBasic encodes an info frame using basic (0xF9-flagged) framing.
// dlc must be in [0,63]; control is the raw type byte including any EA/PF
// bits the caller wants set beyond what FillBasic itself sets.
func FillBasic(dlc, control byte, info []byte) []byte {
	headerSize := 4
	if len(info) > 127 {
		headerSize = 5
	}
	frame := make([]byte, 0, 1+headerSize+len(info)+2)
	frame = append(frame, 0xF9)
	frame = append(frame, (dlc<<2)|0x03)
	frame = append(frame, control)
	if len(info) <= 127 {
		frame = append(frame, byte(len(info)<<1)|0x01)
	} else {
		frame = append(frame, byte(len(info)<<1))
		frame = append(frame, byte(len(info)>>7))
	}
	frame = append(frame, info...)
	// GSM 07.10 computes the FCS over the header only (addr, ctrl, len).
	frame = append(frame, fcs(frame[1:1+headerSize-1]))
	frame = append(frame, 0xF9)
	return frame
}

// ExtractBasic scans buf for the first complete basic-framed packet. It
// returns the number of bytes consumed (including any skipped garbage), the
// decoded dlc/control/payload, and ok=true if a valid frame was found.
// Invalid frames (bad FCS, no closing flag) are skipped internally and do
// not themselves cause ok=false; ok is false only when no complete frame
// exists yet in buf.
func ExtractBasic(buf []byte) (consumed int, dlc, control byte, payload []byte, ok bool) {
	posn := 0
	n := len(buf)
	for posn < n {
		if buf[posn] != 0xF9 {
			posn++
			continue
		}
		for posn+1 < n && buf[posn+1] == 0xF9 {
			posn++
		}
		if posn+4 > n {
			break
		}
		if buf[posn+1]&0x01 == 0 {
			posn++
			continue
		}
		frameLen := int(buf[posn+3] >> 1)
		headerSize := 0
		if buf[posn+3]&0x01 != 0 {
			headerSize = 3
		} else {
			if posn+5 > n {
				break
			}
			frameLen |= int(buf[posn+4]) << 7
			headerSize = 4
		}
		if posn+headerSize+3+frameLen > n {
			break
		}
		fcsByte := buf[posn+1+headerSize+frameLen]
		if !checkFCS(buf[posn+1:posn+1+headerSize], fcsByte) {
			posn += headerSize + frameLen + 2
			continue
		}
		if buf[posn+headerSize+frameLen+2] != 0xF9 {
			posn += headerSize + frameLen + 2
			continue
		}
		d := buf[posn+1] >> 2
		t := buf[posn+2] & 0xEF
		out := make([]byte, frameLen)
		copy(out, buf[posn+1+headerSize:posn+1+headerSize+frameLen])
		consumed = posn + headerSize + frameLen + 3
		return consumed, d, t, out, true
	}
	return posn, 0, 0, nil, false
}

// FillAdvanced encodes an info frame using advanced (0x7E-flagged,
// byte-stuffed) framing.
func FillAdvanced(dlc, control byte, info []byte) []byte {
	addr := (dlc << 2) | 0x03
	c := fcs([]byte{addr, control})

	frame := make([]byte, 0, len(info)+8)
	frame = append(frame, 0x7E, addr)
	frame = appendEscaped(frame, control)
	for _, b := range info {
		frame = appendEscaped(frame, b)
	}
	frame = appendEscaped(frame, c)
	frame = append(frame, 0x7E)
	return frame
}

func appendEscaped(buf []byte, b byte) []byte {
	if b == 0x7E || b == 0x7D {
		return append(buf, 0x7D, b^0x20)
	}
	return append(buf, b)
}

// ExtractAdvanced scans buf for the first complete advanced-framed packet,
// same return convention as ExtractBasic.
func ExtractAdvanced(buf []byte) (consumed int, dlc, control byte, payload []byte, ok bool) {
	posn := 0
	n := len(buf)
	for posn < n {
		if buf[posn] != 0x7E {
			posn++
			continue
		}
		for posn+1 < n && buf[posn+1] == 0x7E {
			posn++
		}
		frameEnd := posn + 1
		for frameEnd < n && buf[frameEnd] != 0x7E {
			frameEnd++
		}
		if frameEnd >= n {
			break
		}
		if frameEnd < posn+4 {
			posn = frameEnd
			continue
		}

		unescaped := make([]byte, 0, frameEnd-posn-1)
		i := posn + 1
		for i < frameEnd {
			if buf[i] == 0x7D {
				i++
				if i >= frameEnd {
					break
				}
				unescaped = append(unescaped, buf[i]^0x20)
				i++
			} else {
				unescaped = append(unescaped, buf[i])
				i++
			}
		}
		if len(unescaped) < 3 {
			posn = frameEnd
			continue
		}
		if !checkFCS(unescaped[:2], unescaped[len(unescaped)-1]) {
			posn = frameEnd
			continue
		}
		d := (unescaped[0] >> 2) & 0x3F
		t := unescaped[1] & 0xEF
		out := make([]byte, len(unescaped)-3)
		copy(out, unescaped[2:len(unescaped)-1])
		return frameEnd + 1, d, t, out, true
	}
	return posn, 0, 0, nil, false
}
