package scrcpy

import "androidfarm/transport"

// H.264 NAL unit types the farm cares about.
const (
	nalIDR = 5
	nalSPS = 7
	nalPPS = 8
)

// A NAL larger than this without a following start code is emitted as is.
const flushLimit = 2 << 20

// splitter cuts a raw Annex-B byte stream into NAL units, start codes included.
type splitter struct {
	buf []byte
}

func (s *splitter) write(p []byte) {
	s.buf = append(s.buf, p...)
}

// next returns the next complete NAL unit, or nil when more input is needed.
func (s *splitter) next() []byte {
	nal, rest := extractNAL(s.buf)
	if nal == nil {
		return nil
	}
	out := append([]byte(nil), nal...)
	if len(rest) == 0 {
		s.buf = s.buf[:0]
	} else {
		s.buf = rest
	}
	return out
}

// extractNAL returns the first NAL unit in buf and what follows it. A NAL is
// complete once the next start code has arrived.
func extractNAL(buf []byte) (nal []byte, remaining []byte) {
	if len(buf) < 4 {
		return nil, buf
	}
	start := findStartCodeIndex(buf)
	if start < 0 {
		return nil, buf
	}

	search := start + 3
	if buf[start+2] == 0 {
		search = start + 4
	}
	for i := search; i < len(buf)-2; i++ {
		if buf[i] == 0 && buf[i+1] == 0 && (buf[i+2] == 1 || (buf[i+2] == 0 && i+3 < len(buf) && buf[i+3] == 1)) {
			return buf[start:i], buf[i:]
		}
	}

	if len(buf)-start > flushLimit {
		return buf[start:], nil
	}
	return nil, buf
}

// findStartCodeIndex finds the first 00 00 01 or 00 00 00 01.
func findStartCodeIndex(data []byte) int {
	for i := 0; i < len(data)-2; i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i > 0 && data[i-1] == 0 {
				return i - 1
			}
			return i
		}
	}
	return -1
}

// nalType returns the H.264 NAL unit type, or -1.
func nalType(nal []byte) int {
	switch {
	case len(nal) >= 4 && nal[0] == 0 && nal[1] == 0 && nal[2] == 1:
		return int(nal[3] & 0x1f)
	case len(nal) >= 5 && nal[0] == 0 && nal[1] == 0 && nal[2] == 0 && nal[3] == 1:
		return int(nal[4] & 0x1f)
	default:
		return -1
	}
}

func classify(nal []byte) transport.FrameKind {
	switch nalType(nal) {
	case nalSPS, nalPPS:
		return transport.FrameConfig
	case nalIDR:
		return transport.FrameKey
	default:
		return transport.FrameDelta
	}
}
