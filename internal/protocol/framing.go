package protocol

import "bytes"

const (
	// Sentinel bytes delimiting vendor binary frames on the shared listener.
	FrameStart = 0x80
	FrameEnd   = 0x81

	// MaxBufferedFrame caps how much a single sender can buffer without ever
	// producing a terminator before the whole buffer is force-flushed.
	MaxBufferedFrame = 64 * 1024
)

type Frame struct {
	Data   []byte
	Binary bool
	// Forced marks a frame flushed because the buffer cap was hit without a
	// terminator; it is almost certainly malformed.
	Forced bool
}

// Splitter accumulates a connection's byte stream and yields discrete frames.
// Two framings coexist: a buffer starting with FrameStart runs to the next
// FrameEnd (inclusive), anything else runs to the next newline (exclusive).
type Splitter struct {
	buf []byte
}

func (s *Splitter) Push(data []byte) {
	s.buf = append(s.buf, data...)
}

func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Next pops the next complete frame. When the buffer exceeds
// MaxBufferedFrame with no terminator in sight, the whole buffer is returned
// as one forced frame so a malformed sender cannot grow memory unboundedly.
func (s *Splitter) Next() (Frame, bool) {
	for len(s.buf) > 0 {
		if s.buf[0] == FrameStart {
			end := bytes.IndexByte(s.buf[1:], FrameEnd)
			if end >= 0 {
				frame := s.buf[:end+2]
				s.buf = append([]byte(nil), s.buf[end+2:]...)
				return Frame{Data: frame, Binary: true}, true
			}
		} else {
			nl := bytes.IndexByte(s.buf, '\n')
			if nl >= 0 {
				line := bytes.TrimRight(s.buf[:nl], "\r")
				s.buf = append([]byte(nil), s.buf[nl+1:]...)
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				return Frame{Data: line, Binary: false}, true
			}
		}
		if len(s.buf) > MaxBufferedFrame {
			frame := s.buf
			s.buf = nil
			return Frame{Data: frame, Binary: frame[0] == FrameStart, Forced: true}, true
		}
		break
	}
	return Frame{}, false
}
