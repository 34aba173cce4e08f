package transport

import (
	"errors"
)

const (
	// FrameLenSize is the size of the little-endian length prefix.
	FrameLenSize = 3
	// MaxFrameSize is the largest payload a 3-byte prefix can describe.
	MaxFrameSize = 1<<24 - 1
)

// lenDone is the factor sentinel marking the length field fully read.
const lenDone = 1 << 24

// ErrFrameTooLarge indicates a payload that does not fit a 3-byte prefix.
var ErrFrameTooLarge = errors.New("frame payload exceeds 3-byte length prefix")

// FrameParser converts a raw byte stream into discrete length-prefixed
// frames. It tolerates arbitrary chunking: the length prefix may arrive a
// byte at a time and bodies may span any number of deliveries.
//
// When a whole body lies contiguously inside one inbound chunk the frame is
// yielded as a sub-slice of that chunk (zero copy); otherwise an owned
// buffer of the exact body size is filled across deliveries. Either way the
// yielded slice is only valid until the next Recv call.
type FrameParser struct {
	// OnFrame is invoked once per completed frame, in order.
	OnFrame func(frame []byte)
	// OnHint, if set, is told how many more bytes the current body still
	// needs after each partial delivery. Best effort, informational.
	OnHint func(remaining int)

	length int
	factor int
	frame  []byte
}

// NewFrameParser creates a parser ready to read a length prefix.
func NewFrameParser() *FrameParser {
	return &FrameParser{factor: 1}
}

// Recv feeds one inbound chunk through the parser, yielding every frame it
// completes. The chunk may be of any size, including a single byte.
func (p *FrameParser) Recv(chunk []byte) {
	for len(chunk) > 0 {
		if p.factor < lenDone {
			chunk = p.readLength(chunk)
			continue
		}
		chunk = p.readBody(chunk)
	}
}

// readLength consumes up to three length bytes, little-endian, one per call.
func (p *FrameParser) readLength(chunk []byte) []byte {
	p.length += int(chunk[0]) * p.factor
	p.factor <<= 8
	chunk = chunk[1:]

	if p.factor == lenDone && p.length == 0 {
		// Empty frame; nothing to accumulate.
		p.yield(nil)
	}
	return chunk
}

func (p *FrameParser) readBody(chunk []byte) []byte {
	// Zero-copy fast path: the whole body is already in this chunk.
	if p.frame == nil && len(chunk) >= p.length {
		frame := chunk[:p.length:p.length]
		rest := chunk[p.length:]
		p.yield(frame)
		return rest
	}

	if p.frame == nil {
		p.frame = make([]byte, 0, p.length)
	}

	take := p.length - len(p.frame)
	if take > len(chunk) {
		take = len(chunk)
	}
	p.frame = append(p.frame, chunk[:take]...)
	chunk = chunk[take:]

	if len(p.frame) == p.length {
		p.yield(p.frame)
	} else if p.OnHint != nil {
		p.OnHint(p.length - len(p.frame))
	}
	return chunk
}

// yield emits a completed frame and resets for the next length prefix.
func (p *FrameParser) yield(frame []byte) {
	p.length = 0
	p.factor = 1
	p.frame = nil
	if p.OnFrame != nil {
		p.OnFrame(frame)
	}
}

// PutFrameLen writes the 3-byte little-endian length prefix for a payload
// of n bytes into b.
func PutFrameLen(b []byte, n int) {
	b[0] = byte(n)
	b[1] = byte(n >> 8)
	b[2] = byte(n >> 16)
}

// AppendFrame appends a length-prefixed frame containing payload to dst
// and returns the extended slice.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	var prefix [FrameLenSize]byte
	PutFrameLen(prefix[:], len(payload))
	dst = append(dst, prefix[:]...)
	dst = append(dst, payload...)
	return dst, nil
}
