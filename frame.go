package dempsy

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// sizeSentinel marks the short-form size field as "read the real size from
// the following int32" (§6.1).
const sizeSentinel = int16(-1)

// shortFormLimit is the largest payload size the short form can carry
// directly; -1 is reserved as the sentinel.
const shortFormLimit = 1<<15 - 1 // 32767

// EncodeFrame appends the wire encoding of payload to buf: a big-endian
// int16 size, or the sentinel followed by a big-endian int32 size when the
// payload exceeds shortFormLimit, then the payload bytes themselves.
func EncodeFrame(buf *bytes.Buffer, payload []byte) error {
	n := len(payload)
	if n > int(^uint32(0)>>1) {
		return fmt.Errorf("%w: payload too large (%d bytes)", ErrCorruptFrame, n)
	}
	if n <= shortFormLimit {
		var short [2]byte
		binary.BigEndian.PutUint16(short[:], uint16(n))
		buf.Write(short[:])
	} else {
		var hdr [6]byte
		binary.BigEndian.PutUint16(hdr[0:2], 0xFFFF) // sizeSentinel (-1) as two's complement
		binary.BigEndian.PutUint32(hdr[2:6], uint32(n))
		buf.Write(hdr[:])
	}
	buf.Write(payload)
	return nil
}

// decodeState is the per-connection frame decoder state machine from §4.1.
type decodeState int

const (
	readSizeShort decodeState = iota
	readSizeInt
	readBody
)

// FrameDecoder incrementally assembles frames from a byte stream that may
// arrive in arbitrary-sized chunks (as TCP reads do). Feed delivers bytes;
// each completed frame is reported via the onFrame callback before Feed
// returns control for that chunk's remainder. maxMessageSize bounds the
// body per §6.1; violating it is CorruptFrame and the decoder becomes
// unusable (callers should drop the connection).
type FrameDecoder struct {
	maxMessageSize int

	// Alloc, if set, supplies the body buffer for each frame instead of the
	// decoder's default cap-reuse behavior. The receiver sets this to a
	// buffer-pool Get so that ownership of a completed frame's buffer can
	// safely transfer to the Listener callback (§4.1 "Buffer lifecycle")
	// while decoding continues into a fresh buffer.
	Alloc func(size int) []byte

	state   decodeState
	sizeBuf [6]byte
	sizeGot int
	size    int

	body    []byte
	bodyGot int

	corrupt bool
}

// NewFrameDecoder creates a decoder bounding bodies to maxMessageSize.
func NewFrameDecoder(maxMessageSize int) *FrameDecoder {
	return &FrameDecoder{maxMessageSize: maxMessageSize, state: readSizeShort}
}

// Feed consumes as much of data as forms complete frames, invoking onFrame
// once per completed frame with a buffer valid only for the duration of the
// call (callers that need to retain it must copy). It returns the number of
// bytes consumed and an error if the stream is corrupt (callers must then
// close the connection; it is undefined to call Feed again).
func (d *FrameDecoder) Feed(data []byte, onFrame func([]byte)) (int, error) {
	if d.corrupt {
		return 0, ErrCorruptFrame
	}
	consumed := 0
	for consumed < len(data) {
		switch d.state {
		case readSizeShort:
			need := 2 - d.sizeGot
			take := min(need, len(data)-consumed)
			copy(d.sizeBuf[d.sizeGot:], data[consumed:consumed+take])
			d.sizeGot += take
			consumed += take
			if d.sizeGot < 2 {
				continue
			}
			short := int16(binary.BigEndian.Uint16(d.sizeBuf[:2]))
			if short == sizeSentinel {
				d.state = readSizeInt
				continue
			}
			if short < 0 {
				d.corrupt = true
				return consumed, fmt.Errorf("%w: negative non-sentinel size %d", ErrCorruptFrame, short)
			}
			if err := d.startBody(int(short)); err != nil {
				return consumed, err
			}
		case readSizeInt:
			need := 6 - d.sizeGot
			take := min(need, len(data)-consumed)
			copy(d.sizeBuf[d.sizeGot:], data[consumed:consumed+take])
			d.sizeGot += take
			consumed += take
			if d.sizeGot < 6 {
				continue
			}
			size := int(binary.BigEndian.Uint32(d.sizeBuf[2:6]))
			if err := d.startBody(size); err != nil {
				return consumed, err
			}
		case readBody:
			need := len(d.body) - d.bodyGot
			take := min(need, len(data)-consumed)
			copy(d.body[d.bodyGot:], data[consumed:consumed+take])
			d.bodyGot += take
			consumed += take
			if d.bodyGot < len(d.body) {
				continue
			}
			onFrame(d.body)
			d.reset()
		}
	}
	return consumed, nil
}

func (d *FrameDecoder) startBody(size int) error {
	if size <= 0 || size > d.maxMessageSize {
		d.corrupt = true
		return fmt.Errorf("%w: size %d out of range (0, %d]", ErrCorruptFrame, size, d.maxMessageSize)
	}
	d.size = size
	if d.Alloc != nil {
		d.body = d.Alloc(size)
	} else if cap(d.body) < size {
		d.body = make([]byte, size)
	} else {
		d.body = d.body[:size]
	}
	d.bodyGot = 0
	d.state = readBody
	return nil
}

func (d *FrameDecoder) reset() {
	d.state = readSizeShort
	d.sizeGot = 0
	d.size = 0
	d.bodyGot = 0
}

// Abandon returns the in-progress body buffer, if any, and clears the
// decoder's reference to it. Callers that own a pooled Alloc use this on
// connection teardown to return a partially-filled buffer rather than
// leaking it (§8 property 2: every buffer drawn from the pool must be
// returned).
func (d *FrameDecoder) Abandon() []byte {
	if d.state != readBody {
		return nil
	}
	b := d.body
	d.body = nil
	return b
}

// DecodeFrame decodes exactly one frame from the front of an in-memory
// buffer, returning the payload and the number of bytes that frame took;
// bytes after it are left unconsumed. A nil payload with a nil error means
// the frame is incomplete. Used by tests.
func DecodeFrame(data []byte, maxMessageSize int) (payload []byte, consumed int, err error) {
	d := NewFrameDecoder(maxMessageSize)
	var out []byte
	onFrame := func(b []byte) {
		out = append([]byte(nil), b...)
	}
	// Header bytes go in one at a time and the body in one chunk sized to
	// what it still needs, so Feed stops at the end of the first frame.
	for consumed < len(data) && out == nil {
		step := 1
		if d.state == readBody {
			step = min(len(d.body)-d.bodyGot, len(data)-consumed)
		}
		n, ferr := d.Feed(data[consumed:consumed+step], onFrame)
		consumed += n
		if ferr != nil {
			return nil, consumed, ferr
		}
	}
	return out, consumed, nil
}
