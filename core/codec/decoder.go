package codec

// State is the position of a Decoder within a frame.
type State uint8

const (
	// StateUnframed discards bytes until a start delimiter arrives.
	StateUnframed State = iota
	StateLengthHigh
	StateLengthLow
	StateData
	// StateDataEscaped means the previous data byte was 0x7D.
	StateDataEscaped
	StateChecksum
)

func (s State) String() string {
	switch s {
	case StateUnframed:
		return "unframed"
	case StateLengthHigh:
		return "length-high"
	case StateLengthLow:
		return "length-low"
	case StateData:
		return "data"
	case StateDataEscaped:
		return "data-escaped"
	case StateChecksum:
		return "checksum"
	default:
		return "unknown"
	}
}

// Result is the outcome of feeding one byte to a Decoder.
type Result uint8

const (
	// Pending means more input is needed.
	Pending Result = iota
	// FrameReady means a complete frame with a valid checksum was decoded.
	FrameReady
	// FrameInvalid means the frame in progress was discarded.
	FrameInvalid
)

func (r Result) String() string {
	switch r {
	case Pending:
		return "pending"
	case FrameReady:
		return "frame-ready"
	case FrameInvalid:
		return "frame-invalid"
	default:
		return "unknown"
	}
}

// Decoder is an incremental, non-blocking API frame parser. It is driven one
// byte at a time and is not safe for concurrent use; callers serialize
// access with their own receive lock.
type Decoder struct {
	// MaxFrameSize bounds the accepted length field. Default: DefaultMaxFrameSize.
	MaxFrameSize int

	state   State
	escaped bool // pending escape for length or checksum bytes
	length  uint16
	buf     []byte
}

// NewDecoder creates a Decoder with the given maximum frame size.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{
		MaxFrameSize: maxFrameSize,
		buf:          make([]byte, 0, maxFrameSize),
	}
}

// State returns the decoder's current state.
func (d *Decoder) State() State {
	return d.state
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	d.state = StateUnframed
	d.escaped = false
	d.length = 0
	d.buf = d.buf[:0]
}

// Feed advances the decoder by one byte. The returned frame is non-nil only
// with FrameReady and owns its payload.
//
// A start delimiter always begins a new frame. If one arrives while a frame
// is in progress the partial frame is dropped and FrameInvalid is returned;
// the decoder is then already positioned on the new frame's length.
func (d *Decoder) Feed(b byte) (Result, *Frame) {
	if b == StartDelimiter {
		inFrame := d.state != StateUnframed
		d.Reset()
		d.state = StateLengthHigh
		if inFrame {
			return FrameInvalid, nil
		}
		return Pending, nil
	}

	switch d.state {
	case StateUnframed:
		return Pending, nil

	case StateDataEscaped:
		d.state = StateData
		return d.dataByte(b ^ EscapeXOR)
	}

	if b == EscapeByte {
		if d.state == StateData {
			d.state = StateDataEscaped
		} else {
			d.escaped = true
		}
		return Pending, nil
	}
	if d.escaped {
		b ^= EscapeXOR
		d.escaped = false
	}

	switch d.state {
	case StateLengthHigh:
		d.length = uint16(b) << 8
		d.state = StateLengthLow
		return Pending, nil

	case StateLengthLow:
		d.length |= uint16(b)
		if d.length == 0 || int(d.length) > d.maxFrameSize() {
			d.Reset()
			return FrameInvalid, nil
		}
		d.state = StateData
		return Pending, nil

	case StateData:
		return d.dataByte(b)

	case StateChecksum:
		defer d.Reset()
		if !ValidChecksum(d.buf, b) {
			return FrameInvalid, nil
		}
		frame := &Frame{
			Type:    d.buf[0],
			Payload: make([]byte, len(d.buf)-1),
			Length:  d.length,
		}
		copy(frame.Payload, d.buf[1:])
		return FrameReady, frame
	}

	d.Reset()
	return FrameInvalid, nil
}

func (d *Decoder) dataByte(b byte) (Result, *Frame) {
	d.buf = append(d.buf, b)
	if len(d.buf) == int(d.length) {
		d.state = StateChecksum
	}
	return Pending, nil
}

func (d *Decoder) maxFrameSize() int {
	if d.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return d.MaxFrameSize
}

// Write feeds p and returns every frame completed along the way, plus the
// number of frames discarded as invalid.
func (d *Decoder) Write(p []byte) (frames []*Frame, invalid int) {
	for _, b := range p {
		res, f := d.Feed(b)
		switch res {
		case FrameReady:
			frames = append(frames, f)
		case FrameInvalid:
			invalid++
		}
	}
	return frames, invalid
}
