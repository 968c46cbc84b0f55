package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Magic prefixes every frame on the raw socket transport.
	Magic = "AH"

	maxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size
)

var (
	ErrBadMagic      = errors.New("bad frame magic")
	ErrBadHeader     = errors.New("bad frame header")
	ErrFrameTooLarge = errors.New("frame too large")
)

// HeaderFormat selects how the payload length is written after the magic.
type HeaderFormat int

const (
	// HeaderHex8 writes the length as 8 ASCII hex characters.
	HeaderHex8 HeaderFormat = iota
	// HeaderDecimal8 writes the length as 8 zero padded ASCII decimal characters.
	HeaderDecimal8
	// HeaderBinary4 writes the length as a 4-byte big-endian integer (legacy hosts).
	HeaderBinary4
)

func (f HeaderFormat) String() string {
	switch f {
	case HeaderHex8:
		return "hex"
	case HeaderDecimal8:
		return "decimal"
	case HeaderBinary4:
		return "binary"
	default:
		return fmt.Sprintf("HeaderFormat(%d)", int(f))
	}
}

// ParseHeaderFormat maps a config value to a HeaderFormat. Empty means HeaderHex8.
func ParseHeaderFormat(s string) (HeaderFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hex":
		return HeaderHex8, nil
	case "decimal":
		return HeaderDecimal8, nil
	case "binary":
		return HeaderBinary4, nil
	default:
		return 0, fmt.Errorf("unknown header format %q", s)
	}
}

// HeaderSize returns the full header length, magic included.
func (f HeaderFormat) HeaderSize() int {
	if f == HeaderBinary4 {
		return len(Magic) + 4
	}
	return len(Magic) + 8
}

// Encode frames payload as magic + length header + payload.
func Encode(payload []byte, format HeaderFormat) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrFrameTooLarge, len(payload), maxPayloadSize)
	}

	hs := format.HeaderSize()
	out := make([]byte, hs+len(payload))
	copy(out, Magic)
	switch format {
	case HeaderHex8:
		copy(out[len(Magic):hs], fmt.Sprintf("%08x", len(payload)))
	case HeaderDecimal8:
		copy(out[len(Magic):hs], fmt.Sprintf("%08d", len(payload)))
	case HeaderBinary4:
		binary.BigEndian.PutUint32(out[len(Magic):hs], uint32(len(payload)))
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrBadHeader, int(format))
	}
	copy(out[hs:], payload)
	return out, nil
}

// DecodeHeader validates the magic of header and returns the payload length.
// header must be exactly format.HeaderSize() bytes.
func DecodeHeader(header []byte, format HeaderFormat) (int, error) {
	if len(header) != format.HeaderSize() {
		return 0, fmt.Errorf("%w: got %d bytes", ErrBadHeader, len(header))
	}
	if string(header[:len(Magic)]) != Magic {
		return 0, fmt.Errorf("%w: %q", ErrBadMagic, header[:len(Magic)])
	}

	field := header[len(Magic):]
	var n uint64
	switch format {
	case HeaderHex8:
		v, err := strconv.ParseUint(string(field), 16, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		n = v
	case HeaderDecimal8:
		v, err := strconv.ParseUint(string(field), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		n = v
	case HeaderBinary4:
		n = uint64(binary.BigEndian.Uint32(field))
	default:
		return 0, fmt.Errorf("%w: unknown format %d", ErrBadHeader, int(format))
	}
	return int(n), nil
}

// Decoder turns a fragmented byte stream into complete frame payloads.
//
// It alternates between waiting for a header and waiting for a body. When not
// enough bytes are buffered it remembers how many are still required and
// returns, so it can be fed straight from a read loop.
type Decoder struct {
	format HeaderFormat
	limit  int
	buf    []byte
	want   int // body length being waited for, -1 while waiting for a header
	need   int
}

// NewDecoder creates a Decoder for format with the default payload limit.
func NewDecoder(format HeaderFormat) *Decoder {
	return &Decoder{format: format, limit: maxPayloadSize, want: -1}
}

// SetLimit changes the maximum accepted payload size.
func (d *Decoder) SetLimit(n int) {
	if n > 0 {
		d.limit = n
	}
}

// Feed appends chunk to the buffer and returns every complete payload, in
// arrival order. Payloads are copies and safe to keep.
//
// On a protocol error the buffer is discarded; the stream cannot be resynced.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var out [][]byte
	for {
		if d.want < 0 {
			hs := d.format.HeaderSize()
			if len(d.buf) < hs {
				d.need = hs - len(d.buf)
				return out, nil
			}
			n, err := DecodeHeader(d.buf[:hs], d.format)
			if err != nil {
				d.Reset()
				return out, err
			}
			if n > d.limit {
				d.Reset()
				return out, fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrFrameTooLarge, n, d.limit)
			}
			d.buf = d.buf[hs:]
			d.want = n
		}

		if len(d.buf) < d.want {
			d.need = d.want - len(d.buf)
			return out, nil
		}

		payload := make([]byte, d.want)
		copy(payload, d.buf[:d.want])
		d.buf = d.buf[d.want:]
		if len(d.buf) == 0 {
			d.buf = nil
		}
		d.want = -1
		d.need = 0
		out = append(out, payload)
	}
}

// Need returns how many more bytes the current header or body requires.
func (d *Decoder) Need() int {
	return d.need
}

// Buffered returns the number of bytes held but not yet returned.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops buffered data and waits for a fresh header.
func (d *Decoder) Reset() {
	d.buf = nil
	d.want = -1
	d.need = 0
}
