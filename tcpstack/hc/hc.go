// Package hc implements optional per-connection TCP header compression: a
// sender/receiver pair of contexts that let a segment's header be encoded
// as only the fields that changed since the last segment on that
// connection, instead of the full 20-byte header every time.
package hc

import (
	"encoding/binary"
	"errors"
)

// ErrShortCompressedHeader is returned when a buffer is too small for the
// bitmap it claims to carry.
var ErrShortCompressedHeader = errors.New("hc: buffer shorter than its field bitmap demands")

// Field change bits, in the order fields are packed when present.
const (
	fieldSeq = 1 << iota
	fieldAck
	fieldWindow
	fieldFlags
)

// Fields is the subset of a TCP header's fields this package tracks
// delta-compression state for.
type Fields struct {
	Seq    uint32
	Ack    uint32
	Window uint16
	Flags  uint8
}

// Context holds one side's last-seen Fields, so CompressOut and
// DecompressIn only need to carry what changed.
type Context struct {
	last  Fields
	ready bool
}

// NewContext returns an empty compression context.
func NewContext() *Context { return &Context{} }

// CompressOut encodes f against the context's last-sent fields and updates
// the context to f.
func (c *Context) CompressOut(f Fields) []byte {
	var bitmap uint8
	var body []byte

	if !c.ready || f.Seq != c.last.Seq {
		bitmap |= fieldSeq
		body = append(body, u32b(f.Seq)...)
	}
	if !c.ready || f.Ack != c.last.Ack {
		bitmap |= fieldAck
		body = append(body, u32b(f.Ack)...)
	}
	if !c.ready || f.Window != c.last.Window {
		bitmap |= fieldWindow
		body = append(body, u16b(f.Window)...)
	}
	if !c.ready || f.Flags != c.last.Flags {
		bitmap |= fieldFlags
		body = append(body, f.Flags)
	}

	c.last = f
	c.ready = true

	return append([]byte{bitmap}, body...)
}

// DecompressIn decodes b against the context's last-received fields,
// returning the reconstructed Fields and updating the context.
func (c *Context) DecompressIn(b []byte) (Fields, int, error) {
	if len(b) < 1 {
		return Fields{}, 0, ErrShortCompressedHeader
	}
	bitmap := b[0]
	pos := 1
	f := c.last

	if bitmap&fieldSeq != 0 {
		if len(b) < pos+4 {
			return Fields{}, 0, ErrShortCompressedHeader
		}
		f.Seq = binary.BigEndian.Uint32(b[pos : pos+4])
		pos += 4
	}
	if bitmap&fieldAck != 0 {
		if len(b) < pos+4 {
			return Fields{}, 0, ErrShortCompressedHeader
		}
		f.Ack = binary.BigEndian.Uint32(b[pos : pos+4])
		pos += 4
	}
	if bitmap&fieldWindow != 0 {
		if len(b) < pos+2 {
			return Fields{}, 0, ErrShortCompressedHeader
		}
		f.Window = binary.BigEndian.Uint16(b[pos : pos+2])
		pos += 2
	}
	if bitmap&fieldFlags != 0 {
		if len(b) < pos+1 {
			return Fields{}, 0, ErrShortCompressedHeader
		}
		f.Flags = b[pos]
		pos++
	}

	c.last = f
	c.ready = true
	return f, pos, nil
}

func u32b(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16b(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}
