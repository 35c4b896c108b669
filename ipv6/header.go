// Package ipv6 implements the fixed 40-byte RFC 2460 IPv6 header that the
// 6LoWPAN adaptation engine compresses on send and reconstructs on receive.
package ipv6

import (
	"encoding/binary"
	"errors"
	"net"
)

// HeaderLen is the fixed length of an IPv6 header in bytes.
const HeaderLen = 40

// ErrShortHeader is returned when a buffer is too small to hold a full
// IPv6 header.
var ErrShortHeader = errors.New("ipv6: buffer shorter than a full header")

// Header is the standard 40-byte IPv6 header, big-endian on the wire.
type Header struct {
	Version      uint8 // always 6
	DSCP         uint8 // 6 bits
	ECN          uint8 // 2 bits
	FlowLabel    uint32 // 20 bits
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          net.IP // 16 bytes
	Dest         net.IP // 16 bytes
}

// Encode writes the header to a 40-byte big-endian wire form.
func (h *Header) Encode() []byte {
	b := make([]byte, HeaderLen)
	vtcfl := uint32(h.Version&0xf)<<28 | uint32(h.DSCP&0x3f)<<22 | uint32(h.ECN&0x3)<<20 | (h.FlowLabel & 0xfffff)
	binary.BigEndian.PutUint32(b[0:4], vtcfl)
	binary.BigEndian.PutUint16(b[4:6], h.PayloadLen)
	b[6] = h.NextHeader
	b[7] = h.HopLimit
	copy(b[8:24], to16(h.Src))
	copy(b[24:40], to16(h.Dest))
	return b
}

// Decode parses a 40-byte big-endian IPv6 header from b.
func Decode(b []byte) (*Header, error) {
	if len(b) < HeaderLen {
		return nil, ErrShortHeader
	}
	vtcfl := binary.BigEndian.Uint32(b[0:4])
	h := &Header{
		Version:    uint8(vtcfl >> 28 & 0xf),
		DSCP:       uint8(vtcfl >> 22 & 0x3f),
		ECN:        uint8(vtcfl >> 20 & 0x3),
		FlowLabel:  vtcfl & 0xfffff,
		PayloadLen: binary.BigEndian.Uint16(b[4:6]),
		NextHeader: b[6],
		HopLimit:   b[7],
		Src:        append(net.IP(nil), b[8:24]...),
		Dest:       append(net.IP(nil), b[24:40]...),
	}
	return h, nil
}

func to16(ip net.IP) []byte {
	v := ip.To16()
	if v == nil {
		return make([]byte, 16)
	}
	return v
}

// Equal compares two headers field by field (net.IP equality, not byte
// slice identity).
func (h *Header) Equal(o *Header) bool {
	if h == nil || o == nil {
		return h == o
	}
	return h.Version == o.Version && h.DSCP == o.DSCP && h.ECN == o.ECN &&
		h.FlowLabel == o.FlowLabel && h.PayloadLen == o.PayloadLen &&
		h.NextHeader == o.NextHeader && h.HopLimit == o.HopLimit &&
		h.Src.Equal(o.Src) && h.Dest.Equal(o.Dest)
}
