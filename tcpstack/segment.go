package tcpstack

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/lowpan-go/lowpan-stack/ipv6"
)

// tcpProtocolNumber is the IPv6 next-header value for TCP.
const tcpProtocolNumber = 6

// HeaderLen is the fixed length of an uncompressed TCP header with no
// options, in bytes.
const HeaderLen = 20

// ErrShortSegment is returned when a buffer is too small to hold a TCP
// header.
var ErrShortSegment = errors.New("tcpstack: buffer shorter than a TCP header")

// Flag bits in the TCP header's flags byte.
const (
	FlagFIN = 1 << 0
	FlagSYN = 1 << 1
	FlagRST = 1 << 2
	FlagPSH = 1 << 3
	FlagACK = 1 << 4
	FlagURG = 1 << 5
)

// Segment is a decoded TCP header plus its payload.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    uint8
	Window   uint16
	Checksum uint16
	UrgPtr   uint16
	Payload  []byte
}

// Encode writes the segment to its uncompressed 20-byte wire form followed
// by the payload.
func (s *Segment) Encode() []byte {
	b := make([]byte, HeaderLen+len(s.Payload))
	binary.BigEndian.PutUint16(b[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], s.DstPort)
	binary.BigEndian.PutUint32(b[4:8], s.Seq)
	binary.BigEndian.PutUint32(b[8:12], s.Ack)
	b[12] = 5 << 4 // data offset: 5 words, no options
	b[13] = s.Flags
	binary.BigEndian.PutUint16(b[14:16], s.Window)
	binary.BigEndian.PutUint16(b[16:18], s.Checksum)
	binary.BigEndian.PutUint16(b[18:20], s.UrgPtr)
	copy(b[HeaderLen:], s.Payload)
	return b
}

// DecodeSegment parses an uncompressed TCP segment from b.
func DecodeSegment(b []byte) (*Segment, error) {
	if len(b) < HeaderLen {
		return nil, ErrShortSegment
	}
	dataOffset := int(b[12]>>4) * 4
	if dataOffset < HeaderLen || len(b) < dataOffset {
		return nil, ErrShortSegment
	}
	s := &Segment{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Seq:      binary.BigEndian.Uint32(b[4:8]),
		Ack:      binary.BigEndian.Uint32(b[8:12]),
		Flags:    b[13],
		Window:   binary.BigEndian.Uint16(b[14:16]),
		Checksum: binary.BigEndian.Uint16(b[16:18]),
		UrgPtr:   binary.BigEndian.Uint16(b[18:20]),
		Payload:  append([]byte(nil), b[dataOffset:]...),
	}
	return s, nil
}

func (s *Segment) hasFlag(f uint8) bool { return s.Flags&f != 0 }

// SetChecksum computes and fills in the segment's checksum over the IPv6
// pseudo-header, per spec §4.4.
func (s *Segment) SetChecksum(src, dest net.IP) {
	s.Checksum = 0
	wire := s.Encode()
	acc := ipv6.PseudoHeaderChecksum(src, dest, uint32(len(wire)), tcpProtocolNumber)
	acc.AddBytes(wire)
	s.Checksum = acc.Fold()
}

// VerifyChecksum reports whether the segment's encoded wire form (with its
// carried checksum) satisfies the IPv6 pseudo-header checksum identity.
func (s *Segment) VerifyChecksum(src, dest net.IP) bool {
	wire := s.Encode()
	return ipv6.VerifyChecksum(src, dest, uint32(len(wire)), tcpProtocolNumber, wire)
}
