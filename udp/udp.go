// Package udp implements the UDP wire format and a minimal datagram engine:
// encode/decode with the IPv6 pseudo-header checksum, and a per-port
// binding table that routes inbound datagrams to whichever socket is
// bound to their destination port, per spec §4.5 ("sendto/recvfrom (UDP).
// Build the UDP header with pseudo-header checksum; on receive, deliver
// the payload together with the source address to the task blocked on the
// UDP socket.").
package udp

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"github.com/lowpan-go/lowpan-stack/ipv6"
)

// udpProtocolNumber is the IPv6 next-header value for UDP.
const udpProtocolNumber = 17

// HeaderLen is the fixed length of a UDP header.
const HeaderLen = 8

// ErrShortDatagram is returned when a buffer is too small to hold a UDP
// header.
var ErrShortDatagram = errors.New("udp: buffer shorter than a UDP header")

// ErrChecksumInvalid is returned when a datagram's checksum does not match
// the IPv6 pseudo-header checksum.
var ErrChecksumInvalid = errors.New("udp: invalid datagram checksum")

// Header is a decoded UDP header.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Encode writes h to its 8-byte wire form.
func (h *Header) Encode() []byte {
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	binary.BigEndian.PutUint16(b[6:8], h.Checksum)
	return b
}

// DecodeHeader parses a UDP header from b.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) < HeaderLen {
		return nil, ErrShortDatagram
	}
	return &Header{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   binary.BigEndian.Uint16(b[4:6]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// BuildDatagram encodes a full UDP datagram (header plus payload), with its
// checksum computed over the IPv6 pseudo-header, per spec §4.5.
func BuildDatagram(srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	h := &Header{SrcPort: srcPort, DstPort: dstPort, Length: uint16(HeaderLen + len(payload))}
	wire := append(h.Encode(), payload...)
	acc := ipv6.PseudoHeaderChecksum(srcIP, dstIP, uint32(len(wire)), udpProtocolNumber)
	acc.AddBytes(wire)
	binary.BigEndian.PutUint16(wire[6:8], acc.Fold())
	return wire
}

// ParseDatagram splits a full UDP wire datagram into its header and
// payload, verifying the checksum against the IPv6 pseudo-header.
func ParseDatagram(srcIP, dstIP net.IP, wire []byte) (*Header, []byte, error) {
	h, err := DecodeHeader(wire)
	if err != nil {
		return nil, nil, err
	}
	if !ipv6.VerifyChecksum(srcIP, dstIP, uint32(len(wire)), udpProtocolNumber, wire) {
		return nil, nil, ErrChecksumInvalid
	}
	return h, wire[HeaderLen:], nil
}

// Emit sends an encoded UDP datagram to its destination, mirroring
// tcpstack.Emit's role for TCP segments.
type Emit func(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16, payload []byte)

// Datagram is one received UDP payload together with its sender, handed to
// whichever task is blocked on RecvFrom (spec §4.5).
type Datagram struct {
	SrcAddr string
	SrcPort uint16
	Payload []byte
}

type boundKey struct {
	addr string
	port uint16
}

// ErrAlreadyBound is returned by Bind when another socket already owns the
// requested address and port.
var ErrAlreadyBound = errors.New("udp: port already bound")

// Engine routes UDP datagrams to bound sockets by destination address and
// port. It has no connection state: every datagram is independently
// addressed, per spec §4.5's sendto/recvfrom contract.
type Engine struct {
	mu    sync.Mutex
	bound map[boundKey]chan Datagram
	emit  Emit
}

// NewEngine creates an Engine that calls emit to transmit datagrams.
func NewEngine(emit Emit) *Engine {
	return &Engine{bound: make(map[boundKey]chan Datagram), emit: emit}
}

// Bind reserves addr:port for delivery and returns the channel HandleDatagram
// will deliver to.
func (e *Engine) Bind(addr string, port uint16) (<-chan Datagram, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := boundKey{addr, port}
	if _, ok := e.bound[key]; ok {
		return nil, ErrAlreadyBound
	}
	ch := make(chan Datagram, 32)
	e.bound[key] = ch
	return ch, nil
}

// Unbind releases addr:port, closing its delivery channel.
func (e *Engine) Unbind(addr string, port uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := boundKey{addr, port}
	if ch, ok := e.bound[key]; ok {
		close(ch)
		delete(e.bound, key)
	}
}

// SendTo emits payload from srcAddr:srcPort to dstAddr:dstPort.
func (e *Engine) SendTo(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16, payload []byte) {
	e.emit(srcAddr, srcPort, dstAddr, dstPort, payload)
}

// HandleDatagram delivers payload to whichever socket is bound to
// dstAddr:dstPort, dropping it silently if none is bound (spec has no
// ICMP port-unreachable concept in scope here).
func (e *Engine) HandleDatagram(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16, payload []byte) {
	e.mu.Lock()
	ch, ok := e.bound[boundKey{dstAddr, dstPort}]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- Datagram{SrcAddr: srcAddr, SrcPort: srcPort, Payload: append([]byte(nil), payload...)}:
	default:
	}
}
