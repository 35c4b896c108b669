package lowpan

import (
	"net"

	"github.com/lowpan-go/lowpan-stack/hccb"
	"github.com/lowpan-go/lowpan-stack/ipv6"
	"github.com/lowpan-go/lowpan-stack/metrics"
)

// IPHC bit-field codes, per spec §4.3's bit-layout table.
const (
	tfFull4B    = 0x0
	tfECNFL3B   = 0x1
	tfECNDSCP1B = 0x2
	tfElided    = 0x3

	hlInline = 0x0
	hl1      = 0x1
	hl64     = 0x2
	hl255    = 0x3

	amFull   = 0x0 // 128 bits inline
	am64     = 0x1 // 64 bits inline, fe80::/64 or context prefix
	am16     = 0x2 // 16 bits inline
	amElided = 0x3 // 0 bits, derive from link-layer address or (ctx) unspecified/unicast-from-mcast
)

// LinkAddr carries the link-layer source/destination addresses a decode or
// encode needs to derive elided IIDs, per spec §6 ("lengths of 1, 2, or 8
// bytes").
type LinkAddr struct {
	Bytes []byte
}

// DecodeResult is a successfully decoded IPHC header.
type DecodeResult struct {
	Header    *ipv6.Header
	HeaderLen int // number of bytes of b consumed by the compressed header
}

// DecodeIPHC decodes a compressed header at the front of b into a full IPv6
// header, consulting ctxBuf for any stateful (SAC/DAC=1) address contexts.
// linkSrc/linkDest are the link-layer addresses carried alongside the frame.
func DecodeIPHC(b []byte, linkSrc, linkDest LinkAddr, ctxBuf *hccb.Buffer) (*DecodeResult, error) {
	if len(b) < 2 {
		return nil, ErrLengthTooShort
	}
	if b[0]>>5 != 0x3 {
		return nil, ErrInvalidDispatch
	}
	tf := (b[0] >> 3) & 0x3
	nhElided := (b[0]>>2)&0x1 == 1
	hl := b[0] & 0x3
	cidPresent := (b[1]>>7)&0x1 == 1
	sac := (b[1]>>6)&0x1 == 1
	sam := (b[1] >> 4) & 0x3
	m := (b[1]>>3)&0x1 == 1
	dac := (b[1]>>2)&0x1 == 1
	dam := b[1] & 0x3

	pos := 2
	var sci, dci uint8
	if cidPresent {
		if len(b) < pos+1 {
			return nil, ErrLengthTooShort
		}
		sci = b[pos] >> 4
		dci = b[pos] & 0xf
		pos++
	}

	h := &ipv6.Header{Version: 6}

	switch tf {
	case tfFull4B:
		if len(b) < pos+4 {
			return nil, ErrLengthTooShort
		}
		h.ECN = b[pos] >> 6
		h.DSCP = b[pos] & 0x3f
		h.FlowLabel = (uint32(b[pos+1]&0xf) << 16) | uint32(b[pos+2])<<8 | uint32(b[pos+3])
		pos += 4
	case tfECNFL3B:
		if len(b) < pos+3 {
			return nil, ErrLengthTooShort
		}
		h.ECN = b[pos] >> 6
		h.FlowLabel = (uint32(b[pos]&0xf) << 16) | uint32(b[pos+1])<<8 | uint32(b[pos+2])
		pos += 3
	case tfECNDSCP1B:
		if len(b) < pos+1 {
			return nil, ErrLengthTooShort
		}
		h.ECN = b[pos] >> 6
		h.DSCP = b[pos] & 0x3f
		pos++
	case tfElided:
		// all zero
	}

	if !nhElided {
		if len(b) < pos+1 {
			return nil, ErrLengthTooShort
		}
		h.NextHeader = b[pos]
		pos++
	}
	// NHC (next-header compression) is explicitly not implemented, per
	// spec §4.3: "this spec reserves NHC as not-implemented".

	switch hl {
	case hlInline:
		if len(b) < pos+1 {
			return nil, ErrLengthTooShort
		}
		h.HopLimit = b[pos]
		pos++
	case hl1:
		h.HopLimit = 1
	case hl64:
		h.HopLimit = 64
	case hl255:
		h.HopLimit = 255
	}

	srcAddr, n, err := decodeAddr(b[pos:], sac, sam, false, sci, linkSrc, ctxBuf)
	if err != nil {
		return nil, err
	}
	pos += n
	h.Src = srcAddr

	destAddr, n, err := decodeDestAddr(b[pos:], dac, dam, m, dci, linkDest, ctxBuf)
	if err != nil {
		return nil, err
	}
	pos += n
	h.Dest = destAddr

	return &DecodeResult{Header: h, HeaderLen: pos}, nil
}

// decodeAddr handles the unicast SAM/DAM ladder shared by source and
// non-multicast destination addresses.
func decodeAddr(b []byte, stateful bool, mode byte, isDest bool, cid uint8, link LinkAddr, ctxBuf *hccb.Buffer) (net.IP, int, error) {
	var prefix []byte // 8-byte prefix to prepend ahead of the IID, when applicable
	if stateful {
		if mode == amFull {
			if !isDest {
				// SAC=1, SAM=00 with a source address is reserved and
				// encodes the unspecified address (spec §4.3).
				return net.IPv6unspecified, 0, nil
			}
			// DAC=1, DAM=00, M=0 has no equivalent meaning for a
			// destination (there is no unspecified destination) and is
			// reserved.
			return nil, 0, ErrDestinationAddressRequired
		}
		e, ok := ctxBuf.LookupCID(cid)
		if !ok {
			metrics.ContextMisses.Inc()
			return nil, 0, ErrContextUnavailable
		}
		prefix = contextPrefixBytes(e)
	} else {
		prefix = linkLocalPrefix
	}

	switch mode {
	case amFull:
		if len(b) < 16 {
			return nil, 0, ErrLengthTooShort
		}
		return append(net.IP(nil), b[:16]...), 16, nil
	case am64:
		if len(b) < 8 {
			return nil, 0, ErrLengthTooShort
		}
		addr := append(append(net.IP(nil), prefix...), b[:8]...)
		return addr, 8, nil
	case am16:
		if len(b) < 2 {
			return nil, 0, ErrLengthTooShort
		}
		iid := shortAddrIID(b[:2])
		addr := append(append(net.IP(nil), prefix...), iid...)
		return addr, 2, nil
	case amElided:
		iid, err := iidFromLinkAddr(link)
		if err != nil {
			return nil, 0, err
		}
		addr := append(append(net.IP(nil), prefix...), iid...)
		return addr, 0, nil
	}
	return nil, 0, ErrInvalidDispatch
}

// decodeDestAddr additionally handles the multicast ladder used when M=1.
func decodeDestAddr(b []byte, dac bool, dam byte, m bool, dci uint8, link LinkAddr, ctxBuf *hccb.Buffer) (net.IP, int, error) {
	if !m {
		return decodeAddr(b, dac, dam, true, dci, link, ctxBuf)
	}
	if dac {
		// Unicast-prefix-based multicast using the referenced context;
		// treat DAM as selecting how many bytes of the multicast group
		// are inline, overlaid on the context's prefix bytes.
		e, ok := ctxBuf.LookupCID(dci)
		if !ok {
			metrics.ContextMisses.Inc()
			return nil, 0, ErrContextUnavailable
		}
		return decodeContextMulticast(b, dam, e)
	}
	switch dam {
	case amFull:
		if len(b) < 16 {
			return nil, 0, ErrLengthTooShort
		}
		return append(net.IP(nil), b[:16]...), 16, nil
	case 0x1: // 48 bits: ffXX::00XX:XXXX:XXXX
		if len(b) < 6 {
			return nil, 0, ErrLengthTooShort
		}
		addr := make(net.IP, 16)
		addr[0] = 0xff
		addr[1] = b[0]
		addr[11] = b[1]
		copy(addr[12:16], b[2:6])
		return addr, 6, nil
	case 0x2: // 32 bits: ffXX::XX:XXXX
		if len(b) < 4 {
			return nil, 0, ErrLengthTooShort
		}
		addr := make(net.IP, 16)
		addr[0] = 0xff
		addr[1] = b[0]
		addr[13] = b[1]
		copy(addr[14:16], b[2:4])
		return addr, 4, nil
	case 0x3: // 8 bits: ff02::XX
		if len(b) < 1 {
			return nil, 0, ErrLengthTooShort
		}
		addr := make(net.IP, 16)
		addr[0] = 0xff
		addr[1] = 0x02
		addr[15] = b[0]
		return addr, 1, nil
	}
	return nil, 0, ErrInvalidDispatch
}

func decodeContextMulticast(b []byte, dam byte, e hccb.Entry) (net.IP, int, error) {
	// Unicast-prefix-based multicast (RFC 3306 form): flags/scope + plen +
	// network prefix bytes are overlaid from the context, with the group
	// id inline.
	if len(b) < 6 {
		return nil, 0, ErrLengthTooShort
	}
	addr := make(net.IP, 16)
	addr[0] = 0xff
	addr[1] = b[0]
	addr[2] = b[1]
	prefix := contextPrefixBytes(e)
	copy(addr[4:12], prefix)
	copy(addr[12:16], b[2:6])
	return addr, 6, nil
}

func contextPrefixBytes(e hccb.Entry) []byte {
	prefix := e.Prefix.To16()
	if prefix == nil {
		prefix = make([]byte, 16)
	}
	return append([]byte(nil), prefix[:8]...)
}

// shortAddrIID builds the 8-byte IID a 16-bit short link-layer address
// derives, per spec §4.3: "fe80::ff:fe00:xxxx".
func shortAddrIID(short []byte) []byte {
	return []byte{0x00, 0x00, 0x00, 0xff, 0xfe, 0x00, short[0], short[1]}
}

// iidFromLinkAddr derives the 8-byte Interface Identifier from the supplied
// link-layer address, per spec §9: "The IID derivation inverts the u/l bit
// when building from an 8-byte link address per RFC 4291."
func iidFromLinkAddr(link LinkAddr) ([]byte, error) {
	switch len(link.Bytes) {
	case 2:
		return shortAddrIID(link.Bytes), nil
	case 8:
		iid := append([]byte(nil), link.Bytes...)
		iid[0] ^= 0x02 // invert the universal/local bit
		return iid, nil
	case 1:
		return shortAddrIID([]byte{0x00, link.Bytes[0]}), nil
	default:
		return nil, ErrAddressFamilyUnsupported
	}
}

// linkLocalPrefix is the fe80::/64 prefix implied by SAC/DAC=0, AM=01/10/11.
var linkLocalPrefix = []byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0}

// shortAddrIIDPrefix is the fixed 6-byte prefix shortAddrIID derives a
// 16-bit short-address IID from (spec §4.3: "fe80::ff:fe00:xxxx").
var shortAddrIIDPrefix = []byte{0x00, 0x00, 0x00, 0xff, 0xfe, 0x00}

// EncodeIPHC compresses an uncompressed IPv6 header into its IPHC wire
// form. linkSrc/linkDest let it elide addresses that are link-layer
// derivable; ctxBuf lets it switch to stateful (SAC/DAC=1) compression, and
// to unicast-prefix-based multicast compression, when a context's prefix
// covers the address. ctxBuf may be nil, in which case only the stateless
// and non-context multicast ladders are considered.
func EncodeIPHC(h *ipv6.Header, linkSrc, linkDest LinkAddr, ctxBuf *hccb.Buffer) []byte {
	b0 := iphcValue
	var b1 byte

	srcTail, sam, sac, sci := encodeSourceAddr(h.Src, linkSrc, ctxBuf)
	destTail, dam, dac, m, dci := encodeDestAddr(h.Dest, linkDest, ctxBuf)

	b1 |= sam << 4
	b1 |= dam
	if sac {
		b1 |= 1 << 6
	}
	if m {
		b1 |= 1 << 3
	}
	if dac {
		b1 |= 1 << 2
	}

	// Per spec: the CID-extension byte (and the CID bit) is only emitted
	// when a chosen context's identifier is nonzero.
	var cidExt []byte
	if (sac && sci != 0) || (dac && dci != 0) {
		b1 |= 1 << 7
		cidExt = []byte{sci<<4 | dci}
	}

	var fieldTail []byte
	switch {
	case h.DSCP == 0 && h.ECN == 0 && h.FlowLabel == 0:
		b0 |= tfElided << 3
	case h.DSCP == 0:
		b0 |= tfECNFL3B << 3
		fieldTail = append(fieldTail, h.ECN<<6|byte(h.FlowLabel>>16))
		fieldTail = append(fieldTail, byte(h.FlowLabel>>8), byte(h.FlowLabel))
	default:
		b0 |= tfFull4B << 3
		fieldTail = append(fieldTail, h.ECN<<6|h.DSCP)
		fieldTail = append(fieldTail, byte(h.FlowLabel>>16)&0xf, byte(h.FlowLabel>>8), byte(h.FlowLabel))
	}

	fieldTail = append(fieldTail, h.NextHeader)

	switch h.HopLimit {
	case 1:
		b0 |= hl1
	case 64:
		b0 |= hl64
	case 255:
		b0 |= hl255
	default:
		b0 |= hlInline
		fieldTail = append(fieldTail, h.HopLimit)
	}

	out := append([]byte{b0, b1}, cidExt...)
	out = append(out, fieldTail...)
	out = append(out, srcTail...)
	out = append(out, destTail...)
	return out
}

// addrLadder picks the tightest IID ladder rung for an 8-byte interface
// identifier against a candidate link-layer address, mirroring the
// decoder's am64/am16/amElided handling in decodeAddr.
func addrLadder(iid []byte, link LinkAddr) ([]byte, byte) {
	if linkIID, err := iidFromLinkAddr(link); err == nil && bytesEqual16(iid, linkIID) {
		return nil, amElided
	}
	if bytesPrefixEqual(iid[:6], shortAddrIIDPrefix) {
		return append([]byte(nil), iid[6:8]...), am16
	}
	return append([]byte(nil), iid...), am64
}

// encodeSourceAddr picks SAC/SAM for a source address: stateful if a
// context's prefix covers it, stateless link-local if it carries the
// fe80::/64 prefix, else full 128-bit inline.
func encodeSourceAddr(addr net.IP, link LinkAddr, ctxBuf *hccb.Buffer) (tail []byte, sam byte, sac bool, cid uint8) {
	addr16 := addr.To16()
	if addr16 == nil {
		return nil, amFull, false, 0
	}
	if bytesPrefixEqual(addr16[:8], linkLocalPrefix) {
		t, mode := addrLadder(addr16[8:16], link)
		return t, mode, false, 0
	}
	if e, ok := lookupUnicastContext(ctxBuf, addr16); ok {
		t, mode := addrLadder(addr16[8:16], link)
		return t, mode, true, e.CID
	}
	return append([]byte(nil), addr16...), amFull, false, 0
}

// encodeDestAddr picks DAC/DAM/M for a destination address: the multicast
// ladder (context-based unicast-prefix-multicast, then the four compressed
// multicast forms) when the address is multicast, else the same unicast
// ladder encodeSourceAddr uses.
func encodeDestAddr(addr net.IP, link LinkAddr, ctxBuf *hccb.Buffer) (tail []byte, dam byte, dac bool, m bool, cid uint8) {
	addr16 := addr.To16()
	if addr16 == nil {
		return nil, amFull, false, false, 0
	}
	if addr16[0] == 0xff {
		if e, ok := lookupMulticastContext(ctxBuf, addr16); ok {
			return encodeContextMulticast(addr16), 0, true, true, e.CID
		}
		t, mode := encodeMulticast(addr16)
		return t, mode, false, true, 0
	}
	if bytesPrefixEqual(addr16[:8], linkLocalPrefix) {
		t, mode := addrLadder(addr16[8:16], link)
		return t, mode, false, false, 0
	}
	if e, ok := lookupUnicastContext(ctxBuf, addr16); ok {
		t, mode := addrLadder(addr16[8:16], link)
		return t, mode, true, false, e.CID
	}
	return append([]byte(nil), addr16...), amFull, false, false, 0
}

// lookupUnicastContext finds a context covering addr's prefix. Contexts
// are treated as /64 prefixes regardless of their stored PrefixLen, mirroring
// decodeAddr's own use of only the first 8 bytes of a context's prefix.
func lookupUnicastContext(ctxBuf *hccb.Buffer, addr16 []byte) (hccb.Entry, bool) {
	if ctxBuf == nil {
		return hccb.Entry{}, false
	}
	for cid := uint8(0); cid < hccb.MaxEntries; cid++ {
		e, ok := ctxBuf.LookupCID(cid)
		if !ok {
			continue
		}
		if bytesPrefixEqual(addr16[:8], contextPrefixBytes(e)) {
			return e, true
		}
	}
	return hccb.Entry{}, false
}

// lookupMulticastContext finds a context whose prefix matches the network
// prefix embedded in addr16 at the byte range decodeContextMulticast reads
// it from (addr[4:12]).
func lookupMulticastContext(ctxBuf *hccb.Buffer, addr16 []byte) (hccb.Entry, bool) {
	if ctxBuf == nil {
		return hccb.Entry{}, false
	}
	for cid := uint8(0); cid < hccb.MaxEntries; cid++ {
		e, ok := ctxBuf.LookupCID(cid)
		if !ok {
			continue
		}
		if bytesPrefixEqual(addr16[4:12], contextPrefixBytes(e)) {
			return e, true
		}
	}
	return hccb.Entry{}, false
}

// encodeContextMulticast produces the 6-byte unicast-prefix-based multicast
// wire form decodeContextMulticast reconstructs from.
func encodeContextMulticast(addr16 []byte) []byte {
	tail := make([]byte, 6)
	tail[0] = addr16[1]
	tail[1] = addr16[2]
	copy(tail[2:6], addr16[12:16])
	return tail
}

// encodeMulticast picks the tightest non-context compressed multicast form
// (DAM 01/10/11), falling back to full 128-bit inline (DAM 00), mirroring
// decodeDestAddr's four multicast cases.
func encodeMulticast(addr16 []byte) ([]byte, byte) {
	allZero := func(b []byte) bool {
		for _, x := range b {
			if x != 0 {
				return false
			}
		}
		return true
	}
	if addr16[1] == 0x02 && allZero(addr16[2:15]) {
		return []byte{addr16[15]}, 0x3
	}
	if allZero(addr16[2:13]) {
		return []byte{addr16[1], addr16[13], addr16[14], addr16[15]}, 0x2
	}
	if allZero(addr16[2:11]) {
		return []byte{addr16[1], addr16[11], addr16[12], addr16[13], addr16[14], addr16[15]}, 0x1
	}
	return append([]byte(nil), addr16...), amFull
}

func bytesPrefixEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesEqual16(a, b []byte) bool {
	return bytesPrefixEqual(a, b)
}
