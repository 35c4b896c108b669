package main

import (
	"encoding/binary"

	"github.com/lowpan-go/lowpan-stack/tcpstack"
	"github.com/lowpan-go/lowpan-stack/tcpstack/hc"
)

// compressSegment and decompressSegment frame a TCP segment using
// tcpstack/hc's per-connection delta compression of Seq/Ack/Window/Flags.
// Ports and the checksum stay inline: IPHC compression only ever touches the
// IPv6 header, and this stack leaves NHC (the 6LoWPAN mechanism that would
// otherwise elide transport ports) unimplemented, as the note inside
// lowpan.DecodeIPHC says.
func compressSegment(seg *tcpstack.Segment, ctx *hc.Context) []byte {
	body := ctx.CompressOut(hc.Fields{Seq: seg.Seq, Ack: seg.Ack, Window: seg.Window, Flags: seg.Flags})
	b := make([]byte, 6, 6+len(body)+len(seg.Payload))
	binary.BigEndian.PutUint16(b[0:2], seg.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], seg.DstPort)
	binary.BigEndian.PutUint16(b[4:6], seg.Checksum)
	b = append(b, body...)
	b = append(b, seg.Payload...)
	return b
}

// decompressSegment is compressSegment's inverse. ctxFor resolves the
// per-connection hc.Context once the wire's inline ports are known, since
// the caller doesn't have the four-tuple until then.
func decompressSegment(b []byte, ctxFor func(srcPort, dstPort uint16) *hc.Context) (*tcpstack.Segment, error) {
	if len(b) < 6 {
		return nil, tcpstack.ErrShortSegment
	}
	srcPort := binary.BigEndian.Uint16(b[0:2])
	dstPort := binary.BigEndian.Uint16(b[2:4])
	checksum := binary.BigEndian.Uint16(b[4:6])

	fields, n, err := ctxFor(srcPort, dstPort).DecompressIn(b[6:])
	if err != nil {
		return nil, err
	}
	return &tcpstack.Segment{
		SrcPort: srcPort, DstPort: dstPort, Checksum: checksum,
		Seq: fields.Seq, Ack: fields.Ack, Window: fields.Window, Flags: fields.Flags,
		Payload: append([]byte(nil), b[6+n:]...),
	}, nil
}
