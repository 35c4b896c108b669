package tcpstack_test

import (
	"net"
	"testing"

	"github.com/lowpan-go/lowpan-stack/tcpstack"
)

func TestSegmentChecksumVerifies(t *testing.T) {
	src := net.ParseIP("fe80::1")
	dest := net.ParseIP("fe80::2")
	s := &tcpstack.Segment{SrcPort: 1025, DstPort: 7, Seq: 1, Ack: 0, Flags: tcpstack.FlagSYN, Window: 1024}
	s.SetChecksum(src, dest)
	if !s.VerifyChecksum(src, dest) {
		t.Error("expected checksum to verify after SetChecksum")
	}
}

func TestSegmentChecksumDetectsCorruption(t *testing.T) {
	src := net.ParseIP("fe80::1")
	dest := net.ParseIP("fe80::2")
	s := &tcpstack.Segment{SrcPort: 1025, DstPort: 7, Seq: 1, Ack: 0, Flags: tcpstack.FlagSYN, Window: 1024}
	s.SetChecksum(src, dest)
	s.Seq = 2
	if s.VerifyChecksum(src, dest) {
		t.Error("expected checksum mismatch after mutating the segment")
	}
}
