package ipv6_test

import (
	"net"
	"testing"

	"github.com/lowpan-go/lowpan-stack/ipv6"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := &ipv6.Header{
		Version:    6,
		DSCP:       3,
		ECN:        1,
		FlowLabel:  0x45678,
		PayloadLen: 1,
		NextHeader: 0x3B,
		HopLimit:   0x25,
		Src:        net.ParseIP("fe80::1"),
		Dest:       net.ParseIP("fe80::2"),
	}
	b := h.Encode()
	if len(b) != ipv6.HeaderLen {
		t.Fatalf("expected %d bytes, got %d", ipv6.HeaderLen, len(b))
	}
	got, err := ipv6.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Equal(got) {
		t.Errorf("round trip mismatch: sent %+v got %+v", h, got)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := ipv6.Decode(make([]byte, 10))
	if err != ipv6.ErrShortHeader {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestScenarioFiveFields(t *testing.T) {
	// From spec scenario 5: decoded IPv6 must have DSCP=3, ECN=1,
	// flow_label=0x45678, next_header=0x3B, hop_limit=0x25.
	h := &ipv6.Header{
		Version: 6, DSCP: 3, ECN: 1, FlowLabel: 0x45678,
		NextHeader: 0x3B, HopLimit: 0x25,
		Src: net.ParseIP("2001:db8::1"), Dest: net.ParseIP("2001:db8::2"),
	}
	b := h.Encode()
	got, err := ipv6.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.DSCP != 3 || got.ECN != 1 || got.FlowLabel != 0x45678 || got.NextHeader != 0x3B || got.HopLimit != 0x25 {
		t.Errorf("unexpected decode: %+v", got)
	}
}

func TestChecksumSentinel(t *testing.T) {
	var c ipv6.ChecksumAccumulator
	c.AddUint16(0xffff) // ones-complement of this sum is zero
	if c.Fold() != 0xffff {
		t.Error("zero checksum must be transmitted as 0xffff")
	}
}

func TestPseudoHeaderChecksumVerifies(t *testing.T) {
	src := net.ParseIP("fe80::1")
	dest := net.ParseIP("fe80::2")
	payload := []byte{0x00, 0x35, 0x00, 0x35, 0x00, 0x08, 0x00, 0x00}
	acc := ipv6.PseudoHeaderChecksum(src, dest, uint32(len(payload)), 17)
	acc.AddBytes(payload)
	sum := acc.Fold()

	withChecksum := append([]byte(nil), payload...)
	withChecksum[6] = byte(sum >> 8)
	withChecksum[7] = byte(sum)
	if !ipv6.VerifyChecksum(src, dest, uint32(len(withChecksum)), 17, withChecksum) {
		t.Error("expected checksum to verify once folded sum is embedded")
	}
}
