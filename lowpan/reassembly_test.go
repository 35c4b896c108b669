package lowpan_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/lowpan-go/lowpan-stack/lowpan"
)

var (
	testSrc  = []byte{0xcc, 0xcc}
	testDest = []byte{0xab, 0xcd}

	scenarioFrame1 = []byte{0xc0, 0x10, 0x00, 0x01, 0x41, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	scenarioFrame2 = []byte{0xe0, 0x10, 0x00, 0x01, 0x01, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e}
	scenarioWant   = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e}
)

func TestDispatchUncompressedSingleFrame(t *testing.T) {
	kind, err := lowpan.Dispatch(0x41)
	if err != nil {
		t.Fatal(err)
	}
	if kind != lowpan.KindUncompressedIPv6 {
		t.Fatalf("expected KindUncompressedIPv6, got %v", kind)
	}
}

func TestReassembleTwoFragmentsOrdered(t *testing.T) {
	r := lowpan.NewReassembler()
	out, err := r.Feed(lowpan.KindFragmentFirst, scenarioFrame1, testSrc, testDest, 2)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatal("expected datagram still incomplete after first fragment")
	}

	out, err = r.Feed(lowpan.KindFragmentSubsequent, scenarioFrame2, testSrc, testDest, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, scenarioWant) {
		t.Errorf("reassembled datagram = % x, want % x", out, scenarioWant)
	}
	if r.Live() != 0 {
		t.Error("completed entry should be removed from the table")
	}
}

func TestReassembleTwoFragmentsReverseOrder(t *testing.T) {
	r := lowpan.NewReassembler()
	out, err := r.Feed(lowpan.KindFragmentSubsequent, scenarioFrame2, testSrc, testDest, 2)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatal("expected datagram still incomplete after only the second fragment")
	}

	out, err = r.Feed(lowpan.KindFragmentFirst, scenarioFrame1, testSrc, testDest, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, scenarioWant) {
		t.Errorf("reassembled datagram = % x, want % x", out, scenarioWant)
	}
}

func TestReassembleDuplicateFragmentRejected(t *testing.T) {
	r := lowpan.NewReassembler()
	if _, err := r.Feed(lowpan.KindFragmentFirst, scenarioFrame1, testSrc, testDest, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Feed(lowpan.KindFragmentFirst, scenarioFrame1, testSrc, testDest, 2); err != lowpan.ErrOverlappingFragment {
		t.Fatalf("expected ErrOverlappingFragment on duplicate, got %v", err)
	}

	out, err := r.Feed(lowpan.KindFragmentSubsequent, scenarioFrame2, testSrc, testDest, 2)
	if err != nil {
		t.Fatal(err)
	}
	if out == nil {
		t.Error("expected the datagram to complete once the non-overlapping fragment arrives")
	}
}

func TestReassemblyTimesOutStaleEntry(t *testing.T) {
	r := lowpan.NewReassembler()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lowpan.SetClockForTest(r, func() time.Time { return base })

	if _, err := r.Feed(lowpan.KindFragmentFirst, scenarioFrame1, testSrc, testDest, 2); err != nil {
		t.Fatal(err)
	}
	if r.Live() != 1 {
		t.Fatal("expected one live entry")
	}

	lowpan.SetClockForTest(r, func() time.Time { return base.Add(4 * time.Second) })

	out, err := r.Feed(lowpan.KindFragmentSubsequent, scenarioFrame2, testSrc, testDest, 2)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Error("expected the stale first fragment to have been reaped, leaving the datagram incomplete")
	}
	if r.Live() != 1 {
		t.Error("expected the late-arriving second fragment to seed a fresh entry")
	}
}

func TestAddressKeyRejectsUnsupportedLength(t *testing.T) {
	r := lowpan.NewReassembler()
	_, err := r.Feed(lowpan.KindFragmentFirst, scenarioFrame1, []byte{1, 2, 3}, testDest, 3)
	if err != lowpan.ErrAddressFamilyUnsupported {
		t.Fatalf("expected ErrAddressFamilyUnsupported, got %v", err)
	}
}

func TestEvictOldestWhenTableFull(t *testing.T) {
	r := lowpan.NewReassembler()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lowpan.SetClockForTest(r, func() time.Time { return base })

	for i := 0; i < lowpan.MaxReassemblyEntries; i++ {
		tag := byte(i)
		frame := []byte{0xc0, 0x10, 0x00, tag, 0x41, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
		if _, err := r.Feed(lowpan.KindFragmentFirst, frame, testSrc, testDest, 2); err != nil {
			t.Fatal(err)
		}
	}
	if r.Live() != lowpan.MaxReassemblyEntries {
		t.Fatalf("expected %d live entries, got %d", lowpan.MaxReassemblyEntries, r.Live())
	}

	lowpan.SetClockForTest(r, func() time.Time { return base.Add(time.Second) })
	overflow := []byte{0xc0, 0x10, 0x00, 0xff, 0x41, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if _, err := r.Feed(lowpan.KindFragmentFirst, overflow, testSrc, testDest, 2); err != nil {
		t.Fatal(err)
	}
	if r.Live() != lowpan.MaxReassemblyEntries {
		t.Errorf("expected table to stay capped at %d, got %d", lowpan.MaxReassemblyEntries, r.Live())
	}
}
