package lowpan_test

import (
	"bytes"
	"testing"

	"github.com/lowpan-go/lowpan-stack/lowpan"
)

func TestFragmentMatchesScenarioBytes(t *testing.T) {
	datagram := append([]byte{0x41}, scenarioWant...)
	f := lowpan.NewFragmenter(13) // forces an 8-byte-per-fragment payload, same split as the worked scenario
	frames, err := f.Fragment(datagram, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], scenarioFrame1) {
		t.Errorf("frame[0] = % x, want % x", frames[0], scenarioFrame1)
	}
	if !bytes.Equal(frames[1], scenarioFrame2) {
		t.Errorf("frame[1] = % x, want % x", frames[1], scenarioFrame2)
	}
}

func TestFragmentReassembleRoundTrip(t *testing.T) {
	datagram := make([]byte, 300)
	for i := range datagram {
		datagram[i] = byte(i)
	}

	f := lowpan.NewFragmenter(64)
	frames, err := f.Fragment(datagram, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) < 2 {
		t.Fatal("expected the datagram to require multiple fragments")
	}

	r := lowpan.NewReassembler()
	var out []byte
	for i, frame := range frames {
		kind := lowpan.KindFragmentSubsequent
		if i == 0 {
			kind = lowpan.KindFragmentFirst
		}
		res, err := r.Feed(kind, frame, testSrc, testDest, 2)
		if err != nil {
			t.Fatal(err)
		}
		if res != nil {
			out = res
		}
	}
	if !bytes.Equal(out, datagram) {
		t.Error("reassembled datagram does not match the original")
	}
}

func TestFragmentRejectsOversizeDatagram(t *testing.T) {
	f := lowpan.NewFragmenter(64)
	_, err := f.Fragment(make([]byte, lowpan.MaxDatagramSize+1), 1)
	if err != lowpan.ErrMessageTooLong {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
}
