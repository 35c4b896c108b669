package pbuf_test

import (
	"testing"

	"github.com/lowpan-go/lowpan-stack/pbuf"
)

func TestAllocReleaseRoundTrip(t *testing.T) {
	p := pbuf.NewPool(4, 128)
	s, err := p.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Bytes()) != 10 {
		t.Error("expected 10 bytes, got", len(s.Bytes()))
	}
	s.Release()
	if p.Available() != 4 {
		t.Error("buffer should be returned to the pool, have", p.Available())
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := pbuf.NewPool(2, 32)
	s1, err := p.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := p.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Alloc(16)
	if err != pbuf.ErrOutOfBuffers {
		t.Error("expected ErrOutOfBuffers, got", err)
	}
	s1.Release()
	s2.Release()
	if p.Available() != 2 {
		t.Error("both slices should be back in the pool, have", p.Available())
	}
}

func TestHoldKeepsSliceAlive(t *testing.T) {
	p := pbuf.NewPool(1, 32)
	s, err := p.Alloc(8)
	if err != nil {
		t.Fatal(err)
	}
	s.Hold()
	s.Release()
	if p.Available() != 0 {
		t.Error("slice held twice should not be freed by a single release")
	}
	s.Release()
	if p.Available() != 1 {
		t.Error("slice should be freed once usage drops to zero")
	}
}

func TestCopyBounded(t *testing.T) {
	p := pbuf.NewPool(2, 16)
	src, _ := p.Alloc(16)
	dst, _ := p.Alloc(16)
	copy(src.Bytes(), []byte("0123456789abcdef"))
	n := pbuf.Copy(dst, src, 5)
	if n != 5 {
		t.Error("expected 5 bytes copied, got", n)
	}
	if string(dst.Bytes()[:5]) != "01234" {
		t.Error("unexpected copy contents", string(dst.Bytes()[:5]))
	}
	src.Release()
	dst.Release()
}

func TestHeaderListRingTraversal(t *testing.T) {
	var l pbuf.List
	a := &pbuf.Node{Proto: pbuf.Proto6LoWPAN}
	b := &pbuf.Node{Proto: pbuf.ProtoIPv6}
	c := &pbuf.Node{Proto: pbuf.ProtoTCP}
	l.Add(a)
	l.Add(b)
	l.Add(c)

	var cur *pbuf.Node
	seen := []pbuf.Proto{}
	for i := 0; i < 6; i++ {
		pbuf.Advance(&l, &cur)
		seen = append(seen, cur.Proto)
	}
	want := []pbuf.Proto{pbuf.Proto6LoWPAN, pbuf.ProtoIPv6, pbuf.ProtoTCP, pbuf.Proto6LoWPAN, pbuf.ProtoIPv6, pbuf.ProtoTCP}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("step %d: got %v want %v", i, seen[i], want[i])
		}
	}
}

func TestHeaderListRemove(t *testing.T) {
	var l pbuf.List
	a := &pbuf.Node{Proto: pbuf.Proto6LoWPAN}
	b := &pbuf.Node{Proto: pbuf.ProtoIPv6}
	l.Add(a)
	l.Add(b)
	l.Remove(a)
	if l.Head() != b {
		t.Error("expected head to be b after removing a")
	}
	l.Remove(b)
	if l.Head() != nil {
		t.Error("expected empty list after removing all nodes")
	}
}
