package hccb_test

import (
	"net"
	"testing"

	"github.com/lowpan-go/lowpan-stack/hccb"
)

func TestUpdateRejectsBadInput(t *testing.T) {
	b := hccb.New()
	prefix := net.ParseIP("2001:db8::")
	if err := b.Update(16, prefix, 64, 30); err != hccb.ErrBadCID {
		t.Error("expected ErrBadCID, got", err)
	}
	if err := b.Update(0, prefix, 0, 30); err != hccb.ErrBadPrefixLen {
		t.Error("expected ErrBadPrefixLen, got", err)
	}
	if err := b.Update(0, prefix, 64, 0); err != hccb.ErrBadLifetime {
		t.Error("expected ErrBadLifetime, got", err)
	}
}

func TestLookupCIDLiveAndOutOfRange(t *testing.T) {
	b := hccb.New()
	prefix := net.ParseIP("2001:db8::")
	if err := b.Update(3, prefix, 64, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.LookupCID(3); !ok {
		t.Fatal("expected entry to be present immediately after update")
	}
	if _, ok := b.LookupCID(99); ok {
		t.Error("lookups of out-of-range cid must never succeed")
	}
}

func TestLookupAddrLongestPrefixMatch(t *testing.T) {
	b := hccb.New()
	short := net.ParseIP("2001:db8::")
	long := net.ParseIP("2001:db8:1::")
	b.Update(1, short, 32, 60)
	b.Update(2, long, 48, 60)

	addr := net.ParseIP("2001:db8:1::1")
	e, ok := b.LookupAddr(addr)
	if !ok {
		t.Fatal("expected a match")
	}
	if e.CID != 2 {
		t.Errorf("expected longest match (cid 2), got cid %d", e.CID)
	}
}

func TestLookupAddrNoMatch(t *testing.T) {
	b := hccb.New()
	b.Update(0, net.ParseIP("fd00::"), 64, 60)
	if _, ok := b.LookupAddr(net.ParseIP("2001:db8::1")); ok {
		t.Error("expected no match for an address outside any stored prefix")
	}
}

func TestRemoveAndRemoveAllInvalid(t *testing.T) {
	b := hccb.New()
	prefix := net.ParseIP("2001:db8::")
	b.Update(5, prefix, 64, 30)
	b.Remove(5)
	if _, ok := b.LookupCID(5); ok {
		t.Error("expected entry to be gone after Remove")
	}

	b.Update(6, prefix, 64, 30)
	b.RemoveAllInvalid()
	if _, ok := b.LookupCID(6); !ok {
		t.Error("RemoveAllInvalid must not evict a live entry")
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	b := hccb.New()
	prefix := net.ParseIP("2001:db8::")
	if err := b.Update(0, prefix, 64, 30); err != nil {
		t.Fatal(err)
	}
	if err := b.Update(0, prefix, 64, 30); err != nil {
		t.Fatal(err)
	}
	e, ok := b.LookupCID(0)
	if !ok {
		t.Fatal("expected entry present")
	}
	if e.PrefixLen != 64 {
		t.Error("expected prefix len to be unchanged across idempotent updates")
	}
}
