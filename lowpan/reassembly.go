package lowpan

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/lowpan-go/lowpan-stack/metrics"
	"github.com/lowpan-go/lowpan-stack/pbuf"
)

// MaxReassemblyEntries bounds the number of datagrams reassembled at once
// (spec §3: "at most 10 entries live simultaneously").
const MaxReassemblyEntries = 10

// ReassemblyTimeout is how long an entry may sit with no fragment arrival
// before it is collected (spec §3: "3 s").
const ReassemblyTimeout = 3 * time.Second

// interval is a half-open byte range [Start, End) already filled in an
// in-flight datagram.
type interval struct {
	Start, End int
}

func overlaps(a, b interval) bool {
	return a.Start < b.End && b.Start < a.End
}

// entry is one in-flight fragmented datagram. Its bytes are staged in a
// pbuf.Slice borrowed from the reassembler's pool, rather than a fresh
// make([]byte, ...) per datagram, so the table's worst-case memory
// footprint is bounded by MaxReassemblyEntries up front instead of growing
// with however many datagrams happen to be in flight.
type entry struct {
	key         entryKey
	size        int
	bytesRecv   int
	slice       *pbuf.Slice
	intervals   []interval
	firstSeen   time.Time
	lastTouched time.Time
}

// entryKey is the (src, dest, size, tag) tuple identifying a reassembly
// entry, per spec §3. Addresses are compared only over the link-layer
// lengths actually supplied (1, 2, or 8 bytes).
type entryKey struct {
	src, dest string // string-encoded fixed-length address bytes
	size      int
	tag       uint16
}

// Reassembler owns the in-flight reassembly table and its timeout reaper.
// It never suspends: Feed allocates, copies, and returns a fully assembled
// datagram or nil, leaving any upper-layer dispatch to the caller (spec §5:
// "The reassembly engine never suspends").
type Reassembler struct {
	mu      sync.Mutex
	entries map[entryKey]*entry
	pool    *pbuf.Pool
	now     func() time.Time
}

// NewReassembler creates an empty reassembly table, with a packet-buffer
// pool sized for MaxReassemblyEntries datagrams of up to MaxDatagramSize
// bytes each (spec §3).
func NewReassembler() *Reassembler {
	return &Reassembler{
		entries: make(map[entryKey]*entry),
		pool:    pbuf.NewPool(MaxReassemblyEntries, MaxDatagramSize),
		now:     time.Now,
	}
}

// FirstFragmentHeaderLen and SubsequentFragmentHeaderLen are the wire sizes
// of the two fragment header forms (spec §4.3). The first-fragment fields
// (5-bit dispatch + 11-bit size + 16-bit tag) pack into 4 bytes; the
// subsequent-fragment form adds an 8-bit offset field, for 5 bytes — this
// is confirmed by the worked two-fragment scenario in spec §8, whose byte
// counts only add up to dgram_size under a 4/5 split.
const (
	FirstFragmentHeaderLen      = 4
	SubsequentFragmentHeaderLen = 5
)

// ParseFirstFragment decodes the 4-byte first-fragment header: dgram_size
// (11 bits) and tag (16 bits).
func ParseFirstFragment(b []byte) (dgramSize int, tag uint16, err error) {
	if len(b) < FirstFragmentHeaderLen {
		return 0, 0, ErrLengthTooShort
	}
	dgramSize = int(b[0]&0x07)<<8 | int(b[1])
	tag = binary.BigEndian.Uint16(b[2:4])
	return dgramSize, tag, nil
}

// ParseSubsequentFragment decodes the 5-byte subsequent-fragment header:
// dgram_size, tag, and an 8-bit offset counted in 8-byte units.
func ParseSubsequentFragment(b []byte) (dgramSize int, tag uint16, offsetUnits uint8, err error) {
	if len(b) < SubsequentFragmentHeaderLen {
		return 0, 0, 0, ErrLengthTooShort
	}
	dgramSize = int(b[0]&0x07)<<8 | int(b[1])
	tag = binary.BigEndian.Uint16(b[2:4])
	offsetUnits = b[4]
	return dgramSize, tag, offsetUnits, nil
}

// addressKey truncates addr to length n (1, 2, or 8 bytes), returning an
// error for any other length per spec §4.3.
func addressKey(addr []byte, n int) (string, error) {
	switch n {
	case 1, 2, 8:
	default:
		return "", ErrAddressFamilyUnsupported
	}
	if len(addr) < n {
		return "", ErrAddressFamilyUnsupported
	}
	return string(addr[:n]), nil
}

// Feed ingests one fragment. kind must be KindFragmentFirst or
// KindFragmentSubsequent, as already determined by Dispatch. On completion
// it returns the assembled datagram bytes (dispatch byte stripped if the
// reassembled buffer began with the uncompressed-IPv6 dispatch); otherwise
// it returns nil, nil while the datagram is still in flight.
//
// Every call first runs the garbage collector: entries idle for more than
// ReassemblyTimeout are freed, and once more than MaxReassemblyEntries are
// live the oldest is freed — per spec, this GC sweep runs on every ingress
// call, not on a separate timer goroutine.
func (r *Reassembler) Feed(kind Kind, frame []byte, srcAddr, destAddr []byte, addrLen int) ([]byte, error) {
	srcKey, err := addressKey(srcAddr, addrLen)
	if err != nil {
		return nil, err
	}
	destKey, err := addressKey(destAddr, addrLen)
	if err != nil {
		return nil, err
	}

	var dgramSize int
	var tag uint16
	var offset int
	var payload []byte

	switch kind {
	case KindFragmentFirst:
		sz, tg, err := ParseFirstFragment(frame)
		if err != nil {
			return nil, err
		}
		dgramSize, tag = sz, tg
		offset = 0
		payload = frame[FirstFragmentHeaderLen:]
	case KindFragmentSubsequent:
		sz, tg, offU, err := ParseSubsequentFragment(frame)
		if err != nil {
			return nil, err
		}
		dgramSize, tag = sz, tg
		offset = int(offU) * 8
		payload = frame[SubsequentFragmentHeaderLen:]
	default:
		return nil, ErrInvalidDispatch
	}

	end := offset + len(payload)
	isLast := end == dgramSize
	if !isLast && len(payload)%8 != 0 {
		return nil, ErrInvalidLength
	}

	key := entryKey{src: srcKey, dest: destKey, size: dgramSize, tag: tag}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.gcLocked(now)

	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= MaxReassemblyEntries {
			r.evictOldestLocked()
		}
		slice, err := r.pool.Alloc(dgramSize)
		if err != nil {
			return nil, err
		}
		e = &entry{key: key, size: dgramSize, slice: slice, firstSeen: now}
		r.entries[key] = e
	}
	e.lastTouched = now

	newRange := interval{Start: offset, End: end}
	for _, iv := range e.intervals {
		if overlaps(iv, newRange) {
			return nil, ErrOverlappingFragment
		}
	}
	copy(e.slice.Bytes()[offset:end], payload)
	e.intervals = append(e.intervals, newRange)
	e.bytesRecv += len(payload)

	if e.bytesRecv != e.size {
		return nil, nil
	}

	delete(r.entries, key)
	buf := e.slice.Bytes()
	if len(buf) > 0 {
		if kind, err := Dispatch(buf[0]); err == nil && kind == KindUncompressedIPv6 {
			buf = buf[1:]
		}
	}
	out := append([]byte(nil), buf...)
	e.slice.Release()
	return out, nil
}

// gcLocked frees entries idle past ReassemblyTimeout. Caller must hold mu.
func (r *Reassembler) gcLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastTouched) > ReassemblyTimeout {
			delete(r.entries, k)
			e.slice.Release()
			metrics.ReassemblyTimeouts.Inc()
		}
	}
}

// evictOldestLocked frees the single oldest entry by first-seen time.
// Caller must hold mu.
func (r *Reassembler) evictOldestLocked() {
	var oldestKey entryKey
	var oldestTime time.Time
	first := true
	for k, e := range r.entries {
		if first || e.firstSeen.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.firstSeen, false
		}
	}
	if !first {
		r.entries[oldestKey].slice.Release()
		delete(r.entries, oldestKey)
		metrics.ReassemblyEvictions.Inc()
	}
}

// Live returns the number of in-flight reassembly entries, for tests and
// metrics.
func (r *Reassembler) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
