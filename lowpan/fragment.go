package lowpan

import "encoding/binary"

// MaxDatagramSize is the largest datagram the reassembly and fragment
// headers can describe, per spec §4.3's 11-bit dgram_size field.
const MaxDatagramSize = 2047

// Fragmenter splits an oversized 6LoWPAN datagram into a series of wire
// frames, each already carrying its fragment header, per spec §4.3's
// fragment-header layout.
type Fragmenter struct {
	mtu int
}

// NewFragmenter returns a Fragmenter that packs fragments up to mtu bytes,
// header included.
func NewFragmenter(mtu int) *Fragmenter {
	return &Fragmenter{mtu: mtu}
}

// Fragment splits datagram into wire frames under tag. Returns
// ErrMessageTooLong if datagram exceeds MaxDatagramSize. Callers should only
// invoke Fragment once they've determined the datagram doesn't fit in a
// single unfragmented frame; Fragment always emits at least two frames.
func (f *Fragmenter) Fragment(datagram []byte, tag uint16) ([][]byte, error) {
	size := len(datagram)
	if size > MaxDatagramSize {
		return nil, ErrMessageTooLong
	}

	firstPayloadMax := roundDown8(f.mtu - FirstFragmentHeaderLen)
	subsequentPayloadMax := roundDown8(f.mtu - SubsequentFragmentHeaderLen)
	if firstPayloadMax <= 0 || subsequentPayloadMax <= 0 {
		return nil, ErrMessageTooLong
	}

	var frames [][]byte
	offset := 0

	firstLen := firstPayloadMax
	if firstLen > size {
		firstLen = size
	}
	frames = append(frames, buildFragment(true, size, tag, 0, datagram[:firstLen]))
	offset = firstLen

	for offset < size {
		n := subsequentPayloadMax
		if offset+n > size {
			n = size - offset
		}
		frames = append(frames, buildFragment(false, size, tag, offset, datagram[offset:offset+n]))
		offset += n
	}

	return frames, nil
}

func roundDown8(n int) int {
	return (n / 8) * 8
}

func buildFragment(first bool, dgramSize int, tag uint16, offset int, payload []byte) []byte {
	var dispatch byte
	var hdr []byte
	if first {
		dispatch = fragFirstValue
		hdr = make([]byte, FirstFragmentHeaderLen)
		hdr[0] = dispatch | byte(dgramSize>>8)
		hdr[1] = byte(dgramSize)
		binary.BigEndian.PutUint16(hdr[2:4], tag)
	} else {
		dispatch = fragSubsequentValue
		hdr = make([]byte, SubsequentFragmentHeaderLen)
		hdr[0] = dispatch | byte(dgramSize>>8)
		hdr[1] = byte(dgramSize)
		binary.BigEndian.PutUint16(hdr[2:4], tag)
		hdr[4] = byte(offset / 8)
	}
	frame := make([]byte, 0, len(hdr)+len(payload))
	frame = append(frame, hdr...)
	frame = append(frame, payload...)
	return frame
}
