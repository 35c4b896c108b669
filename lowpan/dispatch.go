package lowpan

// Kind identifies what follows a 6LoWPAN dispatch byte.
type Kind int

// Dispatch kinds recognized on the first byte of an incoming frame.
const (
	KindNotLoWPAN Kind = iota
	KindUncompressedIPv6
	KindIPHC
	KindFragmentFirst
	KindFragmentSubsequent
)

const (
	dispatchUncompressedIPv6 = 0x41 // 01000001
	iphcMask                 = 0xe0 // top 3 bits
	iphcValue                = 0x60 // 011xxxxx
	fragFirstMask            = 0xf8 // top 5 bits
	fragFirstValue           = 0xc0 // 11000xxx
	fragSubsequentValue      = 0xe0 // 11100xxx
	notLoWPANMask            = 0xc0 // top 2 bits
	notLoWPANValue           = 0x00
)

// Dispatch classifies the first byte of a 6LoWPAN payload per spec §4.3.
func Dispatch(b byte) (Kind, error) {
	switch {
	case b == dispatchUncompressedIPv6:
		return KindUncompressedIPv6, nil
	case b&iphcMask == iphcValue:
		return KindIPHC, nil
	case b&fragFirstMask == fragFirstValue:
		return KindFragmentFirst, nil
	case b&fragFirstMask == fragSubsequentValue:
		return KindFragmentSubsequent, nil
	case b&notLoWPANMask == notLoWPANValue:
		return KindNotLoWPAN, ErrNotALoWPANFrame
	default:
		return KindNotLoWPAN, ErrInvalidDispatch
	}
}
