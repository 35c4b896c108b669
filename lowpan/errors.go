package lowpan

import "errors"

// Error kinds from spec §7 that apply to dispatch recognition, IPHC
// encode/decode, and fragmentation/reassembly.
var (
	ErrInvalidDispatch            = errors.New("lowpan: invalid dispatch byte")
	ErrNotALoWPANFrame            = errors.New("lowpan: not a 6LoWPAN frame")
	ErrLengthTooShort             = errors.New("lowpan: buffer shorter than dispatch demands")
	ErrMessageTooLong             = errors.New("lowpan: datagram exceeds 2047 bytes")
	ErrAddressFamilyUnsupported   = errors.New("lowpan: link-layer address length must be 1, 2, or 8 bytes")
	ErrContextUnavailable         = errors.New("lowpan: referenced context identifier is not resolvable")
	ErrDestinationAddressRequired = errors.New("lowpan: reserved DAM/DAC/M combination")
	ErrInvalidLength              = errors.New("lowpan: fragment length violates the 8-byte alignment rule")
	ErrOverlappingFragment        = errors.New("lowpan: fragment byte range overlaps an already-accepted range")
)
