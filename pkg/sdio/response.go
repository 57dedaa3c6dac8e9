package sdio

import "github.com/kestrelsim/sdiohost/internal/crc"

// ResponseKind identifies the response-frame layout a command expects.
type ResponseKind int

const (
	// RNone means the command expects no response at all.
	RNone ResponseKind = iota
	R1
	R1b
	R2
	R4
	R5
	R6
	R7
)

func (k ResponseKind) String() string {
	switch k {
	case RNone:
		return "none"
	case R1:
		return "R1"
	case R1b:
		return "R1b"
	case R2:
		return "R2"
	case R4:
		return "R4"
	case R5:
		return "R5"
	case R6:
		return "R6"
	case R7:
		return "R7"
	default:
		return "unknown"
	}
}

// nativeResponseTypes encodes the SD physical spec §4.7.4 table: which
// response kind (and bit length) each command number gets in native
// (non-SPI) mode.
var nativeResponseTypes = map[uint8]struct {
	Kind   ResponseKind
	Length int
}{
	0:  {RNone, 0},
	4:  {RNone, 0},
	15: {RNone, 0},
	2:  {R2, 136}, 9: {R2, 136}, 10: {R2, 136}, // not used on SDIO, here for completeness
	3: {R6, 48},
	5: {R4, 48},
	7: {R1b, 48},
	8: {R7, 48},
	11: {R1, 48}, 13: {R1, 48}, 16: {R1, 48}, 17: {R1, 48},
	18: {R1, 48}, 19: {R1, 48}, 23: {R1, 48}, 55: {R1, 48}, 56: {R1, 48},
	12: {R1b, 48}, 20: {R1b, 48},
	52: {R5, 48},
	53: {R5, 48},
}

// spiResponseTypes encodes SD physical spec §7.3.2.1 for IO commands in SPI
// mode.
var spiResponseTypes = map[uint8]struct {
	Kind   ResponseKind
	Length int
}{
	8:  {R7, 40},
	5:  {R4, 40},
	52: {R5, 16},
	53: {R5, 16},
}

// LookupResponseType returns the (kind, bit length) a command expects in
// native mode. Commands not in the table default to R1/48 bits. ok is false
// only when the command expects no response at all.
func LookupResponseType(cmdNum uint8) (kind ResponseKind, length int, ok bool) {
	if e, present := nativeResponseTypes[cmdNum]; present {
		if e.Kind == RNone {
			return RNone, 0, false
		}
		return e.Kind, e.Length, true
	}
	return R1, 48, true
}

// LookupSPIResponseType returns the (kind, bit length) a command expects in
// SPI mode. Unlisted commands default to R1/8 bits.
func LookupSPIResponseType(cmdNum uint8) (kind ResponseKind, length int) {
	if e, present := spiResponseTypes[cmdNum]; present {
		return e.Kind, e.Length
	}
	return R1, 8
}

// ResponseFrame wraps a received response of whatever bit length its kind
// dictates (48 or 136 bits native; 8, 16, or 40 bits SPI).
type ResponseFrame struct {
	*Bits
	Kind ResponseKind
}

// NewResponseFrame allocates a zeroed response of the given kind/length, to
// be filled in transmission order as the PHY samples each bit.
func NewResponseFrame(kind ResponseKind, length int) *ResponseFrame {
	return &ResponseFrame{Bits: NewBits(length), Kind: kind}
}

// CommandNumber returns the cmd-number echo field (bits 45..40), valid for
// all native response lengths this model uses (48 bits; R2's 136-bit layout
// is reserved and not used on SDIO).
func (r *ResponseFrame) CommandNumber() uint8 { return uint8(r.Field(45, 40)) }

// CRC7 returns the received CRC7 field, bits 7..1.
func (r *ResponseFrame) CRC7() uint8 { return uint8(r.Field(7, 1)) }

// CheckCRC7 recomputes the CRC7 over the top 40 bits (47..8, matching the
// command frame's CRC domain) and reports whether it matches the received
// value. Only meaningful for 48-bit native-mode responses; SPI responses
// and the reserved 136-bit R2 layout carry no CRC7 in this position.
func (r *ResponseFrame) CheckCRC7() bool {
	return crc.Compute7(r.Field(47, 8), 40) == r.CRC7()
}
