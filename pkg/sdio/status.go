package sdio

// CardStatus is the 32-bit R1 status register (response bits 39..8).
type CardStatus uint32

const (
	StatusOutOfRange   = 1 << 31
	StatusComCRCError  = 1 << 23
	StatusIllegalCmd   = 1 << 22
	StatusError        = 1 << 19
	currentStateMask   = 0xF
	currentStateShift  = 9
	sdioCurrentStateOK = 0xF
)

// CardStatusFromResponse extracts the R1 card status subfield (bits 39..8)
// from a response frame.
func CardStatusFromResponse(r *ResponseFrame) CardStatus {
	return CardStatus(r.Field(39, 8))
}

// Accessors for the R1 bits whose set-state is fatal.
func (s CardStatus) OutOfRange() bool  { return s&StatusOutOfRange != 0 }
func (s CardStatus) ComCRCError() bool { return s&StatusComCRCError != 0 }
func (s CardStatus) IllegalCmd() bool  { return s&StatusIllegalCmd != 0 }
func (s CardStatus) GeneralError() bool {
	return s&StatusError != 0
}

// CurrentState returns the 4-bit CURRENT_STATE nibble, bits 12..9.
func (s CardStatus) CurrentState() uint8 {
	return uint8((s >> currentStateShift) & currentStateMask)
}

// CurrentStateOK reports whether CURRENT_STATE equals the value an SDIO
// card is required to report (0xF) in every R1 context.
func (s CardStatus) CurrentStateOK() bool { return s.CurrentState() == sdioCurrentStateOK }

// R5Flags is the CMD52/53 response flag byte (response bits 23..16, native
// mode only; an SPI-mode response carries an SPIR1 byte instead).
type R5Flags uint8

const (
	R5ComCRCError     R5Flags = 1 << 7
	R5IllegalCommand  R5Flags = 1 << 6
	R5Error           R5Flags = 1 << 3
	R5FunctionNumber  R5Flags = 1 << 1
	R5OutOfRange      R5Flags = 1 << 0
	r5CurrentStateLo          = 4
	r5CurrentStateMask        = 0x3
)

func (f R5Flags) ComCRCError() bool    { return f&R5ComCRCError != 0 }
func (f R5Flags) IllegalCommand() bool { return f&R5IllegalCommand != 0 }
func (f R5Flags) Error() bool          { return f&R5Error != 0 }
func (f R5Flags) FunctionNumber() bool { return f&R5FunctionNumber != 0 }
func (f R5Flags) OutOfRange() bool     { return f&R5OutOfRange != 0 }

// IOCurrentState returns the informational bits 5:4, the observed
// IO_CURRENT_STATE.
func (f R5Flags) IOCurrentState() uint8 {
	return uint8((f >> r5CurrentStateLo) & r5CurrentStateMask)
}

// R5FlagsFromResponse extracts the R5 flag byte from a CMD52/53 native
// response (bits 23..16).
func R5FlagsFromResponse(r *ResponseFrame) R5Flags {
	return R5Flags(r.Field(23, 16))
}

// SPIR1 is the 8-bit R1 status byte returned in SPI mode, checked at a
// command-dependent offset within the larger SPI response (0 for plain R1,
// 8 for R5, 32 for R4/R7 — see SPIR1Offset).
type SPIR1 uint8

const (
	spiR1Param    SPIR1 = 1 << 7
	spiR1FnNumber SPIR1 = 1 << 4
	spiR1CRC      SPIR1 = 1 << 3
	spiR1Illegal  SPIR1 = 1 << 2
)

func (f SPIR1) ParamError() bool    { return f&spiR1Param != 0 }
func (f SPIR1) FnNumberError() bool { return f&spiR1FnNumber != 0 }
func (f SPIR1) CRCError() bool      { return f&spiR1CRC != 0 }
func (f SPIR1) IllegalCmd() bool    { return f&spiR1Illegal != 0 }

// SPIR1Offset returns the bit offset of the embedded R1 byte within the
// wider SPI response a command produces: R4/R7 carry it at bit 32, R5 at
// bit 8, everything else (plain R1) at bit 0.
func SPIR1Offset(kind ResponseKind) int {
	switch kind {
	case R4, R7:
		return 32
	case R5:
		return 8
	default:
		return 0
	}
}

// SPIR1FromResponse extracts the embedded R1 status byte at the offset
// SPIR1Offset reports for the response's kind.
func SPIR1FromResponse(r *ResponseFrame) SPIR1 {
	off := SPIR1Offset(r.Kind)
	return SPIR1(r.Field(off+7, off))
}
