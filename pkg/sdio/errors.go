package sdio

import (
	"errors"
	"fmt"
)

// Sentinel causes, wrapped by the typed error categories below so callers
// can match on either level with errors.Is/errors.As.
var (
	ErrCRCMismatch       = errors.New("CRC does not match")
	ErrCommandEcho       = errors.New("response command-number echo mismatch")
	ErrReservedField     = errors.New("reserved field not all ones")
	ErrCardStatus        = errors.New("card status register reported an error")
	ErrR5Flag            = errors.New("R5 flags reported an error")
	ErrSPIR1             = errors.New("SPI R1 reported an error")
	ErrStartBitTimeout   = errors.New("timeout waiting for start bit")
	ErrMalformedCIS      = errors.New("malformed CIS tuple")
	ErrTupleRunOn        = errors.New("CIS tuple ran on past the length guard")
	ErrTimeout           = errors.New("timeout")
	ErrFunctionNotExist  = errors.New("function does not exist")
	ErrBlockSizeTooLarge = errors.New("blocksize exceeds function maximum")
)

// ProtocolError means the wire framing itself was violated: a CRC7 mismatch
// on a command response, a command-number echo mismatch, or an R4 reserved
// field that wasn't all ones.
type ProtocolError struct {
	Cmd uint8
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on cmd%d: %v", e.Cmd, e.Err)
}
func (e *ProtocolError) Unwrap() error { return e.Err }

// ResponseError means the wire was valid but the device reported a failure:
// a fatal R1 bit, a non-zero R5 flag, an SPI R1 error bit, or a wrong
// CURRENT_STATE.
type ResponseError struct {
	Cmd uint8
	Err error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("response error on cmd%d: %v", e.Cmd, e.Err)
}
func (e *ResponseError) Unwrap() error { return e.Err }

// DataError means the data phase itself failed: a start-bit timeout not
// absorbed by an abort, a CRC16 mismatch not explained by an abort, or a
// malformed/run-on CIS tuple.
type DataError struct {
	Err error
}

func (e *DataError) Error() string { return fmt.Sprintf("data error: %v", e.Err) }
func (e *DataError) Unwrap() error { return e.Err }

func newProtocolError(cmd uint8, err error) error { return &ProtocolError{Cmd: cmd, Err: err} }
func newResponseError(cmd uint8, err error) error { return &ResponseError{Cmd: cmd, Err: err} }
func newDataError(err error) error                { return &DataError{Err: err} }
