// Package phy implements the two bit-serial PHY variants: a native SDIO
// driver and an SPI-mode binding over the same four data lines plus the
// command line. Both drive the bus.Pins interface edge-synchronously off a
// bus.Clock, and both expose the same PHY surface so pkg/host can be
// written once against either mode.
//
// Every suspension point is a goroutine selecting on a clock-edge channel
// with a context.Context carrying cancellation, so a simulator harness (or
// a free-running ticker) fully controls the pacing.
package phy

import (
	"context"

	"github.com/kestrelsim/sdiohost/pkg/sdio"
)

// Status is the outcome of a data-phase transfer.
type Status string

const (
	StatusOK      Status = "ok"
	StatusAborted Status = "aborted"
)

// PHY is the bit-serial driver surface exposed to the host: command-bus
// leasing, command/response shifting, data-phase transfer, the read-wait
// side-channel, and the mutable bus width.
type PHY interface {
	// AcquireCmdLock blocks until the command-bus lease is free.
	AcquireCmdLock(ctx context.Context) error
	// ReleaseCmdLock returns the command-bus lease.
	ReleaseCmdLock()

	// SendCmd finalizes the frame's CRC7 and shifts it onto the wire.
	SendCmd(ctx context.Context, frame *sdio.CommandFrame) error

	// GetCmdResponseBits waits for and shifts in the response to cmdNum.
	// A nil frame with a nil error means the command expects no response.
	// If the start bit never arrives within timeoutCycles, this returns
	// sdio.ErrTimeout when timeoutPossible, else a *sdio.ProtocolError.
	GetCmdResponseBits(ctx context.Context, cmdNum uint8, timeoutCycles int, timeoutPossible bool) (*sdio.ResponseFrame, error)

	// DataBusRead reads count bytes plus their CRC16(s), returning
	// (data, StatusAborted, nil) if an abort unwinds the transfer cleanly.
	DataBusRead(ctx context.Context, count int, timeoutCycles int, couldAbort bool, finalBlock bool) ([]byte, Status, error)

	// DataBusWrite writes data plus its CRC16(s) and returns the 3-bit
	// write-status token (0b010 = accepted).
	DataBusWrite(ctx context.Context, data []byte, timeoutCycles int, couldAbort bool, finalBlock bool) (uint8, error)

	// ReadWait asserts or releases the DAT2 read-wait side-channel.
	ReadWait(asserting bool)

	// SetDataWriteAborted / SetDataReadAborted are called by the host's
	// abort-command logic (from a separate lease holder) to unwind a
	// data-phase operation at its next polling point.
	SetDataWriteAborted(v bool)
	SetDataReadAborted(v bool)
	DataWriteAborted() bool
	DataReadAborted() bool

	// SetBusWidth / BusWidth control the PHY's data-bus width (1 or 4).
	SetBusWidth(width int)
	BusWidth() int
}

const (
	defaultCmdResponseTimeoutCycles = 1000
	defaultWriteBusyTimeoutCycles   = 4000
)

// waitEdge blocks until ch closes or ctx is cancelled.
func waitEdge(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
