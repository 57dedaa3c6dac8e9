package phy

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/kestrelsim/sdiohost/internal/crc"
	"github.com/kestrelsim/sdiohost/pkg/bus"
	"github.com/kestrelsim/sdiohost/pkg/sdio"
)

// spiIdleClocks is the number of clocks the SPI driver idles with CS
// deasserted after a non-bulk-data command response.
const spiIdleClocks = 8

// SPI binds the SDIO protocol onto the same four pins in SPI framing: CS on
// D3, MOSI on the command line, MISO on D0.
type SPI struct {
	pins   bus.Pins
	clock  *bus.Clock
	lease  *bus.Lease
	logger *slog.Logger

	dataWriteAborted atomic.Bool
	dataReadAborted  atomic.Bool
}

// NewSPI builds an SPI-mode PHY. Bus width is always 1 in SPI mode; the
// width knob is kept for interface symmetry with Native and is a no-op.
func NewSPI(pins bus.Pins, clock *bus.Clock, logger *slog.Logger) *SPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &SPI{
		pins:   pins,
		clock:  clock,
		lease:  bus.NewLease(),
		logger: logger.With("service", "[PHY]", "mode", "spi"),
	}
}

func (s *SPI) AcquireCmdLock(ctx context.Context) error { return s.lease.Acquire(ctx) }
func (s *SPI) ReleaseCmdLock()                          { s.lease.Release() }

func (s *SPI) BusWidth() int         { return 1 }
func (s *SPI) SetBusWidth(width int) {}

func (s *SPI) SetDataWriteAborted(v bool) { s.dataWriteAborted.Store(v) }
func (s *SPI) SetDataReadAborted(v bool)  { s.dataReadAborted.Store(v) }
func (s *SPI) DataWriteAborted() bool     { return s.dataWriteAborted.Load() }
func (s *SPI) DataReadAborted() bool      { return s.dataReadAborted.Load() }

func (s *SPI) setCS(asserted bool) {
	// CS is active low; SetDataDir bit3 is always host-driven in SPI mode.
	const csMask = 0x8
	s.pins.SetDataDir(csMask)
	if asserted {
		s.pins.SetDataOut(0)
	} else {
		s.pins.SetDataOut(csMask)
	}
}

func (s *SPI) setMOSI(v uint8) { s.pins.SetCmdOut(v) }
func (s *SPI) getMISO() uint8  { return s.pins.DataIn() & 0x1 }

// SendCmd shifts the frame out MSB-first on rising edges, asserting CS
// first, and idles MOSI high for one extra edge afterward.
func (s *SPI) SendCmd(ctx context.Context, frame *sdio.CommandFrame) error {
	frame.FinalizeCRC()
	s.logger.Debug("sending command", "cmd", frame.CommandNumber(), "arg", frame.Argument())
	s.setCS(true)
	for _, v := range frame.TxOrder() {
		if err := waitEdge(ctx, s.clock.Rising()); err != nil {
			return err
		}
		s.setMOSI(v)
	}
	if err := waitEdge(ctx, s.clock.Rising()); err != nil {
		return err
	}
	s.setMOSI(1)
	return nil
}

// GetCmdResponseBits scans MISO for a start-0 then shifts in the SPI
// response, deasserting CS and idling spiIdleClocks clocks afterward unless
// cmdNum is CMD53 (a bulk-data command stays selected for the data phase).
func (s *SPI) GetCmdResponseBits(ctx context.Context, cmdNum uint8, timeoutCycles int, timeoutPossible bool) (*sdio.ResponseFrame, error) {
	kind, length := sdio.LookupSPIResponseType(cmdNum)
	if timeoutCycles <= 0 {
		timeoutCycles = defaultCmdResponseTimeoutCycles
	}
	resp := sdio.NewResponseFrame(kind, length)
	started := false
	pos := 0
	for cycles := 0; cycles < timeoutCycles; cycles++ {
		if err := waitEdge(ctx, s.clock.Rising()); err != nil {
			return nil, err
		}
		bit := s.getMISO()
		if !started {
			if bit != 0 {
				continue
			}
			started = true
		}
		resp.SetTxOrder(pos, bit)
		pos++
		if pos == length {
			if cmdNum != 53 {
				s.setCS(false)
				for i := 0; i < spiIdleClocks; i++ {
					if err := waitEdge(ctx, s.clock.Rising()); err != nil {
						return nil, err
					}
				}
			}
			return resp, nil
		}
	}
	if timeoutPossible {
		s.logger.Info("timeout waiting for command response", "cmd", cmdNum)
		return nil, sdio.ErrTimeout
	}
	return nil, &sdio.ProtocolError{Cmd: cmdNum, Err: sdio.ErrStartBitTimeout}
}

func (s *SPI) waitReadStartBit(ctx context.Context, timeoutCycles int) (timedOut bool, err error) {
	cycles := 0
	for s.getMISO() == 1 {
		if err := waitEdge(ctx, s.clock.Rising()); err != nil {
			return false, err
		}
		cycles++
		if timeoutCycles > 0 && cycles >= timeoutCycles {
			return true, nil
		}
	}
	return false, nil
}

// DataBusRead reads a byte-oriented block from MISO, the same 1-bit framing
// Native uses in 1-bit mode, then idles CS deasserted after the final block.
func (s *SPI) DataBusRead(ctx context.Context, count int, timeoutCycles int, couldAbort bool, finalBlock bool) ([]byte, Status, error) {
	timedOut, err := s.waitReadStartBit(ctx, timeoutCycles)
	if err != nil {
		return nil, "", err
	}
	if timedOut {
		if couldAbort {
			return nil, StatusAborted, nil
		}
		return nil, "", &sdio.DataError{Err: sdio.ErrStartBitTimeout}
	}

	data := make([]byte, 0, count)
	for b := 0; b < count; b++ {
		var cur byte
		for bit := 7; bit >= 0; bit-- {
			if err := waitEdge(ctx, s.clock.Rising()); err != nil {
				return data, "", err
			}
			cur |= s.getMISO() << uint(bit)
		}
		data = append(data, cur)
		if couldAbort && s.dataReadAborted.Load() {
			s.dataReadAborted.Store(false)
			return data, StatusAborted, nil
		}
	}

	var recv uint16
	for bit := 0; bit < 16; bit++ {
		if err := waitEdge(ctx, s.clock.Rising()); err != nil {
			return data, "", err
		}
		recv = recv<<1 | uint16(s.getMISO())
		if couldAbort && s.dataReadAborted.Load() {
			s.dataReadAborted.Store(false)
			return data, StatusAborted, nil
		}
	}

	want := crc.Compute16(data, 8*len(data))
	if recv != want {
		if s.dataReadAborted.Load() {
			s.dataReadAborted.Store(false)
			return data, StatusAborted, nil
		}
		return data, "", &sdio.DataError{Err: sdio.ErrCRCMismatch}
	}

	if finalBlock {
		if err := waitEdge(ctx, s.clock.Rising()); err != nil {
			return data, "", err
		}
		s.setCS(false)
		for i := 0; i < spiIdleClocks; i++ {
			if err := waitEdge(ctx, s.clock.Rising()); err != nil {
				return data, "", err
			}
		}
	}
	return data, StatusOK, nil
}

// DataBusWrite emits the SPI block-write start token (seven 1-bits then a
// 0), the payload, CRC16, and reads the response/busy tokens off MISO.
func (s *SPI) DataBusWrite(ctx context.Context, data []byte, timeoutCycles int, couldAbort bool, finalBlock bool) (uint8, error) {
	s.setMOSI(1)
	for i := 0; i < 7; i++ {
		if err := waitEdge(ctx, s.clock.Rising()); err != nil {
			return 0, err
		}
	}
	s.setMOSI(0)
	if err := waitEdge(ctx, s.clock.Rising()); err != nil {
		return 0, err
	}

	for _, b := range data {
		for bit := 7; bit >= 0; bit-- {
			s.setMOSI((b >> uint(bit)) & 1)
			if err := waitEdge(ctx, s.clock.Rising()); err != nil {
				return 0, err
			}
		}
	}

	want := crc.Compute16(data, 8*len(data))
	for bit := 15; bit >= 0; bit-- {
		s.setMOSI(uint8((want >> uint(bit)) & 1))
		if err := waitEdge(ctx, s.clock.Rising()); err != nil {
			return 0, err
		}
	}
	s.setMOSI(1)

	if timeoutCycles <= 0 {
		timeoutCycles = defaultWriteBusyTimeoutCycles
	}

	var status uint8
	cycles := 0
	for {
		for bit := 7; bit >= 0; bit-- {
			if err := waitEdge(ctx, s.clock.Rising()); err != nil {
				return 0, err
			}
			status = status<<1 | s.getMISO()
			status &= 0xFF
		}
		cycles += 8
		if (status>>4)&1 == 0 {
			break
		}
		if cycles >= timeoutCycles {
			s.logger.Error("timeout waiting for device to write data")
			break
		}
	}
	token := (status >> 1) & 0x7
	switch token {
	case 0x2:
		s.logger.Debug("SPI block write accepted")
	case 0x5:
		s.logger.Error("SPI block write rejected due to incorrect CRC")
	}

	cycles = 0
	for {
		var busy uint8
		for bit := 7; bit >= 0; bit-- {
			if err := waitEdge(ctx, s.clock.Rising()); err != nil {
				return token, err
			}
			busy = busy<<1 | s.getMISO()
		}
		if busy&1 == 1 {
			break
		}
		cycles += 8
		if cycles >= timeoutCycles {
			s.logger.Error("timeout waiting for device to write data")
			break
		}
	}

	if finalBlock {
		if err := waitEdge(ctx, s.clock.Rising()); err != nil {
			return token, err
		}
		s.setCS(false)
		for i := 0; i < spiIdleClocks; i++ {
			if err := waitEdge(ctx, s.clock.Rising()); err != nil {
				return token, err
			}
		}
	}
	return token, nil
}

// ReadWait has no SPI equivalent (DAT2 read-wait is a native-mode-only
// side-channel); asserting it in SPI mode is a no-op.
func (s *SPI) ReadWait(asserting bool) {}
