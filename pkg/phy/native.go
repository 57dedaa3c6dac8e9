package phy

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/kestrelsim/sdiohost/internal/crc"
	"github.com/kestrelsim/sdiohost/pkg/bus"
	"github.com/kestrelsim/sdiohost/pkg/sdio"
)

// Native drives the command and four data lines in native SDIO framing:
// commands shift out on falling edges and responses sample on rising edges;
// data lines are bus-width-aware (1 or 4 lanes).
type Native struct {
	pins   bus.Pins
	clock  *bus.Clock
	lease  *bus.Lease
	logger *slog.Logger

	busWidth atomic.Int32

	dataWriteAborted atomic.Bool
	dataReadAborted  atomic.Bool
}

// NewNative builds a native-mode PHY over pins, driven by clock. Reset
// values on pins must already be applied by the harness before the first
// edge.
func NewNative(pins bus.Pins, clock *bus.Clock, logger *slog.Logger) *Native {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Native{
		pins:   pins,
		clock:  clock,
		lease:  bus.NewLease(),
		logger: logger.With("service", "[PHY]", "mode", "native"),
	}
	n.busWidth.Store(1)
	return n
}

func (n *Native) AcquireCmdLock(ctx context.Context) error { return n.lease.Acquire(ctx) }
func (n *Native) ReleaseCmdLock()                          { n.lease.Release() }

func (n *Native) BusWidth() int         { return int(n.busWidth.Load()) }
func (n *Native) SetBusWidth(width int) { n.busWidth.Store(int32(width)) }

func (n *Native) SetDataWriteAborted(v bool) { n.dataWriteAborted.Store(v) }
func (n *Native) SetDataReadAborted(v bool)  { n.dataReadAborted.Store(v) }
func (n *Native) DataWriteAborted() bool     { return n.dataWriteAborted.Load() }
func (n *Native) DataReadAborted() bool      { return n.dataReadAborted.Load() }

// SendCmd finalizes the CRC7 and shifts the 48-bit frame MSB-first on
// falling edges, releasing the command line to high-impedance on the final
// (stop) bit in the same edge.
func (n *Native) SendCmd(ctx context.Context, frame *sdio.CommandFrame) error {
	frame.FinalizeCRC()
	n.logger.Debug("sending command", "cmd", frame.CommandNumber(), "arg", frame.Argument())
	n.pins.SetCmdDir(true)
	bits := frame.TxOrder()
	for i, v := range bits {
		if err := waitEdge(ctx, n.clock.Falling()); err != nil {
			return err
		}
		n.pins.SetCmdOut(v)
		if i == len(bits)-1 {
			n.pins.SetCmdDir(false)
		}
	}
	return nil
}

// GetCmdResponseBits waits for the first sampled 0 on rising edges (the
// response start bit) then shifts in response_length bits MSB-first.
func (n *Native) GetCmdResponseBits(ctx context.Context, cmdNum uint8, timeoutCycles int, timeoutPossible bool) (*sdio.ResponseFrame, error) {
	kind, length, ok := sdio.LookupResponseType(cmdNum)
	if !ok {
		return nil, nil
	}
	if timeoutCycles <= 0 {
		timeoutCycles = defaultCmdResponseTimeoutCycles
	}
	resp := sdio.NewResponseFrame(kind, length)
	started := false
	pos := 0
	for cycles := 0; cycles < timeoutCycles; cycles++ {
		if err := waitEdge(ctx, n.clock.Rising()); err != nil {
			return nil, err
		}
		bit := n.pins.CmdIn()
		if !started {
			if bit != 0 {
				continue
			}
			started = true
		}
		resp.SetTxOrder(pos, bit)
		pos++
		if pos == length {
			return resp, nil
		}
	}
	if timeoutPossible {
		n.logger.Info("timeout waiting for command response", "cmd", cmdNum)
		return nil, sdio.ErrTimeout
	}
	return nil, &sdio.ProtocolError{Cmd: cmdNum, Err: sdio.ErrStartBitTimeout}
}

// DataBusRead polls D0 for the start bit, shifts in count bytes (1 or 4
// lanes depending on bus width), then checks the trailing per-lane CRC16(s).
func (n *Native) DataBusRead(ctx context.Context, count int, timeoutCycles int, couldAbort bool, finalBlock bool) ([]byte, Status, error) {
	timedOut, err := n.waitReadStartBit(ctx, timeoutCycles)
	if err != nil {
		return nil, "", err
	}
	if timedOut {
		if couldAbort {
			n.logger.Info("timed out waiting for data start bit, assuming aborted transfer")
			return nil, StatusAborted, nil
		}
		return nil, "", &sdio.DataError{Err: sdio.ErrStartBitTimeout}
	}

	width := n.BusWidth()
	data := make([]byte, 0, count)
	for b := 0; b < count; b++ {
		cur, err := n.readByte(ctx, width)
		if err != nil {
			return data, "", err
		}
		data = append(data, cur)
		if couldAbort && n.dataReadAborted.Load() {
			n.dataReadAborted.Store(false)
			n.logger.Info("data read aborted mid-block", "bytes", len(data))
			return data, StatusAborted, nil
		}
	}

	var recv [4]uint16
	for bit := 0; bit < 16; bit++ {
		if err := waitEdge(ctx, n.clock.Rising()); err != nil {
			return data, "", err
		}
		d := n.pins.DataIn()
		lanes := 1
		if width == 4 {
			lanes = 4
		}
		for lane := 0; lane < lanes; lane++ {
			recv[lane] = recv[lane]<<1 | uint16((d>>uint(lane))&1)
		}
		if couldAbort && n.dataReadAborted.Load() {
			n.logger.Info("data read aborted during CRC", "bytes", len(data))
			n.dataReadAborted.Store(false)
			return data, StatusAborted, nil
		}
	}

	ok := n.checkReadCRC(data, width, recv)
	if ok {
		return data, StatusOK, nil
	}
	if n.dataReadAborted.Load() {
		n.dataReadAborted.Store(false)
		n.logger.Info("CRC mismatch explained by abort")
		return data, StatusAborted, nil
	}
	return data, "", &sdio.DataError{Err: sdio.ErrCRCMismatch}
}

// waitReadStartBit polls D0 on rising edges for the start bit. A cycle
// budget of 0 means "wait indefinitely"; a harness that wants the usual 1ms
// real-time ceiling passes it as a cycle count.
func (n *Native) waitReadStartBit(ctx context.Context, timeoutCycles int) (timedOut bool, err error) {
	cycles := 0
	for {
		if err := waitEdge(ctx, n.clock.Rising()); err != nil {
			return false, err
		}
		if n.pins.DataIn()&0x1 == 0 {
			return false, nil
		}
		cycles++
		if timeoutCycles > 0 && cycles >= timeoutCycles {
			return true, nil
		}
	}
}

func (n *Native) readByte(ctx context.Context, width int) (byte, error) {
	var cur byte
	if width == 4 {
		var upper, lower [4]uint8
		if err := waitEdge(ctx, n.clock.Rising()); err != nil {
			return 0, err
		}
		d := n.pins.DataIn()
		for lane := 0; lane < 4; lane++ {
			upper[lane] = (d >> uint(lane)) & 1
		}
		if err := waitEdge(ctx, n.clock.Rising()); err != nil {
			return 0, err
		}
		d = n.pins.DataIn()
		for lane := 0; lane < 4; lane++ {
			lower[lane] = (d >> uint(lane)) & 1
		}
		cur = crc.DeinterleaveByte(upper, lower)
	} else {
		for bit := 7; bit >= 0; bit-- {
			if err := waitEdge(ctx, n.clock.Rising()); err != nil {
				return 0, err
			}
			d := n.pins.DataIn()
			cur |= (d & 1) << uint(bit)
		}
	}
	return cur, nil
}

func (n *Native) checkReadCRC(data []byte, width int, recv [4]uint16) bool {
	if width == 4 {
		d0, d1, d2, d3 := crc.InterleaveLanes(data)
		numBits := 2 * len(data)
		return recv[0] == crc.Compute16(d0, numBits) &&
			recv[1] == crc.Compute16(d1, numBits) &&
			recv[2] == crc.Compute16(d2, numBits) &&
			recv[3] == crc.Compute16(d3, numBits)
	}
	numBits := 8 * len(data)
	return recv[0] == crc.Compute16(data, numBits)
}

// DataBusWrite drives the start bit, payload, per-lane CRC16(s) and stop bit
// on falling edges, then samples the 5-bit write-status token and waits for
// the device to stop signalling busy on D0.
func (n *Native) DataBusWrite(ctx context.Context, data []byte, timeoutCycles int, couldAbort bool, finalBlock bool) (uint8, error) {
	width := n.BusWidth()
	laneMask := uint8(0x1)
	if width == 4 {
		laneMask = 0xF
	}
	n.pins.SetDataDir(laneMask)

	if err := waitEdge(ctx, n.clock.Falling()); err != nil {
		return 0, err
	}
	n.pins.SetDataOut(0x00)

	for _, b := range data {
		if width == 4 {
			if err := waitEdge(ctx, n.clock.Falling()); err != nil {
				return 0, err
			}
			n.pins.SetDataOut(b >> 4)
			if err := waitEdge(ctx, n.clock.Falling()); err != nil {
				return 0, err
			}
			n.pins.SetDataOut(b & 0xF)
		} else {
			for bit := 7; bit >= 0; bit-- {
				if err := waitEdge(ctx, n.clock.Falling()); err != nil {
					return 0, err
				}
				n.pins.SetDataOut((b >> uint(bit)) & 1)
			}
		}
	}

	if err := n.writeCRC(ctx, data, width); err != nil {
		return 0, err
	}

	if err := waitEdge(ctx, n.clock.Falling()); err != nil {
		return 0, err
	}
	n.pins.SetDataOut(laneMask) // stop bit, all used lanes = 1
	if err := waitEdge(ctx, n.clock.Falling()); err != nil {
		return 0, err
	}
	n.pins.SetDataDir(0)

	for i := 0; i < 2; i++ {
		if err := waitEdge(ctx, n.clock.Rising()); err != nil {
			return 0, err
		}
	}
	if err := waitEdge(ctx, n.clock.Rising()); err != nil {
		return 0, err
	}
	if n.pins.DataIn()&1 != 0 {
		n.logger.Warn("write block CRC response did not start in the correct place")
	}
	var crcResp uint8
	for i := 0; i < 5; i++ {
		if err := waitEdge(ctx, n.clock.Rising()); err != nil {
			return 0, err
		}
		d := n.pins.DataIn()
		if i < 3 {
			crcResp |= (d & 1) << uint(i)
		}
	}
	if crcResp != 0x2 {
		n.logger.Info("write block CRC response incorrect", "response", crcResp)
		return crcResp, nil
	}

	if timeoutCycles <= 0 {
		timeoutCycles = defaultWriteBusyTimeoutCycles
	}
	cycles := 0
	for n.pins.DataIn()&1 == 0 {
		if err := waitEdge(ctx, n.clock.Rising()); err != nil {
			return crcResp, err
		}
		cycles++
		if cycles >= timeoutCycles {
			n.logger.Error("timeout waiting for device to finish writing data")
			break
		}
	}
	return crcResp, nil
}

func (n *Native) writeCRC(ctx context.Context, data []byte, width int) error {
	if width == 4 {
		d0, d1, d2, d3 := crc.InterleaveLanes(data)
		numBits := 2 * len(data)
		c0 := crc.Compute16(d0, numBits)
		c1 := crc.Compute16(d1, numBits)
		c2 := crc.Compute16(d2, numBits)
		c3 := crc.Compute16(d3, numBits)
		for bit := 15; bit >= 0; bit-- {
			if err := waitEdge(ctx, n.clock.Falling()); err != nil {
				return err
			}
			shift := uint(bit)
			v := uint8((c0>>shift)&1) | uint8((c1>>shift)&1)<<1 | uint8((c2>>shift)&1)<<2 | uint8((c3>>shift)&1)<<3
			n.pins.SetDataOut(v)
		}
		return nil
	}
	numBits := 8 * len(data)
	c0 := crc.Compute16(data, numBits)
	for bit := 15; bit >= 0; bit-- {
		if err := waitEdge(ctx, n.clock.Falling()); err != nil {
			return err
		}
		n.pins.SetDataOut(uint8((c0 >> uint(bit)) & 1))
	}
	return nil
}

// ReadWait drives DAT2 low as an output while asserting, and releases it to
// high-impedance otherwise.
func (n *Native) ReadWait(asserting bool) {
	const dat2Mask = 0x4
	if asserting {
		n.pins.SetDataDir(dat2Mask)
		n.pins.SetDataOut(0)
	} else {
		n.pins.SetDataDir(0)
		n.pins.SetDataOut(dat2Mask)
	}
}
