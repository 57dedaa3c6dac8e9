package phy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsim/sdiohost/internal/crc"
	"github.com/kestrelsim/sdiohost/pkg/bus"
	"github.com/kestrelsim/sdiohost/pkg/sdio"
)

// scriptPins is a synthetic bus.Pins: sampled inputs pop from a queue
// (defaulting to the pulled-up idle value when the queue runs dry) and every
// driven output is recorded in order. One record corresponds to one PHY
// wake, so missed clock edges in the test's tick loop never corrupt the
// observed sequence.
type scriptPins struct {
	mu     sync.Mutex
	cmdIn  []uint8
	dataIn []uint8

	cmdOut  []uint8
	dataOut []uint8
	cmdDir  []bool
	dataDir []uint8
}

func (p *scriptPins) SetCmdDir(drive bool) {
	p.mu.Lock()
	p.cmdDir = append(p.cmdDir, drive)
	p.mu.Unlock()
}

func (p *scriptPins) SetCmdOut(bit uint8) {
	p.mu.Lock()
	p.cmdOut = append(p.cmdOut, bit)
	p.mu.Unlock()
}

func (p *scriptPins) CmdIn() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cmdIn) == 0 {
		return 1
	}
	v := p.cmdIn[0]
	p.cmdIn = p.cmdIn[1:]
	return v
}

func (p *scriptPins) SetDataDir(mask uint8) {
	p.mu.Lock()
	p.dataDir = append(p.dataDir, mask)
	p.mu.Unlock()
}

func (p *scriptPins) SetDataOut(value uint8) {
	p.mu.Lock()
	p.dataOut = append(p.dataOut, value)
	p.mu.Unlock()
}

func (p *scriptPins) DataIn() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.dataIn) == 0 {
		return 0xF
	}
	v := p.dataIn[0]
	p.dataIn = p.dataIn[1:]
	return v
}

func (p *scriptPins) recordedCmdOut() []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint8(nil), p.cmdOut...)
}

func (p *scriptPins) recordedDataOut() []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint8(nil), p.dataOut...)
}

func (p *scriptPins) recordedCmdDir() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.cmdDir...)
}

func (p *scriptPins) recordedDataDir() []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint8(nil), p.dataDir...)
}

// driveOp runs op in its own goroutine while ticking clock edges until it
// returns, the way a simulator would keep the clock free-running under a
// suspended transfer.
func driveOp(t *testing.T, clock *bus.Clock, op func(ctx context.Context) error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(ctx) }()
	for {
		select {
		case err := <-done:
			return err
		default:
			clock.TickFalling()
			time.Sleep(20 * time.Microsecond)
			clock.TickRising()
			time.Sleep(20 * time.Microsecond)
		}
	}
}

// nativeResp builds a wire-valid 48-bit native response: start/direction 0,
// the echo field, a 32-bit payload, a correct CRC7 and the stop bit.
func nativeResp(kind sdio.ResponseKind, echo uint8, payload uint32) *sdio.ResponseFrame {
	r := sdio.NewResponseFrame(kind, 48)
	r.Set(47, 0)
	r.Set(46, 0)
	r.SetField(45, 40, uint64(echo))
	r.SetField(39, 8, uint64(payload))
	r.SetField(7, 1, uint64(crc.Compute7(r.Field(47, 8), 40)))
	r.Set(0, 1)
	return r
}

func TestSendCmdShiftsFrameMSBFirst(t *testing.T) {
	pins := &scriptPins{}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)

	frame := sdio.NewCommandFrame(nil, 0)
	frame.SetArgument(0)
	require.NoError(t, driveOp(t, clock, func(ctx context.Context) error {
		return n.SendCmd(ctx, frame)
	}))

	got := pins.recordedCmdOut()
	require.Len(t, got, 48)
	assert.Equal(t, frame.TxOrder(), got, "bits must leave in transmission order")
	assert.EqualValues(t, 0, got[0], "start bit")
	assert.EqualValues(t, 1, got[1], "direction bit")
	assert.EqualValues(t, 1, got[47], "stop bit")
	// CMD0 with a zero argument carries CRC7 0x4A in bits 7..1.
	assert.EqualValues(t, 0x4A, frame.Field(7, 1))

	dirs := pins.recordedCmdDir()
	require.Len(t, dirs, 2)
	assert.True(t, dirs[0], "line driven before the first bit")
	assert.False(t, dirs[1], "line released on the stop bit's edge")
}

func TestGetCmdResponseBitsDecodesAfterStartBit(t *testing.T) {
	resp := nativeResp(sdio.R5, 52, 0x000000AB)
	pins := &scriptPins{cmdIn: append([]uint8{1, 1, 1}, resp.TxOrder()...)}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)

	var got *sdio.ResponseFrame
	require.NoError(t, driveOp(t, clock, func(ctx context.Context) (err error) {
		got, err = n.GetCmdResponseBits(ctx, 52, 100, false)
		return err
	}))

	require.NotNil(t, got)
	assert.EqualValues(t, 52, got.CommandNumber())
	assert.EqualValues(t, 0xAB, got.Field(15, 8))
	assert.True(t, got.CheckCRC7())
}

func TestGetCmdResponseBitsNoResponseCommand(t *testing.T) {
	pins := &scriptPins{}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)

	require.NoError(t, driveOp(t, clock, func(ctx context.Context) error {
		resp, err := n.GetCmdResponseBits(ctx, 0, 10, false)
		assert.Nil(t, resp, "CMD0 expects no response in native mode")
		return err
	}))
}

func TestGetCmdResponseBitsTimeout(t *testing.T) {
	clock := bus.NewClock()

	err := driveOp(t, clock, func(ctx context.Context) error {
		_, err := NewNative(&scriptPins{}, clock, nil).GetCmdResponseBits(ctx, 52, 10, true)
		return err
	})
	assert.ErrorIs(t, err, sdio.ErrTimeout, "timeoutPossible returns the sentinel")

	err = driveOp(t, clock, func(ctx context.Context) error {
		_, err := NewNative(&scriptPins{}, clock, nil).GetCmdResponseBits(ctx, 52, 10, false)
		return err
	})
	var perr *sdio.ProtocolError
	assert.ErrorAs(t, err, &perr, "without timeoutPossible the timeout is a protocol failure")
}

// readScript1Bit lays out the D0 sample stream for a 1-bit-mode block read:
// a few idle samples, the start bit, the payload MSB-first, and the CRC16.
func readScript1Bit(data []byte, crcBits uint16) []uint8 {
	script := []uint8{0xF, 0xF, 0xE} // idle, idle, start bit
	for _, b := range data {
		for bit := 7; bit >= 0; bit-- {
			script = append(script, 0xE|(b>>uint(bit))&1)
		}
	}
	for bit := 15; bit >= 0; bit-- {
		script = append(script, 0xE|uint8((crcBits>>uint(bit))&1))
	}
	return script
}

func TestDataBusRead1Bit(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	pins := &scriptPins{dataIn: readScript1Bit(data, crc.Compute16(data, 8*len(data)))}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)

	var got []byte
	var status Status
	require.NoError(t, driveOp(t, clock, func(ctx context.Context) (err error) {
		got, status, err = n.DataBusRead(ctx, len(data), 0, false, true)
		return err
	}))
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, data, got)
}

func TestDataBusReadCRCMismatch(t *testing.T) {
	data := []byte{0x01, 0x02}
	pins := &scriptPins{dataIn: readScript1Bit(data, crc.Compute16(data, 16)^0x1)}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)

	err := driveOp(t, clock, func(ctx context.Context) error {
		_, _, err := n.DataBusRead(ctx, len(data), 0, false, true)
		return err
	})
	var derr *sdio.DataError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, sdio.ErrCRCMismatch)
}

func TestDataBusReadCRCMismatchExplainedByAbort(t *testing.T) {
	data := []byte{0x01, 0x02}
	pins := &scriptPins{dataIn: readScript1Bit(data, crc.Compute16(data, 16)^0x1)}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)
	n.SetDataReadAborted(true)

	var status Status
	// couldAbort=false skips the per-byte polling, so the abort flag is
	// only consulted to explain the CRC mismatch.
	require.NoError(t, driveOp(t, clock, func(ctx context.Context) (err error) {
		_, status, err = n.DataBusRead(ctx, len(data), 0, false, true)
		return err
	}))
	assert.Equal(t, StatusAborted, status)
	assert.False(t, n.DataReadAborted(), "sticky flag consumed")
}

func TestDataBusReadAbortAtByteBoundary(t *testing.T) {
	data := []byte{0x11, 0x22, 0x33}
	pins := &scriptPins{dataIn: readScript1Bit(data, crc.Compute16(data, 24))}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)
	n.SetDataReadAborted(true)

	var got []byte
	var status Status
	require.NoError(t, driveOp(t, clock, func(ctx context.Context) (err error) {
		got, status, err = n.DataBusRead(ctx, len(data), 0, true, true)
		return err
	}))
	assert.Equal(t, StatusAborted, status)
	assert.Equal(t, []byte{0x11}, got, "unwinds at the first byte boundary")
	assert.False(t, n.DataReadAborted())
}

func TestDataBusReadStartBitTimeout(t *testing.T) {
	clock := bus.NewClock()

	var status Status
	require.NoError(t, driveOp(t, clock, func(ctx context.Context) (err error) {
		_, status, err = NewNative(&scriptPins{}, clock, nil).DataBusRead(ctx, 4, 5, true, true)
		return err
	}))
	assert.Equal(t, StatusAborted, status, "couldAbort absorbs the start-bit timeout")

	err := driveOp(t, clock, func(ctx context.Context) error {
		_, _, err := NewNative(&scriptPins{}, clock, nil).DataBusRead(ctx, 4, 5, false, true)
		return err
	})
	assert.ErrorIs(t, err, sdio.ErrStartBitTimeout)
}

func TestDataBusRead4BitMode(t *testing.T) {
	data := []byte{0xA5, 0x3C}
	d0, d1, d2, d3 := crc.InterleaveLanes(data)
	numBits := 2 * len(data)
	c := [4]uint16{
		crc.Compute16(d0, numBits), crc.Compute16(d1, numBits),
		crc.Compute16(d2, numBits), crc.Compute16(d3, numBits),
	}

	script := []uint8{0xF, 0xE} // idle, start bit on all lanes
	for _, b := range data {
		script = append(script, b>>4, b&0xF)
	}
	for bit := 15; bit >= 0; bit-- {
		var v uint8
		for lane := 0; lane < 4; lane++ {
			v |= uint8((c[lane]>>uint(bit))&1) << uint(lane)
		}
		script = append(script, v)
	}

	pins := &scriptPins{dataIn: script}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)
	n.SetBusWidth(4)

	var got []byte
	var status Status
	require.NoError(t, driveOp(t, clock, func(ctx context.Context) (err error) {
		got, status, err = n.DataBusRead(ctx, len(data), 0, false, true)
		return err
	}))
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, data, got)
}

// writeTokenScript is the D0 sample stream DataBusWrite consumes after the
// payload: the token's start bit, the three status bits, the end bit, one
// trailing sample, and a not-busy sample.
func writeTokenScript(status [3]uint8) []uint8 {
	return []uint8{0xE, 0xE | status[0], 0xE | status[1], 0xE | status[2], 0xF, 0xF, 0xF}
}

// TestDataBusWrite256Bytes: a 1-bit block write of the 256 bytes 0..255
// puts exactly 256*8 payload bits, 16 CRC bits, and one stop bit on the
// wire after the start bit.
func TestDataBusWrite256Bytes(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}

	pins := &scriptPins{dataIn: writeTokenScript([3]uint8{0, 1, 0})}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)

	var token uint8
	require.NoError(t, driveOp(t, clock, func(ctx context.Context) (err error) {
		token, err = n.DataBusWrite(ctx, data, 0, false, true)
		return err
	}))
	assert.EqualValues(t, 0x2, token, "write accepted")

	out := pins.recordedDataOut()
	require.Len(t, out, 1+256*8+16+1, "start + payload + CRC16 + stop")
	assert.EqualValues(t, 0x00, out[0], "start bit")

	for i, b := range data {
		for k := 0; k < 8; k++ {
			want := (b >> uint(7-k)) & 1
			require.EqualValues(t, want, out[1+i*8+k]&1, "payload bit %d of byte %d", k, i)
		}
	}

	wantCRC := crc.Compute16(data, 8*len(data))
	var gotCRC uint16
	for _, v := range out[1+256*8 : 1+256*8+16] {
		gotCRC = gotCRC<<1 | uint16(v&1)
	}
	assert.Equal(t, wantCRC, gotCRC)
	assert.EqualValues(t, 0x1, out[len(out)-1], "stop bit on the used lane")

	dirs := pins.recordedDataDir()
	require.NotEmpty(t, dirs)
	assert.EqualValues(t, 0x1, dirs[0], "1-bit mode drives only D0")
	assert.EqualValues(t, 0x0, dirs[len(dirs)-1], "bus released after the stop bit")
}

func TestDataBusWrite4BitInterleavesNibbles(t *testing.T) {
	data := []byte{0xA5}
	pins := &scriptPins{dataIn: writeTokenScript([3]uint8{0, 1, 0})}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)
	n.SetBusWidth(4)

	require.NoError(t, driveOp(t, clock, func(ctx context.Context) error {
		_, err := n.DataBusWrite(ctx, data, 0, false, true)
		return err
	}))

	out := pins.recordedDataOut()
	require.Len(t, out, 1+2+16+1, "start + two nibble symbols + CRC16 + stop")
	assert.EqualValues(t, 0x0, out[0])
	assert.EqualValues(t, 0xA, out[1], "upper nibble first")
	assert.EqualValues(t, 0x5, out[2])
	assert.EqualValues(t, 0xF, out[len(out)-1], "stop bit on all four lanes")
}

func TestDataBusWriteRejectedToken(t *testing.T) {
	pins := &scriptPins{dataIn: writeTokenScript([3]uint8{1, 0, 1})}
	clock := bus.NewClock()
	n := NewNative(pins, clock, nil)

	var token uint8
	require.NoError(t, driveOp(t, clock, func(ctx context.Context) (err error) {
		token, err = n.DataBusWrite(ctx, []byte{0x42}, 0, false, true)
		return err
	}))
	assert.EqualValues(t, 0x5, token, "CRC-rejected token surfaces to the caller")
}

func TestReadWaitDrivesDAT2(t *testing.T) {
	pins := &scriptPins{}
	n := NewNative(pins, bus.NewClock(), nil)

	n.ReadWait(true)
	n.ReadWait(false)

	dirs := pins.recordedDataDir()
	require.Len(t, dirs, 2)
	assert.EqualValues(t, 0x4, dirs[0], "DAT2 held as an output while asserted")
	assert.EqualValues(t, 0x0, dirs[1], "released afterwards")

	out := pins.recordedDataOut()
	require.Len(t, out, 2)
	assert.EqualValues(t, 0x0, out[0]&0x4, "DAT2 driven low")
}

func TestCmdLockSerializesFIFO(t *testing.T) {
	n := NewNative(&scriptPins{}, bus.NewClock(), nil)
	ctx := context.Background()

	require.NoError(t, n.AcquireCmdLock(ctx))

	acquired := make(chan struct{})
	go func() {
		if err := n.AcquireCmdLock(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the lease is held")
	case <-time.After(20 * time.Millisecond):
	}

	n.ReleaseCmdLock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never got the lease")
	}
	n.ReleaseCmdLock()
}
