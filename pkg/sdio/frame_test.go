package sdio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommandFrameLayout(t *testing.T) {
	f := NewCommandFrame(nil, 0)
	assert.EqualValues(t, 0, f.Get(47), "start bit")
	assert.EqualValues(t, 1, f.Get(46), "direction bit")
	assert.EqualValues(t, 0, f.CommandNumber())
	assert.EqualValues(t, 1, f.Get(0), "stop bit")
}

func TestCommandFrameArgumentRoundtrip(t *testing.T) {
	f := NewCommandFrame(nil, 52)
	f.SetArgument(0xDEADBEEF)
	assert.EqualValues(t, 0xDEADBEEF, f.Argument())
	assert.EqualValues(t, 52, f.CommandNumber())
}

// TestCMD0CRCVector: CMD0 with a zero argument over the 40-bit header
// 0x4000000000 yields CRC7 = 0x4A.
func TestCMD0CRCVector(t *testing.T) {
	f := NewCommandFrame(nil, 0)
	f.SetArgument(0)
	f.FinalizeCRC()
	require.EqualValues(t, 0x4000000000, f.Field(47, 8))
	assert.EqualValues(t, 0x4A, f.Field(7, 1))
}

// TestCMD52WriteFrameBitExact: a CMD52 write of 0x5A to fn=0, addr=0xABCD
// must produce a bit-exact 48-bit frame.
func TestCMD52WriteFrameBitExact(t *testing.T) {
	f := NewCommandFrame(nil, 52)
	// rw=1, fn=0, raw=0, addr=0xABCD (17 bits), data=0x5A
	var arg uint32
	arg |= 1 << 31
	arg |= 0 << 28 // fn
	arg |= 0 << 27 // raw
	arg |= (uint32(0xABCD) & 0x1FFFF) << 9
	arg |= 0x5A
	f.SetArgument(arg)
	f.FinalizeCRC()

	assert.EqualValues(t, 0, f.Get(47))
	assert.EqualValues(t, 1, f.Get(46))
	assert.EqualValues(t, 52, f.Field(45, 40))
	assert.EqualValues(t, 1, f.Get(39), "rw")
	assert.EqualValues(t, 0, f.Field(38, 36), "fn")
	assert.EqualValues(t, 0, f.Get(35), "raw")
	assert.EqualValues(t, 0xABCD, f.Field(33, 17), "address")
	assert.EqualValues(t, 0x5A, f.Field(15, 8), "data")
	assert.EqualValues(t, 1, f.Get(0), "stop bit")
	assert.EqualValues(t, f.Field(7, 1), (&ResponseFrame{Bits: f.Bits}).CRC7())
	assert.True(t, (&ResponseFrame{Bits: f.Bits}).CheckCRC7())
}
