package sdio

import (
	"log/slog"

	"github.com/kestrelsim/sdiohost/internal/crc"
)

// CommandFrame is the 48-bit command header: start(1) dir(1) cmd(6) arg(32)
// crc7(7) stop(1), numbered bit 47 (start, first transmitted) down to bit 0
// (stop, last transmitted).
type CommandFrame struct {
	*Bits
}

// memoryCardOnlyCommands are commands valid on a full SD memory card but
// not supported on an SDIO-only card. NewCommandFrame still builds them but
// logs a warning.
var memoryCardOnlyCommands = map[uint8]bool{
	2: true, 4: true, 9: true, 10: true, 12: true,
	13: true, 16: true, 17: true, 18: true, 24: true,
}

// NewCommandFrame builds a command header with start/direction/command-number
// and stop bits set; the argument is zero and the CRC7 slot is filled by
// FinalizeCRC immediately before transmission.
func NewCommandFrame(logger *slog.Logger, cmdNum uint8) *CommandFrame {
	if memoryCardOnlyCommands[cmdNum] {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("command is not supported on SDIO, building it anyway", "cmd", cmdNum)
	}
	f := &CommandFrame{Bits: NewBits(48)}
	f.Set(47, 0) // start bit
	f.Set(46, 1) // direction: host -> device
	f.SetField(45, 40, uint64(cmdNum))
	f.Set(0, 1) // stop bit
	return f
}

// CommandNumber returns the 6-bit command number field.
func (f *CommandFrame) CommandNumber() uint8 { return uint8(f.Field(45, 40)) }

// SetArgument stores the 32-bit command argument.
func (f *CommandFrame) SetArgument(v uint32) { f.SetField(39, 8, uint64(v)) }

// Argument returns the 32-bit command argument.
func (f *CommandFrame) Argument() uint32 { return uint32(f.Field(39, 8)) }

// FinalizeCRC computes the CRC7 over bits 47..8 and stores it in bits 7..1.
// The PHY calls this immediately before shifting the frame onto the wire.
func (f *CommandFrame) FinalizeCRC() {
	crc7 := crc.Compute7(f.Field(47, 8), 40)
	f.SetField(7, 1, uint64(crc7))
}
