package host

import (
	"context"
	"fmt"

	"github.com/kestrelsim/sdiohost/pkg/regmap"
	"github.com/kestrelsim/sdiohost/pkg/sdio"
)

// CCCR byte addresses this package issues CMD52s against directly.
const (
	addrIOEnables           = 2
	addrIOAbort             = 6
	addrBusInterfaceControl = 7
	addrCardCapability      = 8
	addrCommonCISPtr0       = 9
	addrFN0BlockSize0       = 16
)

// FBR byte offsets relative to a function's base address fn<<8.
const (
	offFBRStandardFunctionCode = 0
	offFBRCISPtr0              = 9
	offFBRBlockSize0           = 16
)

// ReadReg reads an 8-bit register via CMD52.
func (h *Host) ReadReg(ctx context.Context, fn int, addr uint32, timeoutPossible bool) (uint8, error) {
	return h.IoRwDirect(ctx, false, fn, false, addr, 0, timeoutPossible)
}

// WriteReg writes an 8-bit register via CMD52.
func (h *Host) WriteReg(ctx context.Context, fn int, addr uint32, data uint8, timeoutPossible bool) (uint8, error) {
	return h.IoRwDirect(ctx, true, fn, false, addr, data, timeoutPossible)
}

// SetBusWidth writes the 2-bit bus-width field of the Bus Interface Control
// register (CCCR address 7), re-reads to confirm it took, then updates the
// PHY's bus width. Widths other than 1 or 4 are rejected without touching
// the bus.
func (h *Host) SetBusWidth(ctx context.Context, width int) error {
	var field uint8
	switch width {
	case 4:
		field = 0x2
	case 1:
		field = 0x0
	default:
		return fmt.Errorf("host: bus width %d not supported", width)
	}
	reg, err := h.ReadReg(ctx, 0, addrBusInterfaceControl, false)
	if err != nil {
		return err
	}
	reg = (reg &^ 0x3) | field
	if _, err := h.WriteReg(ctx, 0, addrBusInterfaceControl, reg, false); err != nil {
		return err
	}
	confirm, err := h.ReadReg(ctx, 0, addrBusInterfaceControl, false)
	if err != nil {
		return err
	}
	if confirm&0x3 != field {
		return fmt.Errorf("host: bus width write did not take, register reads 0x%02x", confirm)
	}
	h.phy.SetBusWidth(width)
	return nil
}

// EnableFn ORs fn's bit into the I/O Enables register (CCCR address 2).
func (h *Host) EnableFn(ctx context.Context, fn int) error {
	reg, err := h.ReadReg(ctx, 0, addrIOEnables, false)
	if err != nil {
		return err
	}
	reg |= 1 << uint(fn)
	_, err = h.WriteReg(ctx, 0, addrIOEnables, reg, false)
	return err
}

// SendAbort writes fn into the AS (abort select) field, bits 2..0, of the
// I/O Abort register (CCCR address 6).
func (h *Host) SendAbort(ctx context.Context, fn int) error {
	reg, err := h.ReadReg(ctx, 0, addrIOAbort, false)
	if err != nil {
		return err
	}
	reg = (reg &^ 0x7) | uint8(fn&0x7)
	_, err = h.WriteReg(ctx, 0, addrIOAbort, reg, false)
	return err
}

// SoftReset writes the RES bit (bit 3) of the I/O Abort register, then
// re-initializes all discovered host state, invalidating the RCA,
// capability bits, and every function's CIS pointer/max block size.
func (h *Host) SoftReset(ctx context.Context) error {
	if _, err := h.WriteReg(ctx, 0, addrIOAbort, 1<<3, false); err != nil {
		return err
	}
	h.initState()
	return nil
}

// SetBlockSize writes a little-endian 16-bit block size into fn's block
// size register: the FN0 slot (CCCR 16/17) for function 0, otherwise the
// function's FBR slot at base fn<<8, offsets 0x10/0x11. blocksize is
// asserted not to exceed fn's discovered maximum.
func (h *Host) SetBlockSize(ctx context.Context, fn int, blocksize uint16) error {
	max := h.MaxBlockSize(fn)
	if blocksize > max {
		return fmt.Errorf("host: block size %d for fn%d exceeds discovered maximum %d: %w",
			blocksize, fn, max, sdio.ErrBlockSizeTooLarge)
	}

	var addr0 uint32
	if fn == 0 {
		addr0 = addrFN0BlockSize0
	} else {
		if fn >= h.FunctionCount() {
			return fmt.Errorf("host: function %d: %w", fn, sdio.ErrFunctionNotExist)
		}
		addr0 = uint32(regmap.FBRBase(fn)) + offFBRBlockSize0
	}
	if _, err := h.WriteReg(ctx, 0, addr0, uint8(blocksize&0xFF), false); err != nil {
		return err
	}
	_, err := h.WriteReg(ctx, 0, addr0+1, uint8(blocksize>>8), false)
	return err
}

// DumpRegisters reads and logs every CCCR and every discovered function's
// FBR, using the optional external register-name table (or the built-in
// one) to label addresses. Kept off the hot path per the design notes: a
// harness calls it only when it wants a human-readable snapshot.
func (h *Host) DumpRegisters(ctx context.Context) error {
	h.logger.Info("CCCRs:")
	for _, r := range regmap.CCCRs {
		val, err := h.ReadReg(ctx, 0, uint32(r.Addr), false)
		if err != nil {
			return err
		}
		name := h.regs.CCCRName(r.Addr)
		if r.Bin {
			h.logger.Info(fmt.Sprintf("0x%02x %-30s: %08b", r.Addr, name, val))
		} else {
			h.logger.Info(fmt.Sprintf("0x%02x %-30s: %02x", r.Addr, name, val))
		}
	}
	for fn := 1; fn < h.FunctionCount(); fn++ {
		h.logger.Info(fmt.Sprintf("FBR for function %d:", fn))
		for _, r := range regmap.FBRs {
			addr := regmap.FBRBase(fn) + r.Addr
			val, err := h.ReadReg(ctx, 0, uint32(addr), false)
			if err != nil {
				return err
			}
			name := h.regs.FBRName(r.Addr)
			if r.Bin {
				h.logger.Info(fmt.Sprintf("0x%02x %-35s: %08b", r.Addr, name, val))
			} else {
				h.logger.Info(fmt.Sprintf("0x%02x %-35s: %02x", r.Addr, name, val))
			}
		}
	}
	return nil
}
