package host

import (
	"context"
	"math/rand"

	"github.com/kestrelsim/sdiohost/pkg/phy"
	"github.com/kestrelsim/sdiohost/pkg/sdio"
)

// GoIdle sends CMD0, GO_IDLE_STATE. In native mode the card sends no
// response to it at all; in SPI mode it responds with R1.
func (h *Host) GoIdle(ctx context.Context) error {
	_, err := h.exchange(ctx, 0, 0, false)
	return err
}

// SendRelativeAddr sends CMD3, SEND_RELATIVE_ADDR, and records the RCA the
// card returns in its R6 response (bits 39..24).
func (h *Host) SendRelativeAddr(ctx context.Context) (uint16, error) {
	resp, err := h.exchange(ctx, 3, 0, false)
	if err != nil {
		return 0, err
	}
	rca := uint16(resp.Field(39, 24))
	h.mu.Lock()
	h.rca = rca
	h.rcaSet = true
	h.mu.Unlock()
	return rca, nil
}

// SendOpCond sends CMD5, SEND_OP_COND, with the host's OCR/VHS pattern
// (hardcoded to the ~3.3V window by default, see WithOCR).
func (h *Host) SendOpCond(ctx context.Context) error {
	_, err := h.exchange(ctx, 5, h.ocr, false)
	return err
}

// SelectCard sends CMD7, SELECT_CARD, placing rca in argument bits 39..24.
func (h *Host) SelectCard(ctx context.Context, rca uint16) error {
	_, err := h.exchange(ctx, 7, uint32(rca)<<16, false)
	return err
}

// SendIfCond sends CMD8, SEND_IF_COND: VHS nibble 3:0 = 0b0001 (2.7-3.6V)
// and a random echo pattern in the low byte.
func (h *Host) SendIfCond(ctx context.Context) error {
	pattern := uint32(rand.Intn(256))
	_, err := h.exchange(ctx, 8, (1<<8)|pattern, false)
	return err
}

// ioRwDirectArg builds the 32-bit argument for CMD52: rw at bit 31, fn at
// 30..28, raw at bit 27, the 17-bit address at bits 25..9, and the data
// byte (write only) at 7..0.
func ioRwDirectArg(rw bool, fn int, raw bool, addr uint32, data uint8) uint32 {
	var arg uint32
	if rw {
		arg |= 1 << 31
		arg |= uint32(data)
	}
	arg |= uint32(fn&0x7) << 28
	if raw {
		arg |= 1 << 27
	}
	arg |= (addr & 0x1FFFF) << 9
	return arg
}

// IoRwDirect sends CMD52, IO_RW_DIRECT, the simplest register access within
// a 17-bit address space. When timeoutPossible is set (used during the
// pre-reset probe in Init), a start-bit timeout is returned as sdio.ErrTimeout
// instead of a protocol error.
func (h *Host) IoRwDirect(ctx context.Context, rw bool, fn int, raw bool, addr uint32, data uint8, timeoutPossible bool) (uint8, error) {
	arg := ioRwDirectArg(rw, fn, raw, addr, data)
	resp, err := h.exchange(ctx, 52, arg, timeoutPossible)
	if err != nil {
		return 0, err
	}
	if !h.native {
		return uint8(resp.Field(7, 0)), nil
	}
	flags := sdio.R5FlagsFromResponse(resp)
	if err := h.checkR5Flags(ctx, 52, flags); err != nil {
		return 0, err
	}
	return uint8(resp.Field(15, 8)), nil
}

// ioRwExtendedArg builds the 32-bit argument for CMD53: rw at bit 31, fn at
// 30..28, block at bit 27, op at bit 26, the 17-bit address at 25..9, and
// the 9-bit count at 8..0.
func ioRwExtendedArg(rw bool, fn int, block bool, op bool, addr uint32, count uint16) uint32 {
	var arg uint32
	if rw {
		arg |= 1 << 31
	}
	arg |= uint32(fn&0x7) << 28
	if block {
		arg |= 1 << 27
	}
	if op {
		arg |= 1 << 26
	}
	arg |= (addr & 0x1FFFF) << 9
	arg |= uint32(count) & 0x1FF
	return arg
}

// ExtendedIOParams is the argument bundle for IoRwExtended.
type ExtendedIOParams struct {
	RW         bool   // false = read, true = write
	Fn         int    // function to access
	Block      bool   // block-mode transfer (SMB capability permitting)
	Op         bool   // false = fixed address, true = incrementing address
	Addr       uint32 // 17-bit address
	Count      uint16 // see Host.IoRwExtended's semantics per block/count
	BlockSize  int    // required when Block is set and RW is a read
	ReadWait   int    // falling edges to assert DAT2 read-wait between read blocks
	CouldAbort bool   // whether the PHY should honor the sticky abort flags
}

// IoRwExtended sends CMD53, IO_RW_EXTENDED, then drives the data phase:
//
//	Block=true,  Count=0:   infinite blocks until externally aborted
//	Block=true,  Count=N>0: exactly N blocks
//	Block=false, Count=0:   512 bytes
//	Block=false, Count=N>0: N bytes
//
// On write, data must hold one byte slice per block (block mode) or a
// single slice (byte mode). On read, the return value is one slice per
// block (block mode) or a single slice (byte mode).
func (h *Host) IoRwExtended(ctx context.Context, p ExtendedIOParams, data [][]byte) ([][]byte, error) {
	arg := ioRwExtendedArg(p.RW, p.Fn, p.Block, p.Op, p.Addr, p.Count)
	resp, err := h.exchange(ctx, 53, arg, false)
	if err != nil {
		return nil, err
	}
	if h.native {
		flags := sdio.R5FlagsFromResponse(resp)
		if err := h.checkR5Flags(ctx, 53, flags); err != nil {
			return nil, err
		}
	}

	// Block-mode Count=0 means "until externally aborted"; blocks < 0
	// encodes that open-ended case for the transfer loops below.
	blocks := 1
	if p.Block {
		blocks = int(p.Count)
		if blocks == 0 {
			blocks = -1
		}
	}

	if p.RW {
		return nil, h.writeBlocks(ctx, p, blocks, data)
	}
	return h.readBlocks(ctx, p, blocks)
}

// writeBlocks drives one or more data-phase writes, inserting a random
// 1-4 byte clock pad before each block and checking the sticky write-abort
// flag at each block boundary.
func (h *Host) writeBlocks(ctx context.Context, p ExtendedIOParams, blocks int, data [][]byte) error {
	for b := 0; blocks < 0 || b < blocks; b++ {
		padBytes := 1 + rand.Intn(4)
		for i := 0; i < padBytes*8; i++ {
			if err := waitEdge(ctx, h.clock.Rising()); err != nil {
				return err
			}
		}
		if p.Block && h.phy.DataWriteAborted() {
			h.phy.SetDataWriteAborted(false)
			h.logger.Info("detected block write aborted", "blocks_written", b)
			return nil
		}
		payload := data[0]
		if p.Block {
			// An open-ended transfer cycles through the caller's block
			// list until the abort lands.
			payload = data[b%len(data)]
		}
		if _, err := h.phy.DataBusWrite(ctx, payload, 0, p.CouldAbort, b+1 == blocks); err != nil {
			return err
		}
	}
	return nil
}

// readBlocks drives one or more data_bus_read transfers, stopping early and
// returning the partial result on an aborted read, waiting between blocks
// (2 falling edges native, 8 rising edges SPI) and asserting read-wait
// between blocks when requested.
func (h *Host) readBlocks(ctx context.Context, p ExtendedIOParams, blocks int) ([][]byte, error) {
	byteCount := int(p.Count)
	if !p.Block && byteCount == 0 {
		byteCount = 512
	}
	toRead := p.BlockSize
	if !p.Block {
		toRead = byteCount
	}

	result := make([][]byte, 0, max(blocks, 1))
	for b := 0; blocks < 0 || b < blocks; b++ {
		data, status, err := h.phy.DataBusRead(ctx, toRead, 0, p.CouldAbort, b+1 == blocks)
		if err != nil {
			return nil, err
		}
		if status == phy.StatusAborted || h.phy.DataReadAborted() {
			h.phy.SetDataReadAborted(false)
			if p.Block {
				return result, nil
			}
			return [][]byte{data}, nil
		}
		if p.Block {
			result = append(result, data)
			if blocks < 0 || b+1 < blocks {
				if h.native {
					for i := 0; i < 2; i++ {
						if err := waitEdge(ctx, h.clock.Falling()); err != nil {
							return result, err
						}
					}
				} else {
					for i := 0; i < 8; i++ {
						if err := waitEdge(ctx, h.clock.Rising()); err != nil {
							return result, err
						}
					}
				}
			}
		} else {
			result = [][]byte{data}
		}
		if p.ReadWait > 0 {
			h.phy.ReadWait(true)
			for i := 0; i < p.ReadWait; i++ {
				if err := waitEdge(ctx, h.clock.Falling()); err != nil {
					return result, err
				}
			}
			h.phy.ReadWait(false)
		}
	}
	return result, nil
}
