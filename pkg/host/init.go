package host

import (
	"context"
	"errors"
	"math/rand"

	"github.com/kestrelsim/sdiohost/pkg/cis"
	"github.com/kestrelsim/sdiohost/pkg/sdio"
)

// InitParams configures a run of Init.
type InitParams struct {
	// DumpRegs requests a post-init CCCR/FBR pretty-print via
	// DumpRegisters. CIS tuples are not printed.
	DumpRegs bool
	// RCAChanges re-issues CMD3 this many extra times before the final
	// CMD7 select, to exercise RCA reassignment (native mode only).
	RCAChanges int
}

// Init runs the full SDIO device initialization sequence: a best-effort RES
// probe, the CMD0/CMD8/CMD5 handshake, the native-mode CMD3/CMD7 RCA
// assignment, capability decode, CIS discovery, the FBR walk for functions
// 1..7, and per-function maximum block size extraction from each function's
// FUNCE CIS tuple.
func (h *Host) Init(ctx context.Context, p InitParams) error {
	h.logger.Info("beginning SDIO device initialization")

	if h.native {
		if err := h.resetProbe(ctx); err != nil {
			return err
		}
	}

	if err := h.GoIdle(ctx); err != nil {
		return err
	}
	if err := h.randomGap(ctx); err != nil {
		return err
	}
	if err := h.GoIdle(ctx); err != nil {
		return err
	}
	if err := h.randomGap(ctx); err != nil {
		return err
	}

	if err := h.SendIfCond(ctx); err != nil {
		return err
	}
	if err := h.randomGap(ctx); err != nil {
		return err
	}

	if err := h.SendOpCond(ctx); err != nil {
		return err
	}
	if err := h.randomGap(ctx); err != nil {
		return err
	}

	if h.native {
		rca, err := h.SendRelativeAddr(ctx)
		if err != nil {
			return err
		}
		h.logger.Info("SDIO device RCA response", "rca", rca)
		for i := 0; i < p.RCAChanges; i++ {
			rca, err = h.SendRelativeAddr(ctx)
			if err != nil {
				return err
			}
			h.logger.Info("SDIO device RCA response", "rca", rca)
		}
		if err := h.SelectCard(ctx, rca); err != nil {
			return err
		}
	}

	if err := h.readCapabilities(ctx); err != nil {
		return err
	}
	if err := h.readCommonCIS(ctx); err != nil {
		return err
	}
	if err := h.discoverFunctions(ctx); err != nil {
		return err
	}

	if p.DumpRegs {
		if err := h.DumpRegisters(ctx); err != nil {
			return err
		}
	}

	if err := h.discoverMaxBlockSizes(ctx); err != nil {
		return err
	}

	h.logger.Info("SDIO initialized")
	return nil
}

// resetProbe is the best-effort RES probe Init does in native mode before
// the CMD0 handshake: a timeout-tolerant read of the I/O Abort register,
// setting its RES bit (3) if the device responds at all.
func (h *Host) resetProbe(ctx context.Context) error {
	reg, err := h.ReadReg(ctx, 0, addrIOAbort, true)
	if err != nil {
		if errors.Is(err, sdio.ErrTimeout) {
			return nil
		}
		return err
	}
	reg |= 1 << 3
	if _, err := h.WriteReg(ctx, 0, addrIOAbort, reg, false); err != nil {
		return err
	}
	return h.edgeGap(ctx, 8, 16)
}

// randomGap waits a random 8..16 rising edges, the inter-command gap Init
// inserts between every handshake step.
func (h *Host) randomGap(ctx context.Context) error {
	return h.edgeGap(ctx, 8, 16)
}

func (h *Host) edgeGap(ctx context.Context, lo, hi int) error {
	n := lo + rand.Intn(hi-lo+1)
	for i := 0; i < n; i++ {
		if err := waitEdge(ctx, h.clock.Rising()); err != nil {
			return err
		}
	}
	return nil
}

// readCapabilities reads the Card Capability register (CCCR address 8) and
// decodes it into Capabilities.
func (h *Host) readCapabilities(ctx context.Context) error {
	reg, err := h.ReadReg(ctx, 0, addrCardCapability, false)
	if err != nil {
		return err
	}
	caps := Capabilities{
		SDC:  reg&(1<<0) != 0,
		SMB:  reg&(1<<1) != 0,
		SRW:  reg&(1<<2) != 0,
		SBS:  reg&(1<<3) != 0,
		S4MI: reg&(1<<4) != 0,
		LSC:  reg&(1<<6) != 0,
		B4LS: reg&(1<<7) != 0,
	}
	h.mu.Lock()
	h.caps = caps
	h.mu.Unlock()
	h.logger.Info("card capability register",
		"sdc", caps.SDC, "smb", caps.SMB, "srw", caps.SRW, "sbs", caps.SBS,
		"s4mi", caps.S4MI, "lsc", caps.LSC, "b4ls", caps.B4LS)
	return nil
}

// readCommonCIS reads fn0's 3-byte CIS pointer from CCCR addresses 9/10/11,
// then prefetches 256 bytes of CIS data with a single byte-mode CMD53 read.
func (h *Host) readCommonCIS(ctx context.Context) error {
	addr, err := h.readCISPointer(ctx, addrCommonCISPtr0)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.fnCISAddr[0] = addr
	h.mu.Unlock()

	blocks, err := h.IoRwExtended(ctx, ExtendedIOParams{RW: false, Fn: 0, Addr: addr, Count: 256}, nil)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cisData = blocks[0]
	h.mu.Unlock()
	return nil
}

func (h *Host) readCISPointer(ctx context.Context, base uint32) (uint32, error) {
	b0, err := h.ReadReg(ctx, 0, base, false)
	if err != nil {
		return 0, err
	}
	b1, err := h.ReadReg(ctx, 0, base+1, false)
	if err != nil {
		return 0, err
	}
	b2, err := h.ReadReg(ctx, 0, base+2, false)
	if err != nil {
		return 0, err
	}
	return uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16, nil
}

// discoverFunctions walks FBR1..FBR7, counting any function whose standard
// function code nibble is non-zero and recording its CIS pointer.
func (h *Host) discoverFunctions(ctx context.Context) error {
	for fn := 1; fn <= 7; fn++ {
		base := uint32(fn) << 8
		reg, err := h.ReadReg(ctx, 0, base+offFBRStandardFunctionCode, false)
		if err != nil {
			return err
		}
		if reg&0xF == 0 {
			continue
		}
		h.logger.Debug("function detected", "fn", fn)
		addr, err := h.readCISPointer(ctx, base+offFBRCISPtr0)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.fnCount++
		h.fnCISAddr[fn] = addr
		h.mu.Unlock()
	}
	return nil
}

// discoverMaxBlockSizes parses each discovered function's CIS tuple table
// and extracts its FUNCE-tuple maximum block size.
func (h *Host) discoverMaxBlockSizes(ctx context.Context) error {
	h.mu.Lock()
	cisData := h.cisData
	fnCount := h.fnCount
	fnAddrs := h.fnCISAddr
	h.mu.Unlock()

	tuples, err := cis.ParseTuples(cisData, fnAddrs[0])
	if err != nil {
		return err
	}
	size, err := cis.FindFunceMaxBlockSize(tuples, true)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.fnMaxBlock[0] = size
	h.mu.Unlock()
	h.logger.Info("SDIO function max block size", "fn", 0, "bytes", size)

	for fn := 1; fn < fnCount; fn++ {
		fnTuples, err := cis.ParseTuples(cisData, fnAddrs[fn])
		if err != nil {
			return err
		}
		size, err := cis.FindFunceMaxBlockSize(fnTuples, false)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.fnMaxBlock[fn] = size
		h.mu.Unlock()
		h.logger.Info("SDIO function max block size", "fn", fn, "bytes", size)
	}
	return nil
}
