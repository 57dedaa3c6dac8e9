// Package host implements the SDIO host command-response state machine:
// composing and issuing CMD0/3/5/7/8, the CMD52/CMD53 high-level
// operations, response validation, and the bus-width/block-size/abort/reset
// housekeeping commands. The initialization sequencer and CIS-driven
// max-block-size discovery live alongside in init.go, since both operate on
// the same discovered state.
package host

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kestrelsim/sdiohost/pkg/bus"
	"github.com/kestrelsim/sdiohost/pkg/phy"
	"github.com/kestrelsim/sdiohost/pkg/regmap"
	"github.com/kestrelsim/sdiohost/pkg/sdio"
)

// maxFunctions is the number of SDIO functions (0 plus 1..7) host state
// tracks.
const maxFunctions = 8

// cmd5DefaultOCR is the default OCR pattern (bits 22..18 set) CMD5 sends,
// requesting the ~3.3V voltage window. WithOCR overrides it.
const cmd5DefaultOCR uint32 = (1 << 18) | (1 << 19) | (1 << 20) | (1 << 21) | (1 << 22)

// Capabilities decodes the CCCR Card Capability register (address 8).
// Bit 5 (E4MI) is an enable rather than a capability and is not surfaced.
type Capabilities struct {
	SDC  bool // support direct command (CMD52)
	SMB  bool // support multiple block transfer
	SRW  bool // support read wait
	SBS  bool // support bus control (suspend/resume)
	S4MI bool // support 4-bit block gap interrupt
	LSC  bool // low-speed card
	B4LS bool // 4-bit low-speed support
}

// Host is the command-response controller: it composes frames, drives them
// through a phy.PHY, validates responses, and tracks the state the SDIO
// initialization sequence discovers.
type Host struct {
	phy    phy.PHY
	clock  *bus.Clock
	logger *slog.Logger
	native bool
	regs   *regmap.Table
	ocr    uint32

	mu         sync.Mutex
	rcaSet     bool
	rca        uint16
	caps       Capabilities
	fnCISAddr  [maxFunctions]uint32
	fnMaxBlock [maxFunctions]uint16
	fnCount    int
	cisData    []byte
}

// Option configures a Host at construction time.
type Option func(*Host)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(h *Host) { h.logger = l } }

// WithSPIMode puts the host in SPI mode rather than the native default: CRC7
// and R6/R1b native response checking are skipped in favor of embedded SPI
// R1 error-bit checking, and the CMD3/CMD7 RCA handshake is skipped entirely
// during Init.
func WithSPIMode() Option { return func(h *Host) { h.native = false } }

// WithRegisterTable supplies an external register-name table for
// DumpRegisters, overriding pkg/regmap's built-in names.
func WithRegisterTable(t *regmap.Table) Option { return func(h *Host) { h.regs = t } }

// WithOCR overrides the 24-bit OCR voltage-window pattern CMD5 sends, for
// harnesses that drive a DUT requiring a window other than ~3.3V.
func WithOCR(ocr uint32) Option { return func(h *Host) { h.ocr = ocr } }

// New builds a Host bound to clock and phy. Discovered state starts
// uninitialized, matching init_state() at construction.
func New(clock *bus.Clock, p phy.PHY, opts ...Option) *Host {
	h := &Host{
		phy:    p,
		clock:  clock,
		native: true,
		logger: slog.Default(),
		ocr:    cmd5DefaultOCR,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("service", "[HOST]")
	h.initState()
	return h
}

// initState (re)initializes all discovered state to its pre-init values,
// shared by New and SoftReset.
func (h *Host) initState() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rcaSet = false
	h.rca = 0
	h.caps = Capabilities{}
	h.fnCISAddr = [maxFunctions]uint32{}
	h.fnMaxBlock = [maxFunctions]uint16{}
	h.fnCount = 1
	h.cisData = nil
}

// RCA returns the discovered relative card address, and whether CMD3 has
// run yet (native mode only; SPI mode never assigns one).
func (h *Host) RCA() (uint16, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rca, h.rcaSet
}

// Capabilities returns the decoded Card Capability register.
func (h *Host) Capabilities() Capabilities {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps
}

// FunctionCount returns the number of discovered functions, including
// function 0 (initially 1, grown by Init's FBR walk).
func (h *Host) FunctionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fnCount
}

// MaxBlockSize returns fn's discovered maximum block size, or 0 if Init has
// not run or fn was not discovered.
func (h *Host) MaxBlockSize(fn int) uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn < 0 || fn >= maxFunctions {
		return 0
	}
	return h.fnMaxBlock[fn]
}

// CISAddr returns fn's discovered CIS pointer.
func (h *Host) CISAddr(fn int) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn < 0 || fn >= maxFunctions {
		return 0
	}
	return h.fnCISAddr[fn]
}

// quietPeriod waits 4 falling edges so any in-flight bus activity settles
// before a protocol/response/data error is raised to the harness.
func (h *Host) quietPeriod(ctx context.Context) error {
	for i := 0; i < 4; i++ {
		if err := waitEdge(ctx, h.clock.Falling()); err != nil {
			return err
		}
	}
	return nil
}

func waitEdge(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkCardStatus inspects the R1 card-status subfield for the fatal error
// bits, and for CURRENT_STATE != 0xF, which an SDIO card must report in
// every R1 context.
func (h *Host) checkCardStatus(ctx context.Context, cmdNum uint8, cs sdio.CardStatus) error {
	switch {
	case cs.OutOfRange():
		return h.responseErr(ctx, cmdNum, sdio.ErrCardStatus)
	case cs.ComCRCError():
		return h.responseErr(ctx, cmdNum, sdio.ErrCardStatus)
	case cs.IllegalCmd():
		return h.responseErr(ctx, cmdNum, sdio.ErrCardStatus)
	case cs.GeneralError():
		return h.responseErr(ctx, cmdNum, sdio.ErrCardStatus)
	case !cs.CurrentStateOK():
		return h.responseErr(ctx, cmdNum, sdio.ErrCardStatus)
	}
	return nil
}

// checkSPIR1 inspects the embedded SPI R1 error bits: param,
// function-number, CRC, illegal instruction.
func (h *Host) checkSPIR1(ctx context.Context, cmdNum uint8, r1 sdio.SPIR1) error {
	switch {
	case r1.ParamError():
		return h.responseErr(ctx, cmdNum, sdio.ErrSPIR1)
	case r1.FnNumberError():
		return h.responseErr(ctx, cmdNum, sdio.ErrSPIR1)
	case r1.CRCError():
		return h.responseErr(ctx, cmdNum, sdio.ErrSPIR1)
	case r1.IllegalCmd():
		return h.responseErr(ctx, cmdNum, sdio.ErrSPIR1)
	}
	return nil
}

// checkR5Flags inspects the CMD52/53 response flag byte: COM_CRC_ERROR,
// ILLEGAL_COMMAND, ERROR, FUNCTION_NUMBER, OUT_OF_RANGE.
func (h *Host) checkR5Flags(ctx context.Context, cmdNum uint8, flags sdio.R5Flags) error {
	switch {
	case flags.ComCRCError():
		return h.responseErr(ctx, cmdNum, sdio.ErrR5Flag)
	case flags.IllegalCommand():
		return h.responseErr(ctx, cmdNum, sdio.ErrR5Flag)
	case flags.Error():
		return h.responseErr(ctx, cmdNum, sdio.ErrR5Flag)
	case flags.FunctionNumber():
		return h.responseErr(ctx, cmdNum, sdio.ErrR5Flag)
	case flags.OutOfRange():
		return h.responseErr(ctx, cmdNum, sdio.ErrR5Flag)
	}
	return nil
}

func (h *Host) responseErr(ctx context.Context, cmdNum uint8, cause error) error {
	if qerr := h.quietPeriod(ctx); qerr != nil {
		return qerr
	}
	return &sdio.ResponseError{Cmd: cmdNum, Err: cause}
}

func (h *Host) protocolErr(ctx context.Context, cmdNum uint8, cause error) error {
	if qerr := h.quietPeriod(ctx); qerr != nil {
		return qerr
	}
	return &sdio.ProtocolError{Cmd: cmdNum, Err: cause}
}

// validateResponse checks CRC7 and the command-number echo (native mode
// only; SPI responses carry no CRC7), then dispatches to the mode-specific
// status check: card status for native R1/R1b, embedded R1 bits for SPI.
// R5 flags are checked separately by the CMD52/53 callers.
func (h *Host) validateResponse(ctx context.Context, cmdNum uint8, resp *sdio.ResponseFrame) error {
	if !h.native {
		return h.checkSPIR1(ctx, cmdNum, sdio.SPIR1FromResponse(resp))
	}

	if !resp.CheckCRC7() {
		return h.protocolErr(ctx, cmdNum, sdio.ErrCRCMismatch)
	}
	echoed := resp.CommandNumber()
	if resp.Kind == sdio.R4 {
		if echoed != 0x3F {
			return h.protocolErr(ctx, cmdNum, sdio.ErrReservedField)
		}
	} else if echoed != cmdNum {
		return h.protocolErr(ctx, cmdNum, sdio.ErrCommandEcho)
	}
	if resp.Kind == sdio.R1 || resp.Kind == sdio.R1b {
		if err := h.checkCardStatus(ctx, cmdNum, sdio.CardStatusFromResponse(resp)); err != nil {
			return err
		}
	}
	return nil
}

// exchange acquires the command lease, sends cmdNum with arg, awaits and
// validates the response, releases the lease, and returns the validated
// response (nil if the command expects none, e.g. native-mode CMD0/4/15).
func (h *Host) exchange(ctx context.Context, cmdNum uint8, arg uint32, timeoutPossible bool) (*sdio.ResponseFrame, error) {
	if err := h.phy.AcquireCmdLock(ctx); err != nil {
		return nil, err
	}
	defer h.phy.ReleaseCmdLock()

	frame := sdio.NewCommandFrame(h.logger, cmdNum)
	frame.SetArgument(arg)
	if err := h.phy.SendCmd(ctx, frame); err != nil {
		return nil, err
	}
	resp, err := h.phy.GetCmdResponseBits(ctx, cmdNum, 0, timeoutPossible)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	if err := h.validateResponse(ctx, cmdNum, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
