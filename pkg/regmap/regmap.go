// Package regmap holds the register-name tables used for pretty-printing: a
// static CCCR/FBR byte-address-to-name lookup, with an optional external
// override loaded from an INI file. It is a standalone lookup, deliberately
// kept out of the host's hot path.
package regmap

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// Register names a byte offset within the CCCR register file (function 0)
// or a function's FBR window.
type Register struct {
	Addr uint16
	Name string
	Bin  bool // pretty-print in binary rather than hex
}

// CCCRs is the built-in CCCR table.
var CCCRs = []Register{
	{0, "CCCR/SDIO revision", false},
	{1, "SD spec revision", false},
	{2, "I/O enables", true},
	{3, "I/O ready", true},
	{4, "Int enable", true},
	{5, "Int pending", true},
	{6, "I/O abort", true},
	{7, "Bus interface control", true},
	{8, "Card capability", true},
	{9, "Common CIS pointer byte 0", false},
	{10, "Common CIS pointer byte 1", false},
	{11, "Common CIS pointer byte 2", false},
	{16, "FN0 block size byte 0", false},
	{17, "FN0 block size byte 1", false},
}

// FBRs is the built-in per-function FBR table, offsets relative to the
// function's base address fn<<8.
var FBRs = []Register{
	{0, "Standard function code", false},
	{9, "Function CIS pointer byte 0", false},
	{10, "Function CIS pointer byte 1", false},
	{11, "Function CIS pointer byte 2", false},
	{16, "Function I/O block size byte 0", false},
	{17, "Function I/O block size byte 1", false},
}

// FBRBase returns the CIA base address of function fn's FBR window.
func FBRBase(fn int) uint16 { return uint16(fn) << 8 }

// CCCRName returns the register name at a CCCR byte address, or "" if
// unknown.
func CCCRName(addr uint16) string {
	for _, r := range CCCRs {
		if r.Addr == addr {
			return r.Name
		}
	}
	return ""
}

// FBRName returns the register name at an FBR byte offset (relative to the
// function's base), or "" if unknown.
func FBRName(offset uint16) string {
	for _, r := range FBRs {
		if r.Addr == offset {
			return r.Name
		}
	}
	return ""
}

// Table is a loaded external register name table: CCCR and FBR names keyed
// by address/offset, overriding or extending the built-in tables.
type Table struct {
	CCCR map[uint16]string
	FBR  map[uint16]string
}

// Load reads an external register-name table from an INI file: a [CCCR]
// section maps hex addresses to names, an [FBR] section maps hex offsets to
// names.
//
//	[CCCR]
//	0x07 = Bus interface control
//	[FBR]
//	0x00 = Standard function code
func Load(path string) (*Table, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("regmap: loading %s: %w", path, err)
	}
	t := &Table{CCCR: map[uint16]string{}, FBR: map[uint16]string{}}
	if sec, err := f.GetSection("CCCR"); err == nil {
		for _, key := range sec.Keys() {
			addr, err := strconv.ParseUint(key.Name(), 0, 16)
			if err == nil {
				t.CCCR[uint16(addr)] = key.Value()
			}
		}
	}
	if sec, err := f.GetSection("FBR"); err == nil {
		for _, key := range sec.Keys() {
			off, err := strconv.ParseUint(key.Name(), 0, 16)
			if err == nil {
				t.FBR[uint16(off)] = key.Value()
			}
		}
	}
	return t, nil
}

// CCCRName looks up addr in the external table, falling back to the
// built-in table.
func (t *Table) CCCRName(addr uint16) string {
	if t != nil {
		if name, ok := t.CCCR[addr]; ok {
			return name
		}
	}
	return CCCRName(addr)
}

// FBRName looks up offset in the external table, falling back to the
// built-in table.
func (t *Table) FBRName(offset uint16) string {
	if t != nil {
		if name, ok := t.FBR[offset]; ok {
			return name
		}
	}
	return FBRName(offset)
}
