// Package cis implements the variable-length CIS (Card Information
// Structure) tuple walker: a link-byte state machine over a cached byte
// buffer that extracts per-function maximum block sizes from the FUNCE
// (0x22) tuple. It is a standalone decoder with no bus or host dependency.
package cis

import "github.com/kestrelsim/sdiohost/pkg/sdio"

// maxTupleLen guards against CIS corruption running the parser off the end
// of the buffer.
const maxTupleLen = 100

// endTupleCode marks the end of the tuple chain.
const endTupleCode = 0xFF

// Tuple is one decoded CIS tuple: byte 0 is the tuple code, byte 1 the link
// length, the remainder is the tuple body.
type Tuple []byte

// Code returns the tuple's type byte.
func (t Tuple) Code() byte { return t[0] }

// ParseTuples walks the tuple chain in data starting at addr&0xFF (the CIS
// lives inside the same 256-byte window a caller has already cached): each
// tuple's length byte sets how many more bytes belong to it, and a code of
// 0xFF at position 0 ends the chain.
func ParseTuples(data []byte, addr uint32) ([]Tuple, error) {
	offset := int(addr & 0xFF)
	if offset > len(data) {
		offset = len(data)
	}

	link := -1
	byteOfTuple := 0
	var tuples []Tuple
	var current Tuple

	for _, b := range data[offset:] {
		if link == 0 && byteOfTuple > 0 {
			byteOfTuple = 0
			link--
			tuples = append(tuples, current)
			current = nil
		}

		current = append(current, b)
		if byteOfTuple == 0 && b == endTupleCode {
			break
		}

		if byteOfTuple == 1 {
			if b == 0 {
				return tuples, &sdio.DataError{Err: sdio.ErrMalformedCIS}
			}
			link = int(b) + 1
		}

		byteOfTuple++
		if link > 0 {
			link--
		}

		if byteOfTuple > maxTupleLen {
			return tuples, &sdio.DataError{Err: sdio.ErrTupleRunOn}
		}
	}
	return tuples, nil
}

// funceTupleCode is the CIS tuple code carrying function-specific extension
// data, including maximum block size.
const funceTupleCode = 0x22

// FindFunceMaxBlockSize scans tuples for the FUNCE tuple and returns its
// encoded maximum block size. fn0 selects the function-0 layout, where the
// little-endian size immediately follows the code and link bytes; any other
// function uses the function 1..7 offsets (14/15), per SDIO spec
// §16.7.3/16.7.4.
func FindFunceMaxBlockSize(tuples []Tuple, fn0 bool) (uint16, error) {
	lo, hi := 14, 15
	if fn0 {
		lo, hi = 2, 3
	}
	for _, t := range tuples {
		if t.Code() != funceTupleCode {
			continue
		}
		if len(t) <= hi {
			continue
		}
		return uint16(t[lo]) | uint16(t[hi])<<8, nil
	}
	return 0, &sdio.DataError{Err: sdio.ErrMalformedCIS}
}
