package crc

// InterleaveLanes splits a byte stream into the four per-lane symbol streams
// D3..D0 drive in 4-bit bus mode. Each source byte contributes one symbol
// (two bits) to each lane; four symbols pack into one lane byte, MSB-first
// within that byte. A partial tail (fewer than 4 source bytes since the last
// flush) is still emitted, left-justified, matching the wire behaviour of a
// block whose length isn't a multiple of 4 bytes.
//
// Bit layout per source byte: D3 gets {bit7,bit3}, D2 gets {bit6,bit2},
// D1 gets {bit5,bit1}, D0 gets {bit4,bit0}.
func InterleaveLanes(data []byte) (d0, d1, d2, d3 []byte) {
	var b0, b1, b2, b3 byte
	for i, b := range data {
		shift := uint(6 - 2*(i%4))
		b0 |= pair(b, 4, 0) << shift
		b1 |= pair(b, 5, 1) << shift
		b2 |= pair(b, 6, 2) << shift
		b3 |= pair(b, 7, 3) << shift
		if i%4 == 3 {
			d0, d1, d2, d3 = append(d0, b0), append(d1, b1), append(d2, b2), append(d3, b3)
			b0, b1, b2, b3 = 0, 0, 0, 0
		}
	}
	if len(data)%4 != 0 {
		d0, d1, d2, d3 = append(d0, b0), append(d1, b1), append(d2, b2), append(d3, b3)
	}
	return
}

// pair returns {byte[hi],byte[lo]} as a 2-bit value.
func pair(b byte, hi, lo uint) byte {
	return (((b >> hi) & 1) << 1) | ((b >> lo) & 1)
}

// DeinterleaveByte reconstructs one source byte from two consecutive 4-bit
// lane symbols (upper nibble then lower nibble), the inverse of the
// transmit-side bit placement InterleaveLanes uses.
func DeinterleaveByte(upper, lower [4]uint8) byte {
	var b byte
	b |= upper[3] << 7
	b |= upper[2] << 6
	b |= upper[1] << 5
	b |= upper[0] << 4
	b |= lower[3] << 3
	b |= lower[2] << 2
	b |= lower[1] << 1
	b |= lower[0] << 0
	return b
}
