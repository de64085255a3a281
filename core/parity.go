package core

// EvenParity returns the bit that makes the total number of set bits in
// value plus that bit even: 1 if value has an odd popcount, else 0.
func EvenParity(value uint16) uint16 {
	var cnt uint16
	for i := 0; i < 16; i++ {
		cnt += value & 0x1
		value >>= 1
	}
	return cnt & 0x1
}

// withParity sets bit 15 of a 15-bit word to its even parity.
func withParity(word uint16) uint16 {
	word &^= ParityBit
	return word | EvenParity(word)<<15
}

// ReadCommand builds the parity-protected frame that requests reg.
func ReadCommand(reg Register) uint16 {
	return withParity(ReadBit | uint16(reg)&DataMask)
}

// WriteCommand builds the parity-protected frame that announces a write to reg.
func WriteCommand(reg Register) uint16 {
	return withParity(uint16(reg) & DataMask)
}

// DataFrame builds the parity-protected frame carrying a 14-bit data value.
func DataFrame(data uint16) uint16 {
	return withParity(data & DataMask)
}

// splitWord returns the high and low bytes of a frame, in wire order.
func splitWord(word uint16) (byte, byte) {
	return byte(word >> 8), byte(word)
}

// joinWord assembles a frame from its wire-order bytes.
func joinWord(high, low byte) uint16 {
	return uint16(high)<<8 | uint16(low)
}

// stripHeader removes the parity and error bits from a response.
func stripHeader(word uint16) uint16 {
	return word &^ headerMask
}
