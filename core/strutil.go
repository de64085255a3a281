package core

// Number formatting without the fmt package, so the driver stays small on
// TinyGo targets.

// Itoa converts an integer to its decimal string
func Itoa(n int) string {
	if n == 0 {
		return "0"
	}

	negative := n < 0
	u := uint(n)
	if negative {
		u = uint(-n)
	}

	// Build string from right to left
	var buf [24]byte
	pos := len(buf)
	for u > 0 {
		pos--
		buf[pos] = byte('0' + u%10)
		u /= 10
	}

	if negative {
		pos--
		buf[pos] = '-'
	}

	return string(buf[pos:])
}

// btoa renders v in binary. width pads with leading zeros; 0 means no padding.
func btoa(v uint16, width int) string {
	var buf [16]byte
	pos := len(buf)
	for v > 0 || pos == len(buf) {
		pos--
		buf[pos] = '0' + byte(v&0x1)
		v >>= 1
	}
	for len(buf)-pos < width {
		pos--
		buf[pos] = '0'
	}
	return string(buf[pos:])
}

const hexDigits = "0123456789ABCDEF"

// hex16 renders v as four upper-case hex digits
func hex16(v uint16) string {
	return string([]byte{
		hexDigits[v>>12&0xF],
		hexDigits[v>>8&0xF],
		hexDigits[v>>4&0xF],
		hexDigits[v&0xF],
	})
}
