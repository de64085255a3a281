package core

import (
	"errors"
	"math/bits"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// scriptBus is a byte-level Bus that records every select window and
// answers window n with replies[n].
type scriptBus struct {
	frames  [][]byte
	cur     []byte
	selects []bool
	replies [][]byte
	failAt  int // Window whose first transfer fails, -1 = never
	err     error
}

func newScriptBus(replies ...[]byte) *scriptBus {
	return &scriptBus{replies: replies, failAt: -1}
}

func (b *scriptBus) Select(active bool) error {
	b.selects = append(b.selects, active)
	if active {
		b.cur = nil
	} else {
		b.frames = append(b.frames, b.cur)
	}
	return nil
}

func (b *scriptBus) Transfer(out byte) (byte, error) {
	window := len(b.frames)
	if window == b.failAt {
		return 0, b.err
	}
	idx := len(b.cur)
	b.cur = append(b.cur, out)
	if window < len(b.replies) && idx < len(b.replies[window]) {
		return b.replies[window][idx], nil
	}
	return 0, nil
}

// readReply scripts a read whose response window returns high, low.
func readReply(high, low byte) [][]byte {
	return [][]byte{{0, 0}, {high, low}}
}

func TestEvenParity(t *testing.T) {
	require.Equal(t, uint16(0), EvenParity(0x0000))
	require.Equal(t, uint16(1), EvenParity(0x0001))
	require.Equal(t, uint16(0), EvenParity(0x0003))
	require.Equal(t, uint16(0), EvenParity(0xFFFF))

	for w := 0; w <= 0xFFFF; w++ {
		total := bits.OnesCount16(uint16(w)) + int(EvenParity(uint16(w)))
		if total%2 != 0 {
			t.Fatalf("parity of 0x%04X leaves an odd bit count", w)
		}
	}
}

func TestCommandFraming(t *testing.T) {
	testCases := []struct {
		name    string
		command uint16
		expect  uint16
	}{
		{"read angle", ReadCommand(RegAngle), 0xFFFF},
		{"write angle", WriteCommand(RegAngle), 0x3FFF},
		{"read clear error flag", ReadCommand(RegClearErrorFlag), 0x4001},
		{"read diag agc", ReadCommand(RegDiagAGC), 0x7FFD},
		{"write otp zero high", WriteCommand(RegOTPZeroPosHigh), 0x8016},
		{"data masked to 14 bits", DataFrame(0xFFFF), 0x3FFF},
		{"data with parity", DataFrame(0x0001), 0x8001},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, tc.command)
		})
	}

	require.NotZero(t, ReadCommand(RegAngle)&ReadBit)
	require.Zero(t, WriteCommand(RegAngle)&ReadBit)
}

func TestReadFraming(t *testing.T) {
	bus := newScriptBus(readReply(0x00, 0x2A)...)
	dev := New(bus)

	value, err := dev.Read(RegAngle)
	require.NoError(t, err)
	require.Equal(t, uint16(0x002A), value)
	require.False(t, dev.Error())

	// Command in the first window, two zero bytes in the second
	require.Equal(t, [][]byte{{0xFF, 0xFF}, {0x00, 0x00}}, bus.frames)
	require.Equal(t, []bool{true, false, true, false}, bus.selects)
}

func TestReadErrorFlag(t *testing.T) {
	bus := newScriptBus(append(readReply(0x40, 0x00), readReply(0x00, 0x2A)...)...)
	dev := New(bus)

	value, err := dev.Read(RegAngle)
	require.NoError(t, err)
	require.Equal(t, uint16(0), value)
	require.True(t, dev.Error())

	value, err = dev.Read(RegAngle)
	require.NoError(t, err)
	require.Equal(t, uint16(0x002A), value)
	require.False(t, dev.Error())
}

func TestReadStripsHeader(t *testing.T) {
	testCases := []struct {
		high, low byte
		expect    uint16
		errFlag   bool
	}{
		{0xFF, 0xFF, 0x3FFF, true},
		{0x80, 0x01, 0x0001, false},
		{0xC0, 0x00, 0x0000, true},
		{0x3F, 0xFF, 0x3FFF, false},
		{0x12, 0x34, 0x1234, false},
	}

	for _, tc := range testCases {
		dev := New(newScriptBus(readReply(tc.high, tc.low)...))
		value, err := dev.Read(RegMagnitude)
		require.NoError(t, err)
		require.Equal(t, tc.expect, value)
		require.LessOrEqual(t, value, uint16(DataMask))
		require.Equal(t, tc.errFlag, dev.Error())
	}
}

func TestWriteFraming(t *testing.T) {
	bus := newScriptBus([]byte{0, 0}, []byte{0, 0}, []byte{0xC0, 0x12})
	dev := New(bus)

	value, err := dev.Write(RegOTPZeroPosHigh, 0x12)
	require.NoError(t, err)
	require.Equal(t, uint16(0x12), value)

	require.Equal(t, [][]byte{
		{0x80, 0x16}, // write command with parity
		{0x00, 0x12}, // data
		{0x00, 0x00}, // read back
	}, bus.frames)
	require.Equal(t, []bool{true, false, true, false, true, false}, bus.selects)
}

func TestWriteMasksData(t *testing.T) {
	bus := newScriptBus()
	dev := New(bus)

	_, err := dev.Write(RegOTPZeroPosLow, 0xFFFF)
	require.NoError(t, err)
	require.Equal(t, []byte{0x3F, 0xFF}, bus.frames[1])
}

func TestWriteLeavesErrorFlag(t *testing.T) {
	replies := readReply(0x40, 0x00)
	replies = append(replies, []byte{0, 0}, []byte{0, 0}, []byte{0x00, 0x05})
	dev := New(newScriptBus(replies...))

	_, err := dev.Read(RegAngle)
	require.NoError(t, err)
	require.True(t, dev.Error())

	value, err := dev.Write(RegOTPZeroPosLow, 0x05)
	require.NoError(t, err)
	require.Equal(t, uint16(0x05), value)
	require.True(t, dev.Error())

	// And an error bit in the read back does not set it either
	dev = New(newScriptBus([]byte{0, 0}, []byte{0, 0}, []byte{0x40, 0x05}))
	_, err = dev.Write(RegOTPZeroPosLow, 0x05)
	require.NoError(t, err)
	require.False(t, dev.Error())
}

func TestBusFailure(t *testing.T) {
	errBus := errors.New("bus gone")

	bus := newScriptBus(append(readReply(0x40, 0x00), readReply(0x00, 0x01)...)...)
	dev := New(bus)
	_, err := dev.Read(RegAngle)
	require.NoError(t, err)
	require.True(t, dev.Error())

	// Fail in the response window of the next read
	bus.failAt = 3
	bus.err = errBus
	value, err := dev.Read(RegAngle)
	require.ErrorIs(t, err, errBus)
	require.Zero(t, value)
	require.True(t, dev.Error(), "error flag must not change on a bus failure")

	// Select was released after the failed transfer
	require.False(t, bus.selects[len(bus.selects)-1])
}

func TestFrameLength(t *testing.T) {
	err := byteFrames{bus: newScriptBus()}.TxFrame(make([]byte, 2), make([]byte, 1))
	require.ErrorIs(t, err, ErrFrameLength)
}

func TestRelativeRotation(t *testing.T) {
	testCases := []struct {
		raw, zero uint16
		expect    int
	}{
		{0, 0, 0},
		{100, 0, 100},
		{8191, 0, 8191},
		{8192, 0, -8191},
		{8193, 0, -8190},
		{16383, 0, 0},
		{0, 100, -100},
		{100, 16000, -15900},
		{9000, 1000, 8000},
		{9300, 1000, -8083},
	}

	for _, tc := range testCases {
		require.Equalf(t, tc.expect, RelativeRotation(tc.raw, tc.zero), "raw=%d zero=%d", tc.raw, tc.zero)
	}
}

func TestRotation(t *testing.T) {
	// raw 8193 = 0x2001
	dev := New(newScriptBus(readReply(0x20, 0x01)...))
	rotation, err := dev.Rotation()
	require.NoError(t, err)
	require.Equal(t, -8190, rotation)

	dev = New(newScriptBus(readReply(0x00, 0x64)...))
	dev.SetZeroPosition(50)
	rotation, err = dev.Rotation()
	require.NoError(t, err)
	require.Equal(t, 50, rotation)
}

func TestZeroPosition(t *testing.T) {
	dev := New(newScriptBus())
	require.Equal(t, uint16(0), dev.ZeroPosition())

	testCases := []struct {
		set, expect uint16
	}{
		{5, 5},
		{16383, 16383},
		{16384, 0},
		{20000, 3616},
		{0xFFFF, 0x3FFF},
	}
	for _, tc := range testCases {
		dev.SetZeroPosition(tc.set)
		require.Equal(t, tc.expect, dev.ZeroPosition())
	}
}

func TestStateAndGain(t *testing.T) {
	bus := newScriptBus(append(readReply(0x01, 0x7F), readReply(0x01, 0x7F)...)...)
	dev := New(bus)

	state, err := dev.State()
	require.NoError(t, err)
	require.Equal(t, uint16(0x017F), state)
	require.Equal(t, []byte{0x7F, 0xFD}, bus.frames[0])

	gain, err := dev.Gain()
	require.NoError(t, err)
	require.Equal(t, uint8(0x7F), gain)
}

func TestErrorsReadsClearRegister(t *testing.T) {
	bus := newScriptBus(readReply(0x00, 0x04)...)
	dev := New(bus)

	value, err := dev.Errors()
	require.NoError(t, err)
	require.Equal(t, uint16(0x04), value)
	require.Equal(t, []byte{0x40, 0x01}, bus.frames[0])
}

func TestDebugTrace(t *testing.T) {
	var lines DebugLines
	dev := New(newScriptBus(readReply(0x40, 0x2A)...), WithDebug(lines.Writer()))

	_, err := dev.RawRotation()
	require.NoError(t, err)

	joined := strings.Join(lines.Lines, "\n")
	require.Contains(t, joined, "read (ANGLE) with command 0b1111111111111111")
	require.Contains(t, joined, "returned 0b01000000 0b00101010")
	require.Contains(t, joined, "error bit set")
}
