package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/spi/spitest"
)

// fakeSPI is a drivers.SPI that answers from a byte queue and records
// what was sent.
type fakeSPI struct {
	sent    []byte
	answers []byte
	txCalls int
	txErr   error
}

func (s *fakeSPI) next() byte {
	if len(s.answers) == 0 {
		return 0
	}
	b := s.answers[0]
	s.answers = s.answers[1:]
	return b
}

func (s *fakeSPI) Transfer(b byte) (byte, error) {
	s.sent = append(s.sent, b)
	return s.next(), nil
}

func (s *fakeSPI) Tx(w, r []byte) error {
	s.txCalls++
	if s.txErr != nil {
		return s.txErr
	}
	for i := range w {
		s.sent = append(s.sent, w[i])
		r[i] = s.next()
	}
	return nil
}

// csRecorder records pin levels
type csRecorder struct {
	levels []bool
}

func (c *csRecorder) set(level bool) {
	c.levels = append(c.levels, level)
}

func TestSPIBusByteLevel(t *testing.T) {
	spi := &fakeSPI{answers: []byte{0, 0, 0x40, 0x2A}}
	cs := &csRecorder{}
	bus := NewSPIBus(spi, cs.set, false)

	dev := New(bus)
	value, err := dev.Read(RegAngle)
	require.NoError(t, err)
	require.Equal(t, uint16(0x2A), value)
	require.True(t, dev.Error())

	require.Equal(t, []byte{0xFF, 0xFF, 0x00, 0x00}, spi.sent)
	require.Zero(t, spi.txCalls)
	// Idle high on creation, then low/high around each frame
	require.Equal(t, []bool{true, false, true, false, true}, cs.levels)
}

func TestSPIBusFrames(t *testing.T) {
	spi := &fakeSPI{answers: []byte{0, 0, 0x00, 0x2A}}
	cs := &csRecorder{}
	bus := NewSPIBus(spi, cs.set, true)

	dev := NewFrame(bus)
	value, err := dev.Read(RegAngle)
	require.NoError(t, err)
	require.Equal(t, uint16(0x2A), value)
	require.False(t, dev.Error())

	require.Equal(t, 2, spi.txCalls)
	// Active high chip select
	require.Equal(t, []bool{false, true, false, true, false}, cs.levels)

	require.ErrorIs(t, bus.TxFrame(make([]byte, 1), nil), ErrFrameLength)
}

func TestSPIBusReleasesSelectOnError(t *testing.T) {
	busErr := errors.New("spi fault")
	spi := &fakeSPI{txErr: busErr}
	cs := &csRecorder{}
	bus := NewSPIBus(spi, cs.set, false)

	_, err := NewFrame(bus).Read(RegAngle)
	require.ErrorIs(t, err, busErr)
	require.Equal(t, []bool{true, false, true}, cs.levels)
}

func TestPeriphBus(t *testing.T) {
	port := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0xFF, 0xFF}, R: []byte{0x00, 0x00}},
				{W: []byte{0x00, 0x00}, R: []byte{0x12, 0x34}},
				{W: []byte{0x7F, 0xFD}, R: []byte{0x00, 0x00}},
				{W: []byte{0x00, 0x00}, R: []byte{0x41, 0x80}},
			},
			DontPanic: true,
		},
	}

	bus, err := NewPeriphBus(port, DefaultConfig())
	require.NoError(t, err)

	dev := NewFrame(bus)
	raw, err := dev.RawRotation()
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), raw)

	gain, err := dev.Gain()
	require.NoError(t, err)
	require.Equal(t, uint8(0x80), gain)
	require.True(t, dev.Error())

	require.NoError(t, port.Close())
}

func TestPeriphBusInvalidMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = 4
	_, err := NewPeriphBus(&spitest.Playback{}, cfg)
	require.Error(t, err)
}
