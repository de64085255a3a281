package mcu

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"as5048a/core"
	"as5048a/protocol"
	"as5048a/sim"
)

const sensorPin = 17

func connectSim(t *testing.T) (*MCU, *sim.MCU, *sim.Sensor) {
	t.Helper()

	sensor := sim.NewSensor()
	m, simMCU := connectBus(t, sensor)
	return m, simMCU, sensor
}

// connectBus serves a simulated MCU with bus on sensorPin
func connectBus(t *testing.T, bus core.Bus) (*MCU, *sim.MCU) {
	t.Helper()

	simMCU, err := sim.NewMCU()
	require.NoError(t, err)
	simMCU.AttachSPI(sensorPin, bus)

	hostConn, mcuConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- simMCU.Serve(ctx, mcuConn) }()

	m := NewMCU()
	m.ConnectPort(hostConn)
	t.Cleanup(func() {
		m.Close()
		cancel()
		<-served
	})

	require.NoError(t, m.RetrieveDictionary(context.Background()))
	return m, simMCU
}

// stallingBus holds the next chip select for a while, keeping the MCU
// busy past the host's timeout
type stallingBus struct {
	core.Bus
	stall atomic.Int64
}

func (b *stallingBus) Select(active bool) error {
	if d := b.stall.Swap(0); active && d > 0 {
		time.Sleep(time.Duration(d))
	}
	return b.Bus.Select(active)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(7, "spi_transfer oid=%c data=%*s")
	require.NoError(t, err)
	require.Equal(t, "spi_transfer", f.Name)
	require.Equal(t, uint16(7), f.ID)
	require.Equal(t, []Param{{"oid", "%c"}, {"data", "%*s"}}, f.Params)

	f, err = ParseFormat(3, "get_config")
	require.NoError(t, err)
	require.Empty(t, f.Params)

	_, err = ParseFormat(1, "bad oid")
	require.Error(t, err)
}

func TestFormatEncode(t *testing.T) {
	f, err := ParseFormat(2, "spi_set_bus oid=%c spi_bus=%u mode=%u rate=%u")
	require.NoError(t, err)

	out := protocol.NewScratchOutput()
	require.NoError(t, f.Encode(out, uint8(0), 1, uint8(1), uint32(4000000)))
	require.Equal(t, []byte{0x00, 0x01, 0x01, 0x81, 0xF4, 0x92, 0x00}, out.Result())

	require.Error(t, f.Encode(protocol.NewScratchOutput(), 1, 2))
	require.Error(t, f.Encode(protocol.NewScratchOutput(), "x", 1, 1, 1))
}

func TestFormatDecode(t *testing.T) {
	f, err := ParseFormat(9, "demo oid=%c delta=%i response=%*s")
	require.NoError(t, err)

	params, err := f.Decode([]byte{0x03, 0x7F, 0x02, 0xAB, 0xCD})
	require.NoError(t, err)
	require.Equal(t, uint32(3), params.Uint("oid"))
	require.Equal(t, int32(-1), params["delta"])
	require.Equal(t, []byte{0xAB, 0xCD}, params.Bytes("response"))
	require.Nil(t, params.Bytes("missing"))

	_, err = f.Decode([]byte{0x03})
	require.ErrorIs(t, err, protocol.ErrBufferTooSmall)
}

func TestRetrieveDictionary(t *testing.T) {
	m, _, _ := connectSim(t)

	dict := m.Dictionary()
	require.NotNil(t, dict)
	require.Equal(t, protocol.Version, dict.Version)
	require.True(t, m.HasCommand("spi_transfer"))
	require.False(t, m.HasCommand("get_uptime"))
	require.True(t, bytes.HasPrefix(m.DictionaryRaw(), []byte("{")))

	var buf bytes.Buffer
	m.PrintDictionary(&buf)
	require.Contains(t, buf.String(), "[1] identify offset=%u count=%c")
	require.Contains(t, buf.String(), "MCU = as5048a-sim")
}

func TestSendCommandErrors(t *testing.T) {
	m := NewMCU()
	require.False(t, m.IsConnected())
	require.ErrorIs(t, m.RetrieveDictionary(context.Background()), ErrNotConnected)
	require.ErrorIs(t, m.SendCommand(context.Background(), "get_config"), ErrNotConnected)

	m, _, _ = connectSim(t)
	require.ErrorIs(t, m.SendCommand(context.Background(), "get_uptime"), ErrUnknownCommand)
	require.Error(t, m.SendCommand(context.Background(), "allocate_oids"))
}

func TestConfigureSPI(t *testing.T) {
	m, simMCU, _ := connectSim(t)

	cfg := SPIConfig{OID: 0, CSPin: sensorPin, Bus: 1, Mode: 1, Rate: 4000000}
	dev, err := m.ConfigureSPI(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, uint8(0), dev.OID())

	state, ok := simMCU.Device(0)
	require.True(t, ok)
	require.Equal(t, uint32(sensorPin), state.Pin)
	require.Equal(t, uint32(1), state.Bus)
	require.Equal(t, uint8(1), state.Mode)
	require.Equal(t, cfg.CRC(), simMCU.ConfigCRC())

	// same config again is reused
	_, err = m.ConfigureSPI(context.Background(), cfg)
	require.NoError(t, err)

	// a different one resets the MCU first
	cfg.Rate = 1000000
	_, err = m.ConfigureSPI(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, cfg.CRC(), simMCU.ConfigCRC())

	_, err = m.ConfigureSPI(context.Background(), SPIConfig{Mode: 4})
	require.Error(t, err)
}

func TestSPIDeviceDrivesSensor(t *testing.T) {
	m, _, sensor := connectSim(t)
	m.SetTimeout(time.Second)

	bus, err := m.ConfigureSPI(context.Background(), SPIConfig{CSPin: sensorPin, Mode: 1, Rate: 4000000})
	require.NoError(t, err)

	sensor.SetAngle(300)
	dev := core.NewFrame(bus)

	raw, err := dev.RawRotation()
	require.NoError(t, err)
	require.Equal(t, uint16(300), raw)
	require.False(t, dev.Error())

	dev.SetZeroPosition(400)
	rotation, err := dev.Rotation()
	require.NoError(t, err)
	require.Equal(t, -100, rotation)

	zero, err := dev.WriteZeroPosition(300)
	require.NoError(t, err)
	require.Equal(t, uint16(300), zero)
	require.Equal(t, uint16(300), sensor.ZeroPosition())

	require.ErrorIs(t, bus.TxFrame([]byte{0}, []byte{0, 0}), core.ErrFrameLength)
	require.NoError(t, bus.Send(context.Background(), []byte{0, 0}))
}

func TestUnattachedPinReadsHigh(t *testing.T) {
	m, _, _ := connectSim(t)

	bus, err := m.ConfigureSPI(context.Background(), SPIConfig{OID: 2, CSPin: 3, Mode: 1, Rate: 4000000})
	require.NoError(t, err)

	// all ones: parity and error bits set, payload 0x3FFF
	value, err := core.NewFrame(bus).Read(core.RegAngle)
	require.NoError(t, err)
	require.Equal(t, uint16(0x3FFF), value)
}

func TestTransferAfterTimeout(t *testing.T) {
	sensor := sim.NewSensor()
	stalling := &stallingBus{Bus: sensor}
	m, _ := connectBus(t, stalling)
	require.True(t, m.IsConnected())

	bus, err := m.ConfigureSPI(context.Background(), SPIConfig{CSPin: sensorPin, Mode: 1, Rate: 4000000})
	require.NoError(t, err)
	dev := core.NewFrame(bus)

	sensor.SetAngle(300)
	m.SetTimeout(50 * time.Millisecond)
	stalling.stall.Store(int64(200 * time.Millisecond))

	r := make([]byte, 2)
	err = bus.TxFrame([]byte{0xFF, 0xFF}, r)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the late spi_transfer_response must not answer the next transfers
	m.SetTimeout(time.Second)
	for _, angle := range []uint16{1234, 77, 8000} {
		sensor.SetAngle(angle)
		raw, err := dev.RawRotation()
		require.NoError(t, err)
		require.Equal(t, angle, raw)
	}

	// a timed out Query followed by another Query
	m.SetTimeout(50 * time.Millisecond)
	stalling.stall.Store(int64(200 * time.Millisecond))
	_, err = m.Query(context.Background(), "spi_transfer", "spi_transfer_response", uint8(0), []byte{0, 0})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	m.SetTimeout(time.Second)
	sensor.SetAngle(555)
	raw, err := dev.RawRotation()
	require.NoError(t, err)
	require.Equal(t, uint16(555), raw)
}
