package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"

	"as5048a/core"
	"as5048a/protocol"
)

// SPI device flags, as Klipper firmware keeps them
const (
	flagCSActiveHigh = 0x02
	flagHavePin      = 0x04
)

// DefaultClockFreq is the CLOCK_FREQ the simulated MCU reports.
const DefaultClockFreq = 12000000

var ErrNoDevice = errors.New("sim: no spi device with that oid")

// SPIState is the configuration the host sent for one oid.
type SPIState struct {
	OID    uint8
	Pin    uint32
	Flags  uint8
	Bus    uint32
	Mode   uint8
	Rate   uint32
	frames core.FrameBus
}

// MCU emulates the subset of Klipper firmware the host needs to reach SPI
// sensors: identify, config handling and the spi_* commands. Sensors are
// attached to chip select pins before Serve.
type MCU struct {
	mu sync.Mutex

	reg       *registry
	clockFreq uint32
	dict      []byte

	attached  map[uint32]core.Bus // by chip select pin
	devices   map[uint8]*SPIState
	oidCount  uint32
	configCRC uint32
	transport *protocol.Transport
}

// NewMCU builds the command table and the compressed dictionary.
func NewMCU() (*MCU, error) {
	m := &MCU{
		reg:       newRegistry(),
		clockFreq: DefaultClockFreq,
		attached:  make(map[uint32]core.Bus),
		devices:   make(map[uint8]*SPIState),
	}

	// identify_response and identify must be IDs 0 and 1
	m.reg.register("identify_response", "offset=%u data=%.*s", nil)
	m.reg.register("identify", "offset=%u count=%c", m.handleIdentify)

	m.reg.register("get_config", "", m.handleGetConfig)
	m.reg.register("config_reset", "", m.handleConfigReset)
	m.reg.register("finalize_config", "crc=%u", m.handleFinalizeConfig)
	m.reg.register("allocate_oids", "count=%c", m.handleAllocateOids)
	m.reg.register("config_spi", "oid=%c pin=%u cs_active_high=%c", m.handleConfigSPI)
	m.reg.register("config_spi_without_cs", "oid=%c", m.handleConfigSPIWithoutCS)
	m.reg.register("spi_set_bus", "oid=%c spi_bus=%u mode=%u rate=%u", m.handleSPISetBus)
	m.reg.register("spi_transfer", "oid=%c data=%*s", m.handleSPITransfer)
	m.reg.register("spi_send", "oid=%c data=%*s", m.handleSPISend)

	m.reg.register("config", "is_config=%c crc=%u is_shutdown=%c move_count=%hu", nil)
	m.reg.register("spi_transfer_response", "oid=%c response=%*s", nil)

	dict, err := compressDictionary(m.reg.dictionary(m.clockFreq))
	if err != nil {
		return nil, fmt.Errorf("failed to build dictionary: %w", err)
	}
	m.dict = dict
	return m, nil
}

// AttachSPI wires bus to the chip select pin a host will name in config_spi.
func (m *MCU) AttachSPI(pin uint32, bus core.Bus) {
	m.mu.Lock()
	m.attached[pin] = bus
	m.mu.Unlock()
}

// Device returns the configuration received for oid.
func (m *MCU) Device(oid uint8) (SPIState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[oid]
	if !ok {
		return SPIState{}, false
	}
	return *dev, true
}

// ConfigCRC returns the crc of the last finalize_config, 0 when unconfigured.
func (m *MCU) ConfigCRC() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configCRC
}

// Serve speaks the protocol on conn until it is closed or ctx ends.
// Only one connection may be served at a time.
func (m *MCU) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	output := protocol.NewScratchOutput()
	tr := protocol.NewTransport(output, m.dispatch)

	var writeErr error
	tr.SetFlushCallback(func() {
		if writeErr == nil {
			_, writeErr = conn.Write(output.Result())
		}
		output.Reset()
	})
	tr.SetResetCallback(func() {
		glog.V(1).Info("sim: host restarted its sequence")
	})

	m.mu.Lock()
	m.transport = tr
	m.mu.Unlock()

	rx := protocol.NewRxBuffer(protocol.MessageMax)
	buf := make([]byte, protocol.MessageLengthMax)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			rx.Write(buf[:n])
			tr.Receive(rx)
		}
		if writeErr != nil {
			err = writeErr
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func (m *MCU) dispatch(cmdID uint16, data *[]byte) error {
	err := m.reg.dispatch(cmdID, data)
	if err != nil {
		glog.Warningf("sim: command %d failed: %v", cmdID, err)
	}
	return err
}

func (m *MCU) respond(name string, args func(output protocol.OutputBuffer)) {
	m.transport.SendCommand(m.reg.id(name), args)
}

// decodeArgs pulls n VLQ integers off data
func decodeArgs(data *[]byte, n int) ([]uint32, error) {
	args := make([]uint32, n)
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (m *MCU) handleIdentify(data *[]byte) error {
	args, err := decodeArgs(data, 2)
	if err != nil {
		return err
	}
	offset, count := args[0], uint8(args[1])

	m.respond("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk(m.dict, offset, count))
	})
	return nil
}

func (m *MCU) handleGetConfig(data *[]byte) error {
	m.mu.Lock()
	crc := m.configCRC
	m.mu.Unlock()

	var isConfig uint32
	if crc != 0 {
		isConfig = 1
	}
	m.respond("config", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, isConfig)
		protocol.EncodeVLQUint(output, crc)
		protocol.EncodeVLQUint(output, 0) // is_shutdown
		protocol.EncodeVLQUint(output, 16)
	})
	return nil
}

func (m *MCU) handleConfigReset(data *[]byte) error {
	m.mu.Lock()
	m.configCRC = 0
	m.oidCount = 0
	m.devices = make(map[uint8]*SPIState)
	m.mu.Unlock()
	return nil
}

func (m *MCU) handleFinalizeConfig(data *[]byte) error {
	crc, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.configCRC = crc
	m.mu.Unlock()
	return nil
}

func (m *MCU) handleAllocateOids(data *[]byte) error {
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.oidCount = count
	m.mu.Unlock()
	return nil
}

func (m *MCU) handleConfigSPI(data *[]byte) error {
	args, err := decodeArgs(data, 3)
	if err != nil {
		return err
	}
	oid, pin, activeHigh := uint8(args[0]), args[1], args[2] != 0

	m.mu.Lock()
	defer m.mu.Unlock()
	if uint32(oid) >= m.oidCount {
		return fmt.Errorf("oid %d not allocated", oid)
	}

	dev := &SPIState{OID: oid, Pin: pin, Flags: flagHavePin}
	if activeHigh {
		dev.Flags |= flagCSActiveHigh
	}
	if bus, ok := m.attached[pin]; ok {
		dev.frames = core.Frames(bus)
	}
	m.devices[oid] = dev
	glog.V(2).Infof("sim: config_spi oid=%d pin=%d cs_active_high=%t", oid, pin, activeHigh)
	return nil
}

func (m *MCU) handleConfigSPIWithoutCS(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.devices[uint8(oid)] = &SPIState{OID: uint8(oid)}
	m.mu.Unlock()
	return nil
}

func (m *MCU) handleSPISetBus(data *[]byte) error {
	args, err := decodeArgs(data, 4)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[uint8(args[0])]
	if !ok {
		return ErrNoDevice
	}
	if args[2] > 3 {
		return fmt.Errorf("invalid spi mode %d", args[2])
	}
	dev.Bus = args[1]
	dev.Mode = uint8(args[2])
	dev.Rate = args[3]
	return nil
}

// transfer clocks tx through the device on oid. Pins with nothing attached
// read back as a floating MISO line pulled high.
func (m *MCU) transfer(oid uint8, tx []byte) ([]byte, error) {
	m.mu.Lock()
	dev, ok := m.devices[oid]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoDevice
	}

	rx := make([]byte, len(tx))
	if dev.frames == nil {
		for i := range rx {
			rx[i] = 0xFF
		}
		return rx, nil
	}
	if err := dev.frames.TxFrame(tx, rx); err != nil {
		return nil, err
	}
	return rx, nil
}

func (m *MCU) handleSPITransfer(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	tx, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	rx, err := m.transfer(uint8(oid), tx)
	if err != nil {
		return err
	}

	m.respond("spi_transfer_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQBytes(output, rx)
	})
	return nil
}

func (m *MCU) handleSPISend(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	tx, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	_, err = m.transfer(uint8(oid), tx)
	return err
}
