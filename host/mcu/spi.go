package mcu

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/golang/glog"

	"as5048a/core"
)

var ErrConfigMismatch = errors.New("MCU holds a different configuration; restart it")

// SPIConfig describes one SPI device on the MCU
type SPIConfig struct {
	OID          uint8
	CSPin        uint32
	CSActiveHigh bool
	Bus          uint32
	Mode         uint8
	Rate         uint32
}

// configCommands returns the config lines the way they are checksummed
func (c SPIConfig) configCommands() []string {
	activeHigh := 0
	if c.CSActiveHigh {
		activeHigh = 1
	}
	return []string{
		fmt.Sprintf("allocate_oids count=%d", c.OID+1),
		fmt.Sprintf("config_spi oid=%d pin=%d cs_active_high=%d", c.OID, c.CSPin, activeHigh),
		fmt.Sprintf("spi_set_bus oid=%d spi_bus=%d mode=%d rate=%d", c.OID, c.Bus, c.Mode, c.Rate),
	}
}

// CRC is the checksum sent with finalize_config
func (c SPIConfig) CRC() uint32 {
	return crc32.ChecksumIEEE([]byte(strings.Join(c.configCommands(), "\n")))
}

// ConfigureSPI sets up an SPI device and returns a bus for it. An MCU that
// already holds exactly this configuration is reused as is; one holding a
// different configuration is reset when it supports config_reset.
func (m *MCU) ConfigureSPI(ctx context.Context, cfg SPIConfig) (*SPIDevice, error) {
	if cfg.Mode > 3 {
		return nil, fmt.Errorf("invalid spi mode %d", cfg.Mode)
	}
	crc := cfg.CRC()
	dev := &SPIDevice{mcu: m, oid: cfg.OID}

	if _, ok := m.responses["config"]; ok && m.HasCommand("get_config") {
		params, err := m.Query(ctx, "get_config", "config")
		if err != nil {
			return nil, err
		}
		if params.Uint("is_config") != 0 {
			if params.Uint("crc") == crc {
				glog.Infof("MCU already configured (crc %08x)", crc)
				return dev, nil
			}
			if !m.HasCommand("config_reset") {
				return nil, ErrConfigMismatch
			}
			glog.Warningf("MCU configured with crc %08x, resetting", params.Uint("crc"))
			if err := m.SendCommand(ctx, "config_reset"); err != nil {
				return nil, err
			}
		}
	}

	steps := []struct {
		name string
		args []any
	}{
		{"allocate_oids", []any{int(cfg.OID) + 1}},
		{"config_spi", []any{cfg.OID, cfg.CSPin, cfg.CSActiveHigh}},
		{"spi_set_bus", []any{cfg.OID, cfg.Bus, cfg.Mode, cfg.Rate}},
		{"finalize_config", []any{crc}},
	}
	for _, step := range steps {
		if err := m.SendCommand(ctx, step.name, step.args...); err != nil {
			return nil, fmt.Errorf("configure spi oid %d: %w", cfg.OID, err)
		}
	}

	glog.Infof("spi oid %d: cs pin %d, bus %d, mode %d, %d Hz", cfg.OID, cfg.CSPin, cfg.Bus, cfg.Mode, cfg.Rate)
	return dev, nil
}

// SPIDevice is an SPI device behind the MCU. Every TxFrame is one
// spi_transfer, which the MCU wraps in its own chip select window.
type SPIDevice struct {
	mcu *MCU
	oid uint8
}

var _ core.FrameBus = (*SPIDevice)(nil)

// OID returns the object id of the device
func (d *SPIDevice) OID() uint8 {
	return d.oid
}

// TxFrame implements core.FrameBus
func (d *SPIDevice) TxFrame(w, r []byte) error {
	if len(w) != len(r) {
		return core.ErrFrameLength
	}

	params, err := d.mcu.Query(context.Background(), "spi_transfer", "spi_transfer_response", d.oid, w)
	if err != nil {
		return err
	}
	resp := params.Bytes("response")
	if len(resp) != len(r) {
		return fmt.Errorf("spi_transfer: got %d bytes, want %d", len(resp), len(r))
	}
	copy(r, resp)
	return nil
}

// Send clocks w out without waiting for the bytes read back
func (d *SPIDevice) Send(ctx context.Context, w []byte) error {
	return d.mcu.SendCommand(ctx, "spi_send", d.oid, w)
}

func (d *SPIDevice) String() string {
	return fmt.Sprintf("mcu spi oid %d", d.oid)
}
