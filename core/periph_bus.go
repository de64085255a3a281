//go:build !tinygo

package core

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// PeriphBus runs the sensor on a periph.io SPI port, typically Linux spidev.
// The kernel driver asserts chip select for the duration of each Tx, so
// PeriphBus is a FrameBus.
type PeriphBus struct {
	conn spi.Conn
}

// periphModes maps SPI modes to periph's constants
var periphModes = [...]spi.Mode{spi.Mode0, spi.Mode1, spi.Mode2, spi.Mode3}

// NewPeriphBus connects to port with cfg. The port must not have been
// connected before; periph allows a single Connect per port.
func NewPeriphBus(port spi.Port, cfg Config) (*PeriphBus, error) {
	if int(cfg.Mode) >= len(periphModes) {
		return nil, fmt.Errorf("invalid SPI mode %d", cfg.Mode)
	}
	mode := periphModes[cfg.Mode]
	if cfg.LSBFirst {
		mode |= spi.LSBFirst
	}

	c, err := port.Connect(physic.Frequency(cfg.Frequency)*physic.Hertz, mode, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to connect SPI port: %w", err)
	}

	return &PeriphBus{conn: c}, nil
}

// TxFrame performs one full-duplex transaction.
func (b *PeriphBus) TxFrame(w, r []byte) error {
	if len(w) != len(r) {
		return ErrFrameLength
	}
	return b.conn.Tx(w, r)
}

// String describes the underlying connection.
func (b *PeriphBus) String() string {
	return b.conn.String()
}
