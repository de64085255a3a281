package core

import (
	"tinygo.org/x/drivers"
)

// SPIBus connects the sensor to a TinyGo SPI peripheral (machine.SPI,
// piolib.SPI or anything else implementing drivers.SPI) with a GPIO chip
// select. It implements both Bus and FrameBus.
type SPIBus struct {
	spi drivers.SPI
	cs  func(level bool)

	activeHigh bool
}

// NewSPIBus wraps spi with a chip select driven through cs, which receives
// the pin level to set (machine.Pin.Set fits). Chip select is active low
// unless activeHigh is set. The line is left deasserted.
func NewSPIBus(spi drivers.SPI, cs func(level bool), activeHigh bool) *SPIBus {
	b := &SPIBus{
		spi:        spi,
		cs:         cs,
		activeHigh: activeHigh,
	}
	b.cs(!activeHigh)
	return b
}

// Transfer exchanges one byte.
func (b *SPIBus) Transfer(out byte) (byte, error) {
	return b.spi.Transfer(out)
}

// Select drives chip select to its active or inactive level. A GPIO write
// cannot fail, so the error is always nil.
func (b *SPIBus) Select(active bool) error {
	b.setCS(active)
	return nil
}

// TxFrame runs one frame through the peripheral's buffered Tx. Chip select
// is released even when Tx fails.
func (b *SPIBus) TxFrame(w, r []byte) error {
	if len(w) != len(r) {
		return ErrFrameLength
	}
	b.setCS(true)
	defer b.setCS(false)
	return b.spi.Tx(w, r)
}

func (b *SPIBus) setCS(active bool) {
	// Active low CS: active => low (false)
	b.cs(active == b.activeHigh)
}
