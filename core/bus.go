package core

import "errors"

// ErrFrameLength is returned when the write and read buffers of a frame differ in size.
var ErrFrameLength = errors.New("frame buffers must have equal length")

// Bus is the byte-level capability the sensor protocol runs on.
// Platform-specific implementations handle the actual hardware.
type Bus interface {
	// Transfer clocks one byte out and returns the byte clocked in at the same time
	Transfer(b byte) (byte, error)

	// Select asserts (true) or deasserts (false) the chip select line
	Select(active bool) error
}

// FrameBus exchanges a whole chip-select window at once.
// Buses that own chip select themselves (Klipper spi_transfer, Linux spidev)
// implement this instead of Bus.
type FrameBus interface {
	// TxFrame asserts select, sends w while filling r, then deasserts select.
	// The two buffers must be the same length.
	TxFrame(w, r []byte) error
}

// Mode represents SPI clock polarity and phase (0-3)
// Mode 0: CPOL=0, CPHA=0
// Mode 1: CPOL=0, CPHA=1 (AS5048A)
// Mode 2: CPOL=1, CPHA=0
// Mode 3: CPOL=1, CPHA=1
type Mode uint8

// Config holds the bus parameters the sensor expects.
// Adapters apply it once at setup; the protocol itself never looks at it.
type Config struct {
	Frequency uint32 // Clock rate in Hz
	Mode      Mode   // SPI mode (0-3)
	LSBFirst  bool   // Bit order, false = MSB first
}

// DefaultConfig returns the AS5048A bus settings: 4 MHz, mode 1, MSB first.
func DefaultConfig() Config {
	return Config{
		Frequency: 4000000,
		Mode:      1,
		LSBFirst:  false,
	}
}

// Frames adapts a byte-level Bus to FrameBus.
func Frames(bus Bus) FrameBus {
	return byteFrames{bus: bus}
}

// byteFrames turns a byte-level Bus into frame exchanges.
type byteFrames struct {
	bus Bus
}

// TxFrame drives select around a byte-by-byte exchange.
// Select is always released, even when a transfer fails.
func (b byteFrames) TxFrame(w, r []byte) error {
	if len(w) != len(r) {
		return ErrFrameLength
	}

	if err := b.bus.Select(true); err != nil {
		return err
	}

	var err error
	for i, out := range w {
		var in byte
		in, err = b.bus.Transfer(out)
		if err != nil {
			break
		}
		r[i] = in
	}

	if selErr := b.bus.Select(false); selErr != nil && err == nil {
		err = selErr
	}
	return err
}
