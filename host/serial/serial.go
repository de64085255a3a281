// Package serial opens the serial link to a Klipper MCU.
package serial

import (
	"io"
)

// Port is an open serial link. Tests and the simulator substitute any
// io.ReadWriteCloser.
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate, ignored by USB CDC devices
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

// Klipper defaults
const (
	DefaultBaud        = 250000
	DefaultReadTimeout = 100
)

// DefaultConfig returns the Klipper defaults for device
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: DefaultReadTimeout,
	}
}
