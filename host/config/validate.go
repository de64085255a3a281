package config

import (
	"fmt"
)

// MaxRate is the fastest SPI clock the AS5048A accepts
const MaxRate = 10000000

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg.Serial.Device == "" {
		return fmt.Errorf("serial: device is required")
	}
	if cfg.Serial.Baud < 0 {
		return fmt.Errorf("serial: baud must not be negative, got %d", cfg.Serial.Baud)
	}
	if cfg.Serial.ReadTimeoutMs < 0 {
		return fmt.Errorf("serial: read_timeout_ms must not be negative, got %d", cfg.Serial.ReadTimeoutMs)
	}

	if cfg.SPI.Mode != nil && *cfg.SPI.Mode > 3 {
		return fmt.Errorf("spi: mode must be 0-3, got %d", *cfg.SPI.Mode)
	}
	if cfg.SPI.Rate > MaxRate {
		return fmt.Errorf("spi: rate %d exceeds the sensor maximum of %d Hz", cfg.SPI.Rate, MaxRate)
	}

	if cfg.Sensor.ZeroPosition > 0x3FFF {
		return fmt.Errorf("sensor: zero_position must fit in 14 bits, got %d", cfg.Sensor.ZeroPosition)
	}

	if cfg.Poll.IntervalMs < 0 {
		return fmt.Errorf("poll: interval_ms must not be negative, got %d", cfg.Poll.IntervalMs)
	}
	return nil
}
