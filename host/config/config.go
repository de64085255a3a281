// Package config loads the host tool's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Serial SerialConfig `yaml:"serial"`
	SPI    SPIConfig    `yaml:"spi"`
	Sensor SensorConfig `yaml:"sensor"`
	Poll   PollConfig   `yaml:"poll"`
}

// ---- SERIAL ----

type SerialConfig struct {
	Device        string `yaml:"device"`
	Baud          int    `yaml:"baud"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
}

// ---- SPI (device on the MCU) ----

type SPIConfig struct {
	OID          uint8  `yaml:"oid"`
	CSPin        uint32 `yaml:"cs_pin"`
	CSActiveHigh bool   `yaml:"cs_active_high"`
	Bus          uint32 `yaml:"bus"`
	Mode         *uint8 `yaml:"mode"` // nil = sensor default
	Rate         uint32 `yaml:"rate"`
}

// ---- SENSOR ----

type SensorConfig struct {
	ZeroPosition uint16 `yaml:"zero_position"`

	// WriteZero loads zero_position into the sensor's volatile zero
	// registers instead of subtracting it on the host
	WriteZero bool `yaml:"write_zero"`
}

// ---- POLL ----

type PollConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// Defaults
const (
	DefaultDevice     = "/dev/ttyACM0"
	DefaultBaud       = 250000
	DefaultTimeoutMs  = 100
	DefaultMode       = 1
	DefaultRate       = 4000000
	DefaultIntervalMs = 100
)

// Load reads, decodes and fills defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, rejecting unknown keys, and fills defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in missing configuration values
func applyDefaults(cfg *Config) {
	if cfg.Serial.Device == "" {
		cfg.Serial.Device = DefaultDevice
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = DefaultBaud
	}
	if cfg.Serial.ReadTimeoutMs == 0 {
		cfg.Serial.ReadTimeoutMs = DefaultTimeoutMs
	}

	// AS5048A: mode 1, 4 MHz
	if cfg.SPI.Mode == nil {
		mode := uint8(DefaultMode)
		cfg.SPI.Mode = &mode
	}
	if cfg.SPI.Rate == 0 {
		cfg.SPI.Rate = DefaultRate
	}

	if cfg.Poll.IntervalMs == 0 {
		cfg.Poll.IntervalMs = DefaultIntervalMs
	}
}
