//go:build rp2040

// Firmware that polls an AS5048A on an RP2040 and prints the rotation and
// magnet diagnostics over USB CDC.
package main

import (
	"machine"
	"time"

	"tinygo.org/x/drivers"

	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"

	"as5048a/core"
)

// usePIO clocks the sensor through a PIO state machine instead of SPI0.
// AS5048A uses mode 1, which the PIO program supports.
const usePIO = false

const (
	pinSCK = machine.GPIO2
	pinSDO = machine.GPIO3
	pinSDI = machine.GPIO4
	pinCS  = machine.GPIO5

	busFrequency = 4_000_000
	busMode      = 1

	pollInterval = 100 * time.Millisecond
	traceLimit   = 32
)

var (
	trace = &core.DebugLines{Limit: traceLimit}
	usb   = func(s string) { println(s) }
)

func configureSPI() (drivers.SPI, error) {
	cfg := machine.SPIConfig{
		Frequency: busFrequency,
		SCK:       pinSCK,
		SDO:       pinSDO,
		SDI:       pinSDI,
		Mode:      busMode,
	}

	if usePIO {
		sm, err := pio.PIO0.ClaimStateMachine()
		if err != nil {
			return nil, err
		}
		return piolib.NewSPI(sm, cfg)
	}

	spi := machine.SPI0
	if err := spi.Configure(cfg); err != nil {
		return nil, err
	}
	return spi, nil
}

func main() {
	// Give the host time to open the CDC port
	time.Sleep(2 * time.Second)

	spi, err := configureSPI()
	if err != nil {
		for {
			println("spi:", err.Error())
			time.Sleep(time.Second)
		}
	}

	pinCS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	bus := core.NewSPIBus(spi, pinCS.Set, false)

	// Traces stay in memory until the first reading has been printed
	dev := core.New(bus, core.WithDebug(trace.Writer()))

	zero, err := dev.RawRotation()
	if err != nil {
		println("read:", err.Error())
	}
	dev.SetZeroPosition(zero)
	println("zero position:", zero)
	trace.Flush(usb)

	for {
		poll(dev)
		time.Sleep(pollInterval)
	}
}

func poll(dev *core.Device) {
	rotation, err := dev.Rotation()
	if err != nil {
		println("read:", err.Error())
		return
	}
	if dev.Error() {
		flags, err := dev.ErrorFlags()
		if err != nil {
			println("error flags:", err.Error())
		} else {
			println("sensor error: framing", flags.Framing, "command", flags.CommandInvalid, "parity", flags.Parity)
		}
		trace.Flush(usb)
	}

	diag, err := dev.Diagnostics()
	if err != nil {
		println("diag:", err.Error())
		return
	}
	if !diag.MagnetOK() {
		state, err := dev.State()
		if err != nil {
			println("state:", err.Error())
			return
		}
		println(core.FormatState(state, dev.Error()))
	}

	println("rotation:", rotation, "agc:", diag.AGC)
	// keep only the frames of the latest poll
	trace.Lines = trace.Lines[:0]
}
