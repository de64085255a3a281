// Command as5048a-host reads an AS5048A wired to a Klipper MCU, or to a
// simulated one, from an interactive prompt.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"as5048a/core"
	"as5048a/host/config"
	"as5048a/host/mcu"
	"as5048a/host/serial"
	"as5048a/sim"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	device     = flag.String("device", "", "Serial device path (overrides config)")
	baud       = flag.Int("baud", 0, "Baud rate, ignored for USB CDC (overrides config)")
	simulate   = flag.Bool("simulate", false, "Talk to a simulated MCU and sensor")
	spidev     = flag.String("spidev", "", "Use a local SPI port (e.g. /dev/spidev0.0) instead of an MCU")
	traceLines = flag.Int("trace", 64, "SPI frames kept for the trace command")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *device != "" {
		cfg.Serial.Device = *device
	}
	if *baud != 0 {
		cfg.Serial.Baud = *baud
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// startSimulator serves a simulated MCU with a sensor on the configured
// chip select pin and returns the host end of the link
func startSimulator(ctx context.Context, cfg *config.Config) (net.Conn, *sim.Sensor, error) {
	simMCU, err := sim.NewMCU()
	if err != nil {
		return nil, nil, err
	}
	sensor := sim.NewSensor()
	simMCU.AttachSPI(cfg.SPI.CSPin, sensor)

	hostConn, mcuConn := net.Pipe()
	go func() {
		if err := simMCU.Serve(ctx, mcuConn); err != nil && ctx.Err() == nil {
			glog.Errorf("simulator stopped: %v", err)
		}
	}()
	return hostConn, sensor, nil
}

// connectMCU opens the MCU link, loads its dictionary and configures the
// sensor's SPI device. The returned tick is non-nil in simulation.
func connectMCU(ctx context.Context, cfg *config.Config) (*mcu.MCU, core.FrameBus, func(), error) {
	conn := mcu.NewMCU()
	var tick func()

	if *simulate {
		link, sensor, err := startSimulator(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		conn.ConnectPort(link)
		// turn the simulated magnet so watch has something to show
		tick = func() { sensor.Rotate(97) }
		glog.Info("connected to simulated MCU")
	} else {
		err := conn.ConnectWithConfig(&serial.Config{
			Device:      cfg.Serial.Device,
			Baud:        cfg.Serial.Baud,
			ReadTimeout: cfg.Serial.ReadTimeoutMs,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		glog.Infof("connected to %s", cfg.Serial.Device)
	}

	if err := conn.RetrieveDictionary(ctx); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to retrieve dictionary: %w", err)
	}

	bus, err := conn.ConfigureSPI(ctx, mcu.SPIConfig{
		OID:          cfg.SPI.OID,
		CSPin:        cfg.SPI.CSPin,
		CSActiveHigh: cfg.SPI.CSActiveHigh,
		Bus:          cfg.SPI.Bus,
		Mode:         *cfg.SPI.Mode,
		Rate:         cfg.SPI.Rate,
	})
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	return conn, bus, tick, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	sh := &shell{
		interval: time.Duration(cfg.Poll.IntervalMs) * time.Millisecond,
		out:      os.Stdout,
	}

	var bus core.FrameBus
	if *spidev != "" {
		if _, err := host.Init(); err != nil {
			return fmt.Errorf("failed to initialize periph: %w", err)
		}
		port, err := spireg.Open(*spidev)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", *spidev, err)
		}
		defer port.Close()

		pb, err := core.NewPeriphBus(port, core.Config{
			Frequency: cfg.SPI.Rate,
			Mode:      core.Mode(*cfg.SPI.Mode),
		})
		if err != nil {
			return err
		}
		glog.Infof("using %s", pb)
		bus = pb
	} else {
		conn, mcuBus, tick, err := connectMCU(ctx, cfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		sh.mcu, sh.tick = conn, tick
		bus = mcuBus
	}

	sh.trace = &core.DebugLines{Limit: *traceLines}
	sh.dev = core.NewFrame(bus, core.WithDebug(core.Tee(
		func(s string) { glog.V(2).Info(s) },
		sh.trace.Writer(),
	)))

	if cfg.Sensor.WriteZero {
		readBack, err := sh.dev.WriteZeroPosition(cfg.Sensor.ZeroPosition)
		if err != nil {
			return fmt.Errorf("write zero position: %w", err)
		}
		glog.Infof("sensor zero registers set to %d", readBack)
	} else {
		sh.dev.SetZeroPosition(cfg.Sensor.ZeroPosition)
	}

	return repl(sh)
}

func repl(sh *shell) error {
	fmt.Fprintln(sh.out, "AS5048A host. Type 'help' for commands, 'quit' to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(sh.out, "> ")
		if !scanner.Scan() {
			break
		}
		quit, err := sh.exec(strings.TrimSpace(scanner.Text()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := loadConfig()
	if err != nil {
		glog.Exitf("%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
}
