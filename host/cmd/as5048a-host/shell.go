package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"as5048a/core"
	"as5048a/host/mcu"
)

// shell runs the interactive commands against one sensor
type shell struct {
	dev      *core.Device
	mcu      *mcu.MCU
	trace    *core.DebugLines
	interval time.Duration
	tick     func() // called before each watch sample, nil outside simulation
	out      io.Writer
}

type commandFunc func(s *shell, args []string) error

type command struct {
	usage string
	help  string
	run   commandFunc
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"angle":     {"angle", "Rotation relative to the zero position", (*shell).angle},
		"raw":       {"raw", "Raw 14-bit angle", (*shell).raw},
		"degrees":   {"degrees", "Rotation in degrees", (*shell).degrees},
		"state":     {"state", "DIAG_AGC register, decoded", (*shell).state},
		"gain":      {"gain", "Automatic gain control value", (*shell).gain},
		"magnitude": {"magnitude", "CORDIC magnitude", (*shell).magnitude},
		"errors":    {"errors", "Read and clear the error register", (*shell).errors},
		"zero":      {"zero [VALUE|here|write VALUE]", "Show or set the zero position", (*shell).zero},
		"read":      {"read ADDR", "Read a register", (*shell).read},
		"write":     {"write ADDR VALUE", "Write a register", (*shell).write},
		"watch":     {"watch [N]", "Print N rotations at the poll interval", (*shell).watch},
		"trace":     {"trace", "Show recent SPI frames", (*shell).showTrace},
		"dict":      {"dict", "Print the MCU dictionary", (*shell).dict},
	}
}

// exec runs one input line. It reports whether the user asked to quit.
func (s *shell) exec(line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		s.help()
		return false, nil
	}

	cmd, ok := commands[parts[0]]
	if !ok {
		return false, fmt.Errorf("unknown command: %s (type 'help' for available commands)", parts[0])
	}
	return false, cmd.run(s, parts[1:])
}

func (s *shell) help() {
	fmt.Fprintln(s.out, "Available commands:")
	names := []string{"angle", "raw", "degrees", "state", "gain", "magnitude", "errors",
		"zero", "read", "write", "watch", "trace", "dict"}
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(s.out, "  %-30s %s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintf(s.out, "  %-30s %s\n", "quit", "Exit")
}

// flag notes the sensor error bit of the last read
func (s *shell) flag() string {
	if s.dev.Error() {
		return " (error flag set)"
	}
	return ""
}

func parseWord(arg string) (uint16, error) {
	v, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad value %q: %w", arg, err)
	}
	return uint16(v), nil
}

func (s *shell) angle(args []string) error {
	rotation, err := s.dev.Rotation()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "rotation: %d (%.2f deg)%s\n", rotation, core.RotationToDegrees(rotation), s.flag())
	return nil
}

func (s *shell) raw(args []string) error {
	raw, err := s.dev.RawRotation()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "raw: %d (%.2f deg)%s\n", raw, core.RawToDegrees(raw), s.flag())
	return nil
}

func (s *shell) degrees(args []string) error {
	deg, err := s.dev.Degrees()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "degrees: %.2f%s\n", deg, s.flag())
	return nil
}

func (s *shell) state(args []string) error {
	state, err := s.dev.State()
	if err != nil {
		return err
	}
	d := core.DecodeDiagnostics(state)
	fmt.Fprintln(s.out, core.FormatState(state, s.dev.Error()))
	fmt.Fprintf(s.out, "agc=%d ocf=%t cof=%t comp_low=%t comp_high=%t magnet_ok=%t\n",
		d.AGC, d.OCF, d.COF, d.CompLow, d.CompHigh, d.MagnetOK())
	return nil
}

func (s *shell) gain(args []string) error {
	gain, err := s.dev.Gain()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "gain: %d%s\n", gain, s.flag())
	return nil
}

func (s *shell) magnitude(args []string) error {
	m, err := s.dev.Magnitude()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "magnitude: %d%s\n", m, s.flag())
	return nil
}

func (s *shell) errors(args []string) error {
	flags, err := s.dev.ErrorFlags()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "framing=%t command_invalid=%t parity=%t\n", flags.Framing, flags.CommandInvalid, flags.Parity)
	return nil
}

func (s *shell) zero(args []string) error {
	switch {
	case len(args) == 0:

	case args[0] == "here":
		raw, err := s.dev.RawRotation()
		if err != nil {
			return err
		}
		s.dev.SetZeroPosition(raw)

	case args[0] == "write":
		if len(args) != 2 {
			return fmt.Errorf("usage: zero write VALUE")
		}
		v, err := parseWord(args[1])
		if err != nil {
			return err
		}
		readBack, err := s.dev.WriteZeroPosition(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "sensor zero registers: %d\n", readBack)
		return nil

	default:
		v, err := parseWord(args[0])
		if err != nil {
			return err
		}
		s.dev.SetZeroPosition(v)
	}

	fmt.Fprintf(s.out, "zero position: %d\n", s.dev.ZeroPosition())
	return nil
}

func (s *shell) read(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: read ADDR")
	}
	addr, err := parseWord(args[0])
	if err != nil {
		return err
	}
	reg := core.Register(addr & core.DataMask)
	v, err := s.dev.Read(reg)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s = 0x%04X (%d)%s\n", reg, v, v, s.flag())
	return nil
}

func (s *shell) write(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: write ADDR VALUE")
	}
	addr, err := parseWord(args[0])
	if err != nil {
		return err
	}
	value, err := parseWord(args[1])
	if err != nil {
		return err
	}
	reg := core.Register(addr & core.DataMask)
	v, err := s.dev.Write(reg, value)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s <- 0x%04X, read back 0x%04X\n", reg, value&core.DataMask, v)
	return nil
}

func (s *shell) watch(args []string) error {
	n := 10
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("bad count %q", args[0])
		}
		n = v
	}

	for i := 0; i < n; i++ {
		if i > 0 {
			time.Sleep(s.interval)
		}
		if s.tick != nil {
			s.tick()
		}
		if err := s.angle(nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *shell) showTrace(args []string) error {
	if s.trace == nil || len(s.trace.Lines) == 0 {
		fmt.Fprintln(s.out, "no trace")
		return nil
	}
	s.trace.Flush(func(line string) {
		fmt.Fprintln(s.out, line)
	})
	return nil
}

func (s *shell) dict(args []string) error {
	if s.mcu == nil {
		return fmt.Errorf("no MCU connection")
	}
	s.mcu.PrintDictionary(s.out)
	return nil
}
