// Package sim provides software stand-ins for the hardware the host talks
// to: an AS5048A that speaks the sensor's SPI frame protocol, and a Klipper
// MCU that exposes SPI devices through spi_transfer.
package sim

import (
	"errors"
	"sync"

	"as5048a/core"
)

// ErrNotSelected is returned by Transfer outside a chip select window.
var ErrNotSelected = errors.New("sim: transfer without chip select")

// Error register bits, cleared by reading CLEAR_ERROR_FLAG
const (
	ErrFraming        = 1 << 0
	ErrCommandInvalid = 1 << 1
	ErrParity         = 1 << 2
)

// DIAG_AGC bits
const (
	DiagOCF      = 1 << 8
	DiagCOF      = 1 << 9
	DiagCompLow  = 1 << 10
	DiagCompHigh = 1 << 11
)

// Sensor emulates an AS5048A on a byte-level bus. Like the real part it
// answers each command during the following frame, checks command parity
// and latches errors until CLEAR_ERROR_FLAG is read.
type Sensor struct {
	mu sync.Mutex

	raw       uint16 // Angle before the zero position adder
	magnitude uint16
	agc       uint8
	diag      uint16 // DIAG_AGC flag bits
	zeroHigh  uint16 // OTP register, 8 bits
	zeroLow   uint16 // OTP register, 6 bits
	progCtl   uint16
	errors    uint16

	selected bool
	count    int     // Bytes clocked in the current window
	in       [2]byte // Frame being received
	out      uint16  // Frame being shifted out
	pending  uint16  // Answer for the next frame

	writeTo  core.Register
	awaiting bool // The next frame is write data for writeTo
}

// NewSensor returns a sensor with a centred magnet and offset compensation
// finished.
func NewSensor() *Sensor {
	return &Sensor{
		magnitude: 0x0F00,
		agc:       0x80,
		diag:      DiagOCF,
	}
}

// SetAngle sets the raw magnet angle, reduced modulo 2^14.
func (s *Sensor) SetAngle(raw uint16) {
	s.mu.Lock()
	s.raw = raw % core.AngleRange
	s.mu.Unlock()
}

// Rotate turns the magnet by steps, wrapping around the circle.
func (s *Sensor) Rotate(steps int) {
	s.mu.Lock()
	r := (int(s.raw) + steps) % core.AngleRange
	if r < 0 {
		r += core.AngleRange
	}
	s.raw = uint16(r)
	s.mu.Unlock()
}

// SetMagnitude sets the CORDIC magnitude register.
func (s *Sensor) SetMagnitude(m uint16) {
	s.mu.Lock()
	s.magnitude = m & core.DataMask
	s.mu.Unlock()
}

// SetDiagnostics sets the gain and the DIAG_AGC flags.
func (s *Sensor) SetDiagnostics(d core.Diagnostics) {
	var flags uint16
	if d.OCF {
		flags |= DiagOCF
	}
	if d.COF {
		flags |= DiagCOF
	}
	if d.CompLow {
		flags |= DiagCompLow
	}
	if d.CompHigh {
		flags |= DiagCompHigh
	}

	s.mu.Lock()
	s.agc = d.AGC
	s.diag = flags
	s.mu.Unlock()
}

// ZeroPosition returns the zero position held in the OTP registers.
func (s *Sensor) ZeroPosition() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zeroHigh<<6 | s.zeroLow
}

// ErrorRegister returns the latched error bits without clearing them.
func (s *Sensor) ErrorRegister() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// Select implements core.Bus. Releasing select completes the frame.
func (s *Sensor) Select(active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active {
		if !s.selected {
			s.selected = true
			s.count = 0
			s.out = s.pending
		}
		return nil
	}

	if !s.selected {
		return nil
	}
	s.selected = false
	switch s.count {
	case 0:
	case 2:
		s.receive(uint16(s.in[0])<<8 | uint16(s.in[1]))
	default:
		s.errors |= ErrFraming
		s.pending = s.response(0)
	}
	return nil
}

// Transfer implements core.Bus.
func (s *Sensor) Transfer(b byte) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.selected {
		return 0, ErrNotSelected
	}

	var r byte
	switch s.count {
	case 0:
		r = byte(s.out >> 8)
	case 1:
		r = byte(s.out)
	}
	if s.count < len(s.in) {
		s.in[s.count] = b
	}
	s.count++
	return r, nil
}

// receive handles one complete frame and prepares the answer for the next.
func (s *Sensor) receive(word uint16) {
	if core.EvenParity(word) != 0 {
		s.awaiting = false
		s.errors |= ErrParity
		s.pending = s.response(0)
		return
	}

	if s.awaiting {
		s.awaiting = false
		s.store(s.writeTo, word&core.DataMask)
		value, _ := s.load(s.writeTo)
		s.pending = s.response(value)
		return
	}

	reg := core.Register(word & core.DataMask)
	if word&core.ReadBit == 0 {
		if reg == core.RegNOP {
			s.pending = s.response(0)
			return
		}
		if !writable(reg) {
			s.errors |= ErrCommandInvalid
			s.pending = s.response(0)
			return
		}
		old, _ := s.load(reg)
		s.writeTo = reg
		s.awaiting = true
		s.pending = s.response(old)
		return
	}

	if reg == core.RegClearErrorFlag {
		// the flag in this answer still reflects the errors being cleared
		s.pending = s.response(s.errors)
		s.errors = 0
		return
	}

	value, ok := s.load(reg)
	if !ok {
		s.errors |= ErrCommandInvalid
		s.pending = s.response(0)
		return
	}
	s.pending = s.response(value)
}

func (s *Sensor) load(reg core.Register) (uint16, bool) {
	switch reg {
	case core.RegNOP:
		return 0, true
	case core.RegProgrammingControl:
		return s.progCtl, true
	case core.RegOTPZeroPosHigh:
		return s.zeroHigh, true
	case core.RegOTPZeroPosLow:
		return s.zeroLow, true
	case core.RegDiagAGC:
		return s.diag | uint16(s.agc), true
	case core.RegMagnitude:
		return s.magnitude, true
	case core.RegAngle:
		zero := s.zeroHigh<<6 | s.zeroLow
		return (s.raw - zero) & core.DataMask, true
	}
	return 0, false
}

func writable(reg core.Register) bool {
	switch reg {
	case core.RegProgrammingControl, core.RegOTPZeroPosHigh, core.RegOTPZeroPosLow:
		return true
	}
	return false
}

func (s *Sensor) store(reg core.Register, value uint16) {
	switch reg {
	case core.RegProgrammingControl:
		s.progCtl = value & 0x49 // program enable, burn, verify
	case core.RegOTPZeroPosHigh:
		s.zeroHigh = value & 0xFF
	case core.RegOTPZeroPosLow:
		s.zeroLow = value & 0x3F
	}
}

// response builds an answer frame, setting the error bit while any error
// is latched.
func (s *Sensor) response(value uint16) uint16 {
	word := value & core.DataMask
	if s.errors != 0 {
		word |= core.ErrorBit
	}
	return word | core.EvenParity(word)<<15
}
