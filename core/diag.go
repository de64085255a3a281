package core

// DIAG_AGC register fields
const (
	diagAGCMask  = 0x00FF
	diagOCF      = 1 << 8  // Offset compensation finished
	diagCOF      = 1 << 9  // CORDIC overflow
	diagCompLow  = 1 << 10 // Magnetic field too strong
	diagCompHigh = 1 << 11 // Magnetic field too weak
)

// CLEAR_ERROR_FLAG register fields
const (
	errFraming        = 1 << 0
	errCommandInvalid = 1 << 1
	errParity         = 1 << 2
)

// Diagnostics is the decoded DIAG_AGC register.
type Diagnostics struct {
	AGC      uint8 // Automatic gain control, 0 = strong field, 255 = weak field
	OCF      bool  // Offset compensation finished, set once the sensor is ready
	COF      bool  // CORDIC overflow, angle and magnitude are invalid
	CompLow  bool  // Field too strong, move the magnet away
	CompHigh bool  // Field too weak, move the magnet closer
}

// DecodeDiagnostics splits a DIAG_AGC value into its fields.
func DecodeDiagnostics(state uint16) Diagnostics {
	return Diagnostics{
		AGC:      uint8(state & diagAGCMask),
		OCF:      state&diagOCF != 0,
		COF:      state&diagCOF != 0,
		CompLow:  state&diagCompLow != 0,
		CompHigh: state&diagCompHigh != 0,
	}
}

// MagnetOK reports whether the sensor is ready and the field strength is in range.
func (d Diagnostics) MagnetOK() bool {
	return d.OCF && !d.COF && !d.CompLow && !d.CompHigh
}

// Diagnostics reads and decodes the DIAG_AGC register.
func (d *Device) Diagnostics() (Diagnostics, error) {
	state, err := d.State()
	if err != nil {
		return Diagnostics{}, err
	}
	return DecodeDiagnostics(state), nil
}

// ErrorFlags is the decoded error register.
type ErrorFlags struct {
	Framing        bool // SPI frame had the wrong number of clocks
	CommandInvalid bool // Command addressed a register that does not exist
	Parity         bool // Command frame failed the parity check
}

// DecodeErrorFlags splits an error register value into its fields.
func DecodeErrorFlags(value uint16) ErrorFlags {
	return ErrorFlags{
		Framing:        value&errFraming != 0,
		CommandInvalid: value&errCommandInvalid != 0,
		Parity:         value&errParity != 0,
	}
}

// Any reports whether any error is flagged.
func (e ErrorFlags) Any() bool {
	return e.Framing || e.CommandInvalid || e.Parity
}

// ErrorFlags reads, decodes and clears the sensor's error register.
func (d *Device) ErrorFlags() (ErrorFlags, error) {
	value, err := d.Errors()
	if err != nil {
		return ErrorFlags{}, err
	}
	return DecodeErrorFlags(value), nil
}

// FormatState renders a state register value the way a serial console
// shows it: an error note when errFlag is set, then the value in binary.
func FormatState(state uint16, errFlag bool) string {
	s := ""
	if errFlag {
		s = "Error bit was set! "
	}
	return s + btoa(state, 0)
}

// RawToDegrees converts a 14-bit angle to degrees in [0, 360).
func RawToDegrees(raw uint16) float32 {
	return float32(raw&DataMask) * 360.0 / AngleRange
}

// RotationToDegrees converts a signed rotation to degrees.
func RotationToDegrees(rotation int) float32 {
	return float32(rotation) * 360.0 / AngleRange
}

// Degrees returns Rotation in degrees.
func (d *Device) Degrees() (float32, error) {
	rotation, err := d.Rotation()
	if err != nil {
		return 0, err
	}
	return RotationToDegrees(rotation), nil
}

// WriteZeroPosition loads position into the sensor's zero position
// registers so the ANGLE register itself becomes zero-referenced. The
// registers are volatile until burned; this never starts OTP programming.
// It returns the zero position read back from both registers.
func (d *Device) WriteZeroPosition(position uint16) (uint16, error) {
	position &= DataMask

	high, err := d.Write(RegOTPZeroPosHigh, position>>6)
	if err != nil {
		return 0, err
	}
	low, err := d.Write(RegOTPZeroPosLow, position&0x3F)
	if err != nil {
		return 0, err
	}
	return (high&0xFF)<<6 | low&0x3F, nil
}
