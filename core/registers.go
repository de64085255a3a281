package core

// Register is a 14-bit AS5048A register address.
type Register uint16

// AS5048A registers
const (
	RegNOP                Register = 0x0000 // No operation, dummy read
	RegClearErrorFlag     Register = 0x0001 // Error register, cleared on read
	RegProgrammingControl Register = 0x0003 // OTP programming control
	RegOTPZeroPosHigh     Register = 0x0016 // Zero position bits 13..6
	RegOTPZeroPosLow      Register = 0x0017 // Zero position bits 5..0
	RegDiagAGC            Register = 0x3FFD // Diagnostics and automatic gain control
	RegMagnitude          Register = 0x3FFE // CORDIC magnitude
	RegAngle              Register = 0x3FFF // Angle including zero position adder
)

// Frame bit layout shared by commands and responses
const (
	ParityBit  = 0x8000 // Even parity over the other 15 bits
	ReadBit    = 0x4000 // Command: 1 = read, 0 = write
	ErrorBit   = 0x4000 // Response: sensor error flag
	DataMask   = 0x3FFF // 14-bit payload
	headerMask = ParityBit | ErrorBit

	// AngleRange is the number of distinct raw angle values.
	AngleRange = DataMask + 1
)

// Rotation limits
const (
	HalfRange = 0x1FFF // Largest positive rotation before wrapping
	wrapSpan  = 0x3FFF
)

var registerNames = map[Register]string{
	RegNOP:                "NOP",
	RegClearErrorFlag:     "CLEAR_ERROR_FLAG",
	RegProgrammingControl: "PROGRAMMING_CONTROL",
	RegOTPZeroPosHigh:     "OTP_ZERO_POS_HIGH",
	RegOTPZeroPosLow:      "OTP_ZERO_POS_LOW",
	RegDiagAGC:            "DIAG_AGC",
	RegMagnitude:          "MAGNITUDE",
	RegAngle:              "ANGLE",
}

// String returns the datasheet name of a known register, or its hex address.
func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return "0x" + hex16(uint16(r))
}
