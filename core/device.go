// Package core implements the AS5048A magnetic rotary position sensor
// protocol: parity-protected 16-bit command frames, the sensor's error flag,
// and zero-referenced rotation on top of an abstract SPI bus.
//
// A Device is not safe for concurrent use. When one physical bus is shared by
// several devices the caller must serialize access.
package core

// Device is an AS5048A attached to a bus.
type Device struct {
	bus   FrameBus
	debug DebugWriter

	zeroPosition uint16 // Always within [0, DataMask]
	lastError    bool   // Error flag of the most recent Read

	tx [2]byte
	rx [2]byte
}

// Option configures a Device at construction
type Option func(*Device)

// WithDebug routes protocol traces to w.
func WithDebug(w DebugWriter) Option {
	return func(d *Device) {
		d.debug = w
	}
}

// New creates a Device on a byte-level bus. Chip select is toggled by the
// driver around every frame.
func New(bus Bus, opts ...Option) *Device {
	return NewFrame(byteFrames{bus: bus}, opts...)
}

// NewFrame creates a Device on a bus that manages chip select itself.
func NewFrame(bus FrameBus, opts ...Option) *Device {
	d := &Device{
		bus: bus,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// exchange sends one frame in its own select window and returns the word
// clocked back during it.
func (d *Device) exchange(word uint16) (uint16, error) {
	d.tx[0], d.tx[1] = splitWord(word)
	d.rx[0], d.rx[1] = 0, 0
	if err := d.bus.TxFrame(d.tx[:], d.rx[:]); err != nil {
		return 0, err
	}
	return joinWord(d.rx[0], d.rx[1]), nil
}

// Read returns the 14-bit value of reg.
//
// The sensor answers a command on the following frame, so a read is two
// select windows: the command, then a NOP that shifts the answer out. The
// response's error bit is stored and can be checked with Error.
func (d *Device) Read(reg Register) (uint16, error) {
	command := ReadCommand(reg)
	d.trace("read", reg, command)

	if _, err := d.exchange(command); err != nil {
		return 0, err
	}

	resp, err := d.exchange(uint16(RegNOP))
	if err != nil {
		return 0, err
	}
	d.traceResponse(resp)

	d.lastError = resp&ErrorBit != 0
	if d.lastError && d.debug != nil {
		d.debug("as5048a: error bit set")
	}

	return stripHeader(resp), nil
}

// Write stores data (masked to 14 bits) in reg and returns the register
// contents read back after the write.
//
// Write does not update the error flag reported by Error, even when the
// read-back carries the error bit. Only Read does.
func (d *Device) Write(reg Register, data uint16) (uint16, error) {
	command := WriteCommand(reg)
	d.trace("write", reg, command)

	if _, err := d.exchange(command); err != nil {
		return 0, err
	}

	frame := DataFrame(data)
	if d.debug != nil {
		d.debug("as5048a: write data 0b" + btoa(frame, 16))
	}
	if _, err := d.exchange(frame); err != nil {
		return 0, err
	}

	// NOP frame to fetch the new register contents
	resp, err := d.exchange(uint16(RegNOP))
	if err != nil {
		return 0, err
	}
	d.traceResponse(resp)

	return stripHeader(resp), nil
}

// RawRotation returns the 14-bit angle straight from the sensor.
func (d *Device) RawRotation() (uint16, error) {
	return d.Read(RegAngle)
}

// Rotation returns the angle relative to the zero position, between
// -2^13 and 2^13.
func (d *Device) Rotation() (int, error) {
	raw, err := d.RawRotation()
	if err != nil {
		return 0, err
	}
	return RelativeRotation(raw, d.zeroPosition), nil
}

// RelativeRotation subtracts zero from raw and folds results above
// HalfRange into the negative half of the circle.
func RelativeRotation(raw, zero uint16) int {
	rotation := int(raw) - int(zero)
	if rotation > HalfRange {
		rotation = -(wrapSpan - rotation)
	}
	return rotation
}

// State returns the diagnostics and automatic gain control register.
func (d *Device) State() (uint16, error) {
	return d.Read(RegDiagAGC)
}

// Gain returns the automatic gain control value, the low byte of State.
func (d *Device) Gain() (uint8, error) {
	state, err := d.State()
	if err != nil {
		return 0, err
	}
	return uint8(state & 0xFF), nil
}

// Errors reads the error register. Reading it also clears the sensor's
// error flags.
func (d *Device) Errors() (uint16, error) {
	return d.Read(RegClearErrorFlag)
}

// Magnitude returns the CORDIC magnitude of the magnetic field.
func (d *Device) Magnitude() (uint16, error) {
	return d.Read(RegMagnitude)
}

// SetZeroPosition sets the raw angle that Rotation treats as zero.
// The value is reduced modulo 2^14.
func (d *Device) SetZeroPosition(position uint16) {
	d.zeroPosition = position % AngleRange
}

// ZeroPosition returns the current zero position.
func (d *Device) ZeroPosition() uint16 {
	return d.zeroPosition
}

// Error reports whether the sensor's error bit was set on the last Read.
func (d *Device) Error() bool {
	return d.lastError
}

func (d *Device) trace(op string, reg Register, command uint16) {
	if d.debug == nil {
		return
	}
	d.debug("as5048a: " + op + " (" + reg.String() + ") with command 0b" + btoa(command, 16))
}

func (d *Device) traceResponse(resp uint16) {
	if d.debug == nil {
		return
	}
	high, low := splitWord(resp)
	d.debug("as5048a: returned 0b" + btoa(uint16(high), 8) + " 0b" + btoa(uint16(low), 8))
}
