package protocol

import "sync/atomic"

// CommandHandler is called once per command decoded from a frame. It must
// consume the command's arguments from data.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the MCU side of the protocol. It validates incoming frames,
// dispatches their commands and answers every frame with an ACK or NAK.
// Responses encoded by handlers are written to the output before the ACK.
type Transport struct {
	isSynchronized uint32 // atomic bool
	nextSequence   uint32 // atomic, expected sequence from host (0x10-0x1F)
	output         OutputBuffer
	handler        CommandHandler
	resetCallback  func()
	flushCallback  func()
}

// NewTransport creates a synchronized transport expecting sequence 0x10
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		isSynchronized: 1,
		nextSequence:   MessageDest,
		output:         output,
		handler:        handler,
	}
}

// Receive processes every complete frame in input and pops what it consumed.
// A trailing partial frame stays in input for the next call.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()

	for len(data) > 0 {
		if !t.getSynchronized() {
			data = skipToSync(data)
			if data == nil {
				break
			}
			t.setSynchronized(true)
			t.encodeAckNak()
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		n := scanFrame(data)
		if n == 0 {
			break
		}
		if n < 0 {
			t.setSynchronized(false)
			continue
		}

		seq := data[MessagePositionSeq]
		frame := data[MessageHeaderSize : n-MessageTrailerSize]
		data = data[n:]

		expected := uint8(atomic.LoadUint32(&t.nextSequence))
		if seq == MessageDest && expected != MessageDest {
			// host restarted its sequence
			atomic.StoreUint32(&t.nextSequence, MessageDest)
			expected = MessageDest
			if t.resetCallback != nil {
				t.resetCallback()
			}
		}

		if seq == expected {
			atomic.StoreUint32(&t.nextSequence, uint32(nextSequence(seq)))
			_ = t.parseFrame(frame)
		}
		// on a sequence mismatch this acts as a NAK carrying the expected value
		t.encodeAckNak()
	}

	if consumed := input.Available() - len(data); consumed > 0 {
		input.Pop(consumed)
	}
}

func (t *Transport) parseFrame(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.setSynchronized(false)
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.setSynchronized(false)
			return err
		}
		if t.handler == nil {
			continue
		}
		// a failing handler drops the rest of the frame without desyncing
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) encodeAckNak() {
	ns := uint8(atomic.LoadUint32(&t.nextSequence))
	t.output.Output(appendTrailer([]byte{MessageLengthMin, ns}))

	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame writes one frame whose payload is produced by frameData.
// Responses carry the same sequence as the ACK that follows them.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	cursor := t.output.CurPosition()

	seq := uint8(atomic.LoadUint32(&t.nextSequence))
	t.output.Output([]byte{0, seq})

	frameData(t.output)

	changed := len(t.output.DataSince(cursor))
	t.output.Update(cursor, uint8(changed+MessageTrailerSize))

	crc := CRC16(t.output.DataSince(cursor))
	t.output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}

// SendCommand encodes a response or unsolicited message
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset returns the transport to its power-on state
func (t *Transport) Reset() {
	atomic.StoreUint32(&t.isSynchronized, 1)
	atomic.StoreUint32(&t.nextSequence, MessageDest)

	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets a callback run when the host restarts its sequence
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback run after every ACK so pending output
// reaches the host without waiting for the caller's loop
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

func (t *Transport) getSynchronized() bool {
	return atomic.LoadUint32(&t.isSynchronized) != 0
}

func (t *Transport) setSynchronized(val bool) {
	if val {
		atomic.StoreUint32(&t.isSynchronized, 1)
	} else {
		atomic.StoreUint32(&t.isSynchronized, 0)
	}
}
