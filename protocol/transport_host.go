package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrSequenceMismatch = errors.New("sequence mismatch")
	ErrMessageTooLong   = errors.New("message too long")
)

// HostTransport is the host side of the protocol: it sends commands, waits
// for their ACKs and collects responses from a background read loop.
//
// The MCU tags a response with the sequence of the ACK that follows it, so
// responses are matched to the last acknowledged command by sequence. When
// an ACK never arrives the MCU may still process the command later; the
// next send restarts the sequence and steps it past every value such a
// late ACK could carry before sending.
type HostTransport struct {
	port io.ReadWriteCloser

	currentSeq     uint32 // atomic, 0x10-0x1F
	isSynchronized uint32 // atomic bool

	inputBuffer *RxBuffer

	ackChan      chan *Message
	responseChan chan *Message

	// sendMutex serializes command/ACK round trips and guards the fields
	// below it
	sendMutex sync.Mutex
	resync    bool
	lateAcks  uint16 // bit n set: an ACK with sequence 0x10|n may still arrive

	readMutex sync.Mutex

	closeOnce sync.Once
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewHostTransport starts a transport reading from port
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		currentSeq:   MessageDest,
		inputBuffer:  NewRxBuffer(MessageMax),
		ackChan:      make(chan *Message, 16),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	atomic.StoreUint32(&t.isSynchronized, 1)

	go t.readLoop()

	return t
}

// SendCommand sends one command and waits until the MCU acknowledges it.
// Responses queued before the command was sent are dropped.
func (t *HostTransport) SendCommand(ctx context.Context, cmdID uint16, args func(output OutputBuffer)) error {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	payload := scratch.Result()
	if n := MessageLengthMin + len(payload); n > MessageLengthMax {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLong, n, MessageLengthMax)
	}

	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	if t.resync {
		if err := t.resynchronize(ctx); err != nil {
			return fmt.Errorf("resync before command %d: %w", cmdID, err)
		}
	}
	drain(t.responseChan)

	if err := t.roundTrip(ctx, payload); err != nil {
		return fmt.Errorf("command %d: %w", cmdID, err)
	}
	// every late ACK was queued ahead of this one and has been skipped
	t.lateAcks = 0
	return nil
}

// SendCommandWithTimeout is SendCommand bounded by timeout
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.SendCommand(ctx, cmdID, args)
}

// resynchronize restarts the sequence, which the MCU accepts whatever it
// expected, then sends empty frames until the ACK of the next command can
// no longer be confused with a late one.
func (t *HostTransport) resynchronize(ctx context.Context) error {
	t.Reset()
	for i := 0; t.lateAcks&seqBit(nextSequence(t.CurrentSequence())) != 0; i++ {
		if i > MessageSeqMask {
			return ErrSequenceMismatch
		}
		if err := t.roundTrip(ctx, nil); err != nil {
			return err
		}
		// the frame's own ACK may be the one still to come
		t.lateAcks |= seqBit(t.CurrentSequence())
	}
	t.resync = false
	return nil
}

// roundTrip writes one frame and waits for its ACK. On failure the ACK is
// recorded as possibly late and the next send resynchronizes.
func (t *HostTransport) roundTrip(ctx context.Context, payload []byte) error {
	sent := t.CurrentSequence()
	expected := nextSequence(sent)

	frame := append([]byte{uint8(MessageLengthMin + len(payload)), sent}, payload...)
	err := t.writeMessage(appendTrailer(frame))
	if err == nil {
		err = t.waitForAck(ctx, expected)
	}
	if err != nil {
		t.lateAcks |= seqBit(expected)
		t.resync = true
		return err
	}

	atomic.StoreUint32(&t.currentSeq, uint32(expected))
	return nil
}

func (t *HostTransport) writeMessage(msg []byte) error {
	n, err := t.port.Write(msg)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if n != len(msg) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}
	return nil
}

// waitForAck waits for the ACK carrying expected, skipping ACKs of earlier
// frames that arrive late
func (t *HostTransport) waitForAck(ctx context.Context, expected uint8) error {
	for {
		select {
		case ack := <-t.ackChan:
			if ack.Sequence == expected {
				return nil
			}
			if t.lateAcks&seqBit(ack.Sequence) != 0 {
				continue
			}
			return fmt.Errorf("%w: expected 0x%02x, got 0x%02x", ErrSequenceMismatch, expected, ack.Sequence)

		case <-ctx.Done():
			return ctx.Err()

		case <-t.stopChan:
			return ErrTransportClosed
		}
	}
}

// ReceiveResponse returns the next response frame in arrival order
func (t *HostTransport) ReceiveResponse(ctx context.Context) (*Message, error) {
	select {
	case resp := <-t.responseChan:
		return resp, nil

	case <-ctx.Done():
		return nil, ctx.Err()

	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// WaitResponse returns the arguments of the next response with cmdID sent
// for the last acknowledged command. Other responses are discarded.
func (t *HostTransport) WaitResponse(ctx context.Context, cmdID uint16) ([]byte, error) {
	for {
		msg, err := t.ReceiveResponse(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Sequence != t.CurrentSequence() {
			continue
		}
		data := msg.Payload
		id, err := DecodeVLQUint(&data)
		if err != nil {
			continue
		}
		if uint16(id) == cmdID {
			return data, nil
		}
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)

	for {
		n, err := t.port.Read(buffer)
		if n > 0 {
			t.receive(buffer[:n])
		}

		select {
		case <-t.stopChan:
			return
		default:
		}

		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return
			}
			// serial read timeouts surface as io.EOF
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) receive(p []byte) {
	t.readMutex.Lock()
	defer t.readMutex.Unlock()

	t.inputBuffer.Write(p)
	data := t.inputBuffer.Data()

	for len(data) > 0 {
		if !t.getSynchronized() {
			data = skipToSync(data)
			if data == nil {
				break
			}
			t.setSynchronized(true)
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

		msg := &Message{
			Length:   data[MessagePositionLen],
			Sequence: data[MessagePositionSeq],
			Payload:  append([]byte(nil), data[MessageHeaderSize:n-MessageTrailerSize]...),
			CRC:      uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1]),
		}
		data = data[n:]

		// an empty payload is an ACK or NAK
		if len(msg.Payload) == 0 {
			enqueue(t.ackChan, msg)
		} else {
			enqueue(t.responseChan, msg)
		}
	}

	if consumed := t.inputBuffer.Available() - len(data); consumed > 0 {
		t.inputBuffer.Pop(consumed)
	}
}

// enqueue adds msg to ch, dropping the oldest message when ch is full.
// Only the read loop sends, so the second send cannot block.
func enqueue(ch chan *Message, msg *Message) {
	select {
	case ch <- msg:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- msg
	}
}

func drain(ch chan *Message) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func seqBit(seq uint8) uint16 {
	return 1 << (seq & MessageSeqMask)
}

// Close stops the read loop and closes the port. It is safe to call twice.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			// closing the port unblocks a pending Read
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}

// Reset restarts the sequence at 0x10 and drops queued ACKs and responses.
// The MCU treats a frame with sequence 0x10 as a host restart.
func (t *HostTransport) Reset() {
	atomic.StoreUint32(&t.currentSeq, MessageDest)
	drain(t.ackChan)
	drain(t.responseChan)
}

func (t *HostTransport) getSynchronized() bool {
	return atomic.LoadUint32(&t.isSynchronized) != 0
}

func (t *HostTransport) setSynchronized(val bool) {
	if val {
		atomic.StoreUint32(&t.isSynchronized, 1)
	} else {
		atomic.StoreUint32(&t.isSynchronized, 0)
	}
}

// CurrentSequence returns the sequence the next command will carry
func (t *HostTransport) CurrentSequence() uint8 {
	return uint8(atomic.LoadUint32(&t.currentSeq))
}
