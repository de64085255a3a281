package protocol

import (
	"bytes"
	"testing"
)

func TestRxBufferKeepsTrailingFrame(t *testing.T) {
	first := commandFrame(MessageDest, testCmdEcho, 1)
	second := commandFrame(MessageDest|1, testCmdEcho, 2)

	rx := NewRxBuffer(MessageMax)
	rx.Write(first)
	rx.Write(second[:3])

	n := scanFrame(rx.Data())
	if n != len(first) {
		t.Fatalf("Expected a %d byte frame, got %d", len(first), n)
	}
	rx.Pop(n)

	if !bytes.Equal(rx.Data(), second[:3]) {
		t.Fatalf("Expected the partial frame at the front, got %X", rx.Data())
	}
	if scanFrame(rx.Data()) != 0 {
		t.Errorf("Partial frame should need more data")
	}

	rx.Write(second[3:])
	if n := scanFrame(rx.Data()); n != len(second) {
		t.Errorf("Expected the completed frame, got %d", n)
	}
}

func TestRxBufferDropsOverflow(t *testing.T) {
	rx := NewRxBuffer(MessageLengthMax)

	if n := rx.Write(make([]byte, MessageLengthMax-2)); n != MessageLengthMax-2 {
		t.Fatalf("Expected %d bytes taken, got %d", MessageLengthMax-2, n)
	}
	if n := rx.Write([]byte{1, 2, 3, 4}); n != 2 {
		t.Errorf("Expected 2 bytes taken from a full buffer, got %d", n)
	}
	if rx.Available() != MessageLengthMax {
		t.Errorf("Expected %d bytes available, got %d", MessageLengthMax, rx.Available())
	}

	rx.Pop(MessageLengthMax + 10)
	if rx.Available() != 0 {
		t.Errorf("Expected an empty buffer after popping everything, got %d", rx.Available())
	}
	if n := rx.Write([]byte{MessageValueSync}); n != 1 {
		t.Errorf("Expected room after Pop, took %d", n)
	}
}

func TestScratchOutputPatchesLength(t *testing.T) {
	output := NewScratchOutput()
	output.Output([]byte{MessageValueSync})

	tr := NewTransport(output, nil)
	tr.SendCommand(testCmdEchoResp, func(o OutputBuffer) {
		EncodeVLQUint(o, 300)
	})

	frame := output.DataSince(1)
	if n := scanFrame(frame); n != len(frame) {
		t.Fatalf("Encoded frame %X does not scan (%d)", frame, n)
	}
	// cmd id plus a two byte VLQ
	if frame[MessagePositionLen] != MessageLengthMin+3 {
		t.Errorf("Expected length %d, got %d", MessageLengthMin+3, frame[MessagePositionLen])
	}

	if output.DataSince(output.CurPosition()+1) != nil {
		t.Errorf("Expected nil past the end")
	}
	output.Update(output.CurPosition()+5, 0xAA)
	if len(output.Result()) != 1+len(frame) {
		t.Errorf("Update past the end changed the length")
	}
}

func TestScratchOutputReset(t *testing.T) {
	output := NewScratchOutput()
	tr := NewTransport(output, nil)

	tr.Receive(rxOf(commandFrame(MessageDest)))
	ack := append([]byte(nil), output.Result()...)
	if !bytes.Equal(ack, appendTrailer([]byte{MessageLengthMin, MessageDest | 1})) {
		t.Fatalf("Unexpected ACK %X", ack)
	}

	output.Reset()
	if output.CurPosition() != 0 || len(output.Result()) != 0 {
		t.Fatalf("Reset left %X", output.Result())
	}

	tr.Receive(rxOf(commandFrame(MessageDest | 1)))
	if !bytes.Equal(output.Result(), appendTrailer([]byte{MessageLengthMin, MessageDest | 2})) {
		t.Errorf("Expected only the second ACK after Reset, got %X", output.Result())
	}
}
