// Package protocol implements the Klipper serial protocol: message framing,
// CRC16, VLQ argument encoding, and the MCU-side and host-side transports.
//
// The host uses it to reach SPI devices wired to a Klipper MCU; the
// simulator uses the MCU side to stand in for real firmware.
package protocol

// Version is the protocol library version reported in simulated dictionaries
const Version = "as5048a-0.2.0"

// Message framing
//
//	<len><seq><payload...><crc hi><crc lo><sync>
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10

	// Sequence numbers live in the low nibble, MessageDest in the high one
	MessageSeqMask = 0x0F

	// MessageMax sizes the receive and scratch buffers
	MessageMax = 512
)

// Message is one parsed frame
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // Frame data without header/trailer
	CRC      uint16
}

// nextSequence returns the sequence that follows seq, keeping MessageDest
func nextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}

// appendTrailer computes the CRC over frame and appends CRC and sync byte
func appendTrailer(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, uint8(crc>>8), uint8(crc), MessageValueSync)
}

// scanFrame looks for one complete, valid frame at the start of data.
// It returns the frame length, 0 when more data is needed, or -1 when data
// does not start with a valid frame and the reader must resynchronize.
func scanFrame(data []byte) int {
	if len(data) < MessageLengthMin {
		return 0
	}

	msgLen := int(data[MessagePositionLen])
	if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
		return -1
	}
	if data[MessagePositionSeq]&^MessageSeqMask != MessageDest {
		return -1
	}
	if len(data) < msgLen {
		return 0
	}
	if data[msgLen-MessageTrailerSync] != MessageValueSync {
		return -1
	}

	frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 |
		uint16(data[msgLen-MessageTrailerCRC+1])
	if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
		return -1
	}
	return msgLen
}

// skipToSync drops everything up to and including the next sync byte.
// It returns nil when there is none.
func skipToSync(data []byte) []byte {
	for i, b := range data {
		if b == MessageValueSync {
			return data[i+1:]
		}
	}
	return nil
}
