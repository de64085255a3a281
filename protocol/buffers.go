package protocol

// InputBuffer is the receive side a Transport parses frames from
type InputBuffer interface {
	// Data returns the unparsed bytes
	Data() []byte

	// Available returns len(Data())
	Available() int

	// Pop drops n parsed bytes from the front
	Pop(n int)
}

// OutputBuffer is where a Transport encodes frames
type OutputBuffer interface {
	Output(data []byte)

	// CurPosition is the offset the next Output writes at
	CurPosition() int

	// Update patches an already written byte, the frame length field
	Update(pos int, val byte)

	// DataSince returns everything written from pos on
	DataSince(pos int) []byte
}

// RxBuffer holds received bytes until whole frames are available.
// Data stays contiguous: Pop moves the remainder to the front.
type RxBuffer struct {
	buf []byte
}

// NewRxBuffer returns a buffer holding at most capacity bytes. Bytes
// written past that are dropped and the frame scanner resyncs on the gap.
func NewRxBuffer(capacity int) *RxBuffer {
	return &RxBuffer{buf: make([]byte, 0, capacity)}
}

// Write appends as much of p as fits and returns the count taken
func (b *RxBuffer) Write(p []byte) int {
	n := min(len(p), cap(b.buf)-len(b.buf))
	b.buf = append(b.buf, p[:n]...)
	return n
}

func (b *RxBuffer) Data() []byte {
	return b.buf
}

func (b *RxBuffer) Available() int {
	return len(b.buf)
}

func (b *RxBuffer) Pop(n int) {
	if n >= len(b.buf) {
		b.buf = b.buf[:0]
		return
	}
	b.buf = b.buf[:copy(b.buf, b.buf[n:])]
}

// ScratchOutput collects encoded frames until they are flushed
type ScratchOutput struct {
	buf []byte
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{buf: make([]byte, 0, MessageMax)}
}

func (s *ScratchOutput) Output(data []byte) {
	s.buf = append(s.buf, data...)
}

func (s *ScratchOutput) CurPosition() int {
	return len(s.buf)
}

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos < len(s.buf) {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > len(s.buf) {
		return nil
	}
	return s.buf[pos:]
}

// Result returns the bytes written since the last Reset. The slice is
// reused after Reset.
func (s *ScratchOutput) Result() []byte {
	return s.buf
}

func (s *ScratchOutput) Reset() {
	s.buf = s.buf[:0]
}
