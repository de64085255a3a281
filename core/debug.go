package core

// DebugWriter is a function type for writing debug messages.
// Platforms point it at UART, USB CDC or a host logger.
type DebugWriter func(string)

// DebugLines collects debug output in memory. Firmware uses it to buffer
// traces until USB is up; tests use it to inspect them.
type DebugLines struct {
	Lines []string
	Limit int // Oldest lines are dropped past Limit, 0 = unbounded
}

// Writer returns a DebugWriter appending to l.
func (l *DebugLines) Writer() DebugWriter {
	return func(s string) {
		l.Lines = append(l.Lines, s)
		if l.Limit > 0 && len(l.Lines) > l.Limit {
			l.Lines = l.Lines[len(l.Lines)-l.Limit:]
		}
	}
}

// Flush sends the buffered lines to w and empties the buffer.
func (l *DebugLines) Flush(w DebugWriter) {
	if w == nil {
		return
	}
	for _, s := range l.Lines {
		w(s)
	}
	l.Lines = l.Lines[:0]
}

// Tee returns a DebugWriter that writes to every non-nil writer.
func Tee(writers ...DebugWriter) DebugWriter {
	return func(s string) {
		for _, w := range writers {
			if w != nil {
				w(s)
			}
		}
	}
}
