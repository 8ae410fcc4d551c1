package log

import (
	"bytes"
	"unicode/utf8"
)

// ellipsis marks a truncated line.
const ellipsis = "..."

// BoundedBuffer is a bytes.Buffer wrapper that limits the size of written data.
// Writes past the limit are discarded and set Truncated.
type BoundedBuffer struct {
	buffer    bytes.Buffer
	limit     int
	Truncated bool
}

// NewBoundedBuffer creates a new BoundedBuffer with the specified limit.
func NewBoundedBuffer(limit int) *BoundedBuffer {
	return &BoundedBuffer{
		limit: limit,
	}
}

// Write implements io.Writer. It never returns a short write.
func (b *BoundedBuffer) Write(p []byte) (n int, err error) {
	remaining := b.limit - b.buffer.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			b.Truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		b.Truncated = true
		if _, err := b.buffer.Write(p[:remaining]); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return b.buffer.Write(p)
}

// WriteString implements io.StringWriter.
func (b *BoundedBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// String returns the buffer contents as a string.
func (b *BoundedBuffer) String() string {
	return b.buffer.String()
}

// Len returns the current length of the buffer.
func (b *BoundedBuffer) Len() int {
	return b.buffer.Len()
}

// Reset resets the buffer and clears the Truncated flag.
func (b *BoundedBuffer) Reset() {
	b.buffer.Reset()
	b.Truncated = false
}

// Line returns the contents as a line no longer than the limit. A truncated
// line ends in an ellipsis and never splits a UTF-8 sequence.
func (b *BoundedBuffer) Line() string {
	if !b.Truncated {
		return b.buffer.String()
	}
	keep := b.buffer.Bytes()
	if cut := b.limit - len(ellipsis); cut < len(keep) {
		keep = keep[:max(cut, 0)]
	}
	for i := 0; i < utf8.UTFMax-1 && len(keep) > 0; i++ {
		if r, size := utf8.DecodeLastRune(keep); r != utf8.RuneError || size > 1 {
			break
		}
		keep = keep[:len(keep)-1]
	}
	return string(keep) + ellipsis
}
