package protocol

import (
	"bufio"
	"bytes"
	"io"
)

// maxLineSize bounds a single envelope line. pty.output chunks are
// base64-encoded backlog-budget-sized slices, so this comfortably covers
// the largest legitimate envelope while still rejecting a runaway peer.
const maxLineSize = 16 << 20

// LineDecoder accumulates bytes from a connection and emits complete
// newline-terminated lines. It never returns a partial line: a line is
// only yielded once its trailing '\n' has been seen (spec §4.2, "No
// partial messages cross boundaries").
type LineDecoder struct {
	scanner *bufio.Scanner
}

// NewLineDecoder wraps r for line-oriented reads.
func NewLineDecoder(r io.Reader) *LineDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	// Unlike bufio.ScanLines, an unterminated final line at EOF is dropped.
	s.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	})
	return &LineDecoder{scanner: s}
}

// Next returns the next line (without the trailing newline), or an error.
// io.EOF (wrapped via (false, nil) return semantics below) is signaled by
// ok == false with a nil error.
func (d *LineDecoder) Next() (line []byte, ok bool, err error) {
	if !d.scanner.Scan() {
		return nil, false, d.scanner.Err()
	}
	// Scanner reuses its buffer; copy so callers can retain the line.
	raw := d.scanner.Bytes()
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}
