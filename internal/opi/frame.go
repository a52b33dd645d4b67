package opi

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds a single request line.
const DefaultMaxFrameBytes = 1 << 20

// frameReader splits a byte stream into newline-terminated frames, buffering
// partial reads until a full line is available.
type frameReader struct {
	r   *bufio.Reader
	max int
}

func newFrameReader(r io.Reader, max int) *frameReader {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	return &frameReader{r: bufio.NewReaderSize(r, 4096), max: max}
}

// ReadFrame returns the next line without its terminator (\n or \r\n). The
// terminator does not count towards the size limit. An oversized line is
// consumed up to its newline and reported as a FrameError so the stream stays
// aligned. A clean disconnect, with or without a dangling partial line, is
// io.EOF.
func (f *frameReader) ReadFrame() ([]byte, error) {
	var (
		buf      []byte
		overflow bool
	)
	for {
		chunk, err := f.r.ReadSlice('\n')
		if !overflow {
			if len(buf)+len(chunk) > f.max+len("\r\n") {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch err {
		case nil:
			body := bytes.TrimSuffix(bytes.TrimSuffix(buf, []byte("\n")), []byte("\r"))
			if overflow || len(body) > f.max {
				return nil, &FrameError{Reason: fmt.Sprintf("frame exceeds %d bytes", f.max)}
			}
			return body, nil
		case bufio.ErrBufferFull:
			continue
		default:
			return nil, err
		}
	}
}
