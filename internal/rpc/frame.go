package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single framed packet; larger payloads are treated
// as a malformed frame and the connection is closed by the caller.
const MaxFrameSize = 64 * 1024 * 1024

// FrameReader reads length-prefixed packets: a 4-byte big-endian length
// followed by that many bytes of UTF-8 JSON.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for length-prefixed framing.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame blocks until a full packet has been read, or returns the
// underlying I/O error (including io.EOF on clean close).
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed packet to w. Safe to call
// concurrently only if the caller serializes access to w itself;
// transport.Connection is responsible for that serialization.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
