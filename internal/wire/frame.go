package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	pool "github.com/libp2p/go-buffer-pool"
)

const (
	// HeaderSize is the length prefix of every frame.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds a frame payload.
	DefaultMaxFrameSize = 64 * 1024
)

// ErrFrameTooLarge is returned for frames whose payload exceeds the limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes m as one frame: a big endian uint32 payload length
// followed by the payload text.
func WriteFrame(w io.Writer, m Message, maxSize int) error {
	payload := m.String()
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxSize)
	}

	buf := pool.Get(HeaderSize + len(payload))
	defer pool.Put(buf)

	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r, reassembling partial reads.
func ReadFrame(r io.Reader, maxSize int) (Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return Message{}, fmt.Errorf("%w: zero length frame", ErrMalformed)
	}
	if size > uint32(maxSize) {
		return Message{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	buf := pool.Get(int(size))
	defer pool.Put(buf)

	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}

	return Parse(string(buf))
}
