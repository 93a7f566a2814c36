package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single msgpack frame read from the engine (masks for
// many objects on a 4K frame stay well below this).
const maxFrameSize = 64 << 20

// WriteFrame writes v as a length-prefixed msgpack message
// (4 bytes big-endian length followed by the msgpack payload).
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack frame: %w", err)
	}

	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], uint32(len(payload)))

	if _, err := w.Write(lengthPrefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed msgpack message into v. It returns
// io.EOF only when the stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader, v interface{}) error {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	msgLength := binary.BigEndian.Uint32(lengthPrefix[:])
	if msgLength > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", msgLength)
	}

	payload := make([]byte, msgLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", msgLength, err)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack frame: %w", err)
	}
	return nil
}
