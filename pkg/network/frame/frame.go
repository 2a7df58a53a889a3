// Package frame reads and writes length-prefixed frames on a stream:
// a little-endian uint32 content size followed by the content.
package frame

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxSize bounds a single frame so a peer cannot make us allocate at will.
const MaxSize = 4 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Write writes content as one frame. The write is abandoned when ctx is
// done; the caller must then discard the stream.
func Write(ctx context.Context, w io.Writer, content []byte) error {
	if len(content) > MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(content))
	}
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 0, 4+len(content))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(content)))
		buf = append(buf, content...)
		if _, err := w.Write(buf); err != nil {
			done <- fmt.Errorf("failed to write frame: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type result struct {
	content []byte
	err     error
}

// Read reads one frame. The read is abandoned when ctx is done.
func Read(ctx context.Context, r io.Reader) ([]byte, error) {
	done := make(chan result, 1)
	go func() {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			done <- result{err: fmt.Errorf("failed to read frame size: %w", err)}
			return
		}
		if size > MaxSize {
			done <- result{err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)}
			return
		}
		content := make([]byte, size)
		if _, err := io.ReadFull(r, content); err != nil {
			done <- result{err: fmt.Errorf("failed to read frame content: %w", err)}
			return
		}
		done <- result{content: content}
	}()

	select {
	case res := <-done:
		return res.content, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
