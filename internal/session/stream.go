package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ppiankov/sideload/internal/broker"
)

// DefaultChunkSize is the streaming buffer size.
const DefaultChunkSize = 8192

// Stream copies src into dst in chunks of exactly chunkSize bytes (the last
// one may be shorter). Every chunk is written, flushed and fsynced before
// the next is read, so an interrupted stream never leaves unsynced data
// behind in the session. ctx is checked between chunks.
func Stream(ctx context.Context, dst broker.WriteHandle, src io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	buf := make([]byte, chunkSize)
	var total int64
	for {
		if ctx.Err() != nil {
			return total, context.Cause(ctx)
		}

		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			if err != nil {
				return total, fmt.Errorf("write chunk at %d: %w", total, err)
			}
			if w != n {
				return total, fmt.Errorf("write chunk at %d: %w", total, io.ErrShortWrite)
			}
			if err := dst.Flush(); err != nil {
				return total, fmt.Errorf("flush chunk at %d: %w", total, err)
			}
			if err := dst.Fsync(); err != nil {
				return total, fmt.Errorf("fsync chunk at %d: %w", total, err)
			}
			total += int64(n)
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return total, nil
		default:
			return total, fmt.Errorf("read source at %d: %w", total, rerr)
		}
	}
}
