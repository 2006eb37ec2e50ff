// Package file provides small I/O helpers shared by the archive builder,
// the artifact cache and the HTTP server.
package file

import (
	"context"
	"errors"
	"io"
)

// ErrOverflow indicates a counter exceeded its maximum value.
var ErrOverflow = errors.New("counter overflow")

// copyBufferSize is the read size used by Concat.
const copyBufferSize = 256 << 10

// Concat copies each source to dst in turn, checking ctx before every read.
// It returns the total number of bytes written.
func Concat(ctx context.Context, dst io.Writer, srcs ...io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for _, src := range srcs {
		for {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			nr, er := src.Read(buf)
			if nr > 0 {
				nw, ew := dst.Write(buf[:nr])
				written += int64(nw)
				if ew != nil {
					return written, ew
				}
				if nw != nr {
					return written, io.ErrShortWrite
				}
			}
			if errors.Is(er, io.EOF) {
				break
			}
			if er != nil {
				return written, er
			}
		}
	}
	return written, nil
}
