package archive

import "fmt"

// Compression identifies the compression applied to a whole archive.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// String returns the human-readable name of the compression algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Extension returns the file-name extension of archives using c.
func (c Compression) Extension() string {
	switch c {
	case CompressionZstd:
		return "cpio.zst"
	default:
		return "cpio"
	}
}

// ParseCompression parses a compression name as accepted on the command
// line. The empty string selects CompressionNone.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}
