// Package checksum computes SHA-256 content digests used as the equality
// proxy for fetched artifacts.
//
// Digests are always lowercase hex. Input is consumed incrementally so files
// of any size can be hashed without being held in memory.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// ShortLen is the prefix length used when a checksum is shown to humans
// or embedded in file names.
const ShortLen = 8

// bufSize is the read buffer for streaming digests.
const bufSize = 64 * 1024

// ReadError reports an I/O failure while reading the input being hashed.
type ReadError struct {
	Path string // empty for anonymous streams
	Err  error
}

func (e *ReadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("checksum: read %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("checksum: read stream: %v", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// IsReadError reports whether err is (or wraps) a ReadError.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}

// Sum returns the hex SHA-256 of everything readable from r.
func Sum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.CopyBuffer(h, r, make([]byte, bufSize)); err != nil {
		return "", &ReadError{Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the hex SHA-256 and size in bytes of the file at path.
func File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, &ReadError{Path: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.CopyBuffer(h, f, make([]byte, bufSize))
	if err != nil {
		return "", 0, &ReadError{Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Bytes returns the hex SHA-256 of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Short returns the first ShortLen characters of a checksum, or the whole
// value if it is shorter.
func Short(sum string) string {
	if len(sum) <= ShortLen {
		return sum
	}
	return sum[:ShortLen]
}

// Writer is an io.Writer that hashes everything written through it.
// It lets a producer hash content while streaming it elsewhere.
type Writer struct {
	h hash.Hash
	n int64
}

// NewWriter returns an empty streaming hasher.
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)
	return n, err
}

// Sum returns the hex digest of the bytes written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.n
}
