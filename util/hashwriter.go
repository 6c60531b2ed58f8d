package util

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// VerifyStreamHash checksums the given io.Reader and compares the SHA-256
// checksum against the provided one. An empty goal is treated as matching.
// The reader is not closed when finished.
func VerifyStreamHash(r io.Reader, goal []byte) (bool, error) {
	hw := NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	_, ok := hw.CheckSHA256(goal)
	return ok, err
}

// An HashWriter wraps an io.Writer and also calculates the SHA-256 hash and
// the length of the bytes written.
type HashWriter struct {
	w      io.Writer
	sha256 hash.Hash
	size   int64
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{sha256: sha256.New()}
	hw.w = io.MultiWriter(w, hw.sha256)
	return hw
}

// NewHashWriterPlain return a HashWriter that does not wrap an output stream.
// It will just compute the checksum of the data written to it.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{sha256: sha256.New()}
	hw.w = hw.sha256
	return hw
}

func (hw *HashWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.size += int64(n)
	return n, err
}

// Size is the number of bytes written so far.
func (hw *HashWriter) Size() int64 { return hw.size }

// Hex returns the SHA-256 hash of the bytes written so far, hex encoded.
func (hw *HashWriter) Hex() string {
	return hex.EncodeToString(hw.sha256.Sum(nil))
}

// CheckSHA256 returns the SHA256 hash for this writer, and compares it for
// equality with the goal hash passed in. Returns true if goal matches the
// SHA256 hash, false otherwise. If the goal is empty then it is treated as
// matching, and true is returned.
func (hw *HashWriter) CheckSHA256(goal []byte) ([]byte, bool) {
	computed := hw.sha256.Sum(nil)
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}
