// Package checksum computes content fingerprints: base64-encoded SHA-256
// digests, the same encoding S3 uses for x-amz-checksum-sha256.
package checksum

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"os"
)

const bufferSize = 64 * 1024 // 64KB buffer

// File streams the file at path through SHA-256.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return Reader(file)
}

// Reader consumes r and returns its fingerprint.
func Reader(r io.Reader) (string, error) {
	hash := sha256.New()
	buffer := make([]byte, bufferSize)

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			if _, err := hash.Write(buffer[:n]); err != nil {
				return "", fmt.Errorf("write to hash: %w", err)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
	}

	return encode(hash), nil
}

// Bytes fingerprints an in-memory buffer.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func encode(h hash.Hash) string {
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// TeeReader fingerprints the bytes read through it.
type TeeReader struct {
	reader   io.Reader
	hash     hash.Hash
	n        int64
	checksum string
	done     bool
}

func NewTeeReader(r io.Reader) *TeeReader {
	return &TeeReader{
		reader: r,
		hash:   sha256.New(),
	}
}

func (t *TeeReader) Read(p []byte) (n int, err error) {
	n, err = t.reader.Read(p)
	if n > 0 {
		t.n += int64(n)
		if _, werr := t.hash.Write(p[:n]); werr != nil {
			return n, werr
		}
	}
	if err == io.EOF && !t.done {
		t.done = true
		t.checksum = encode(t.hash)
	}
	return n, err
}

// BytesRead is the number of bytes passed through so far.
func (t *TeeReader) BytesRead() int64 {
	return t.n
}

// Checksum returns the fingerprint; it is only available after EOF.
func (t *TeeReader) Checksum() (string, error) {
	if !t.done {
		return "", fmt.Errorf("checksum not yet calculated (read not complete)")
	}
	return t.checksum, nil
}
