package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// digest is the checksum and length of a local file
type digest struct {
	SHA256 string
	Size   int64
}

// digestFile hashes a file in one pass and counts its bytes
func digestFile(path string) (digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return digest{}, err
	}

	return digest{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// HashString returns the hex SHA256 of s
func HashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
