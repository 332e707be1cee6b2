package services

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the hex sha256 of data. A non-empty salt is mixed in
// after a zero byte so that identical bytes at different salts never collide
// with the unsalted digest.
func Fingerprint(data []byte, salt string) string {
	hash := sha256.New()
	hash.Write(data)
	if salt != "" {
		hash.Write([]byte{0})
		hash.Write([]byte(salt))
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// DocumentID identifies a file by its bytes and its path.
func DocumentID(path string, data []byte) string {
	return Fingerprint(data, path)
}

// ContentHash identifies a file by its bytes alone.
func ContentHash(data []byte) string {
	return Fingerprint(data, "")
}
