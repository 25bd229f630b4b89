package item

import (
	"crypto/rand"
	"fmt"
)

// RandomVersion returns a cryptographically random base64 version string of
// size raw bytes, for items with no stable content to derive a version
// from (e.g. an empty body with the same parents as a sibling).
func RandomVersion(size int) (string, error) {
	if size < 1 || size > 6 {
		return "", fmt.Errorf("item: random version size %d out of range [1,6]", size)
	}
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return EncodeVersion(b), nil
}
