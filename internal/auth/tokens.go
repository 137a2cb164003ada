package auth

import (
	"crypto/rand"
	"encoding/hex"
)

const randomTokenBytes = 32

// NewRandomToken returns 32 bytes of crypto/rand entropy, hex encoded. Used for verification
// links and OAuth state.
func NewRandomToken() (string, error) {
	buffer := make([]byte, randomTokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}
