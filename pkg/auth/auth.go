package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeyPrefix is the stable prefix of every issued API key
const KeyPrefix = "ci_"

// keyEntropyBytes is the random payload of a key: 30 bytes = 240 bits,
// rendered as 40 URL-safe base64 characters.
const keyEntropyBytes = 30

// GenerateAPIKey returns a fresh plaintext API key.
// Keys have the form "ci_" followed by 40 URL-safe characters. The caller
// must hash the key before storing it; the plaintext is shown exactly once.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey returns the hex-encoded SHA-256 digest of a plaintext key.
// Only this digest is ever persisted.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
