package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// tokenBytes is 128 bits of entropy; tokens render as 32 hex chars.
const tokenBytes = 16

func GenerateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// HashToken is the only form of a token that may appear in logs, channel
// names or audit records.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ShortHash trims a token hash for log readability.
func ShortHash(token string) string {
	return HashToken(token)[:12]
}

// WipeBytes best-effort zeroes b in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
