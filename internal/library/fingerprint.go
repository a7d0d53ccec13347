package library

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint identifies an interchangeable generated problem.
type Fingerprint struct {
	Topic      string
	Level      string
	Difficulty string
	Variant    int
}

// Key returns the hex SHA-256 of the normalized fields joined by 0x1f.
// Case and surrounding whitespace do not change the key.
func (f Fingerprint) Key() string {
	parts := []string{
		normalize(f.Topic),
		normalize(f.Level),
		normalize(f.Difficulty),
		strconv.Itoa(f.Variant),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// NextVariant returns the same fingerprint with the following variant number.
func NextVariant(f Fingerprint) Fingerprint {
	f.Variant++
	return f
}

// ContentHash returns the hex SHA-256 of the trimmed problem text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
