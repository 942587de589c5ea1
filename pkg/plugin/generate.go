package plugin

import (
	"crypto/rand"
	"fmt"
)

// Charsets for GenerateValue.
const (
	CharsetAlphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	CharsetPassword     = CharsetAlphanumeric + "!#%+-.:=@^_~"
)

// DefaultValueLength is used when GenerateValue is asked for length <= 0.
const DefaultValueLength = 32

// GenerateValue returns a random string of length characters from charset.
// Rejection sampling keeps the distribution uniform.
func GenerateValue(length int, charset string) (string, error) {
	if length <= 0 {
		length = DefaultValueLength
	}
	if charset == "" {
		charset = CharsetAlphanumeric
	}
	if len(charset) > 256 {
		return "", fmt.Errorf("charset too large: %d characters", len(charset))
	}

	limit := 256 - (256 % len(charset))
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, charset[int(b)%len(charset)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
