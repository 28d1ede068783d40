package rotation

import (
	"crypto/rand"
	"fmt"
)

// DefaultCharset is used when a policy does not pin one. No quotes or
// backslashes: generated values pass through SQL statements and JSON
// payloads unescaped.
const DefaultCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Generate returns cryptographically random material of the given length
// drawn from charset.
func Generate(length int, charset string) ([]byte, error) {
	if length <= 0 {
		length = 32
	}
	if charset == "" {
		charset = DefaultCharset
	}
	if len(charset) > 256 {
		return nil, fmt.Errorf("charset too large: %d characters", len(charset))
	}

	out := make([]byte, length)
	// Rejection sampling keeps the draw uniform across the charset.
	limit := byte(256 - (256 % len(charset)))
	buf := make([]byte, length)
	filled := 0
	for filled < length {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate random material: %w", err)
		}
		for _, b := range buf {
			if limit != 0 && b >= limit {
				continue
			}
			out[filled] = charset[int(b)%len(charset)]
			filled++
			if filled == length {
				break
			}
		}
	}
	return out, nil
}
