package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// tokenBytes is the entropy of minted credentials: 32 bytes / 256 bits.
// Entropy alone is the first line of defense against collisions; the store's
// uniqueness constraint is the second.
const tokenBytes = 32

// mintToken draws 32 cryptographically secure random bytes and encodes them
// as a URL-safe base64 text token. Used for both API key tokens and service
// account client secrets.
func mintToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// secretsEqual compares two credential values in constant time so comparison
// latency leaks nothing about how much of the value matched.
func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
