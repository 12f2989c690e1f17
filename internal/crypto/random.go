package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// NonceLength is the number of characters in an OAuth state nonce.
const NonceLength = 30

const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateNonce returns n characters drawn uniformly from an alphanumeric
// alphabet using crypto/rand. The result is URL-safe and suitable as an OAuth
// state parameter.
func GenerateNonce(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("nonce length must be positive, got %d", n)
	}
	max := big.NewInt(int64(len(nonceAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		out[i] = nonceAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// EqualNonce reports whether two nonces are byte-for-byte identical, in
// constant time. An empty value never matches.
func EqualNonce(issued, returned string) bool {
	if issued == "" || returned == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(issued), []byte(returned)) == 1
}
