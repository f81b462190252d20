package room

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// cleanAlphabet omits 0, 1, I and O, which are easy to misread.
const cleanAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// NormalizeCode upper-cases and trims a user-supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is exactly length ASCII letters or digits.
// code must already be normalized.
func ValidCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// GenerateCode returns a random code of length from the clean alphabet.
func GenerateCode(length int) string {
	var b strings.Builder
	b.Grow(length)
	limit := big.NewInt(int64(len(cleanAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic(err)
		}
		b.WriteByte(cleanAlphabet[n.Int64()])
	}
	return b.String()
}
