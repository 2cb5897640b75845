package security

import (
	"crypto/rand"
	"encoding/hex"
)

// LeaseTokenLength is the encoded length of a generated lease token
// (16 random bytes, 128 bits, as lowercase hex).
const LeaseTokenLength = 32

// GenerateLeaseToken creates a cryptographically secure opaque lease token.
// Tokens are 128-bit random values encoded as lowercase hex, handed to a
// client on slot acquisition and required on every subsequent send/release
// call against that slot.
func GenerateLeaseToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
