// Package signing implements HMAC tokens for page image URLs, so readers
// can fetch published pages without the blob store being exposed.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Signer generates and validates HMAC signatures over (storageKey, expiry).
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature for a storage key and unix expiry.
func (s *Signer) Sign(storageKey string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", storageKey, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks a signature against the key and expiry query values.
// Expiry enforcement (comparing against the clock) is the caller's job;
// Validate only proves the token was minted by us.
func (s *Signer) Validate(storageKey, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(storageKey, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
