package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAndValidate(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	sig := s.Sign("one-piece-ch3-page001.jpg", 1700000000)
	assert.NotEmpty(t, sig)

	assert.True(t, s.Validate("one-piece-ch3-page001.jpg", "1700000000", sig))
	assert.False(t, s.Validate("one-piece-ch3-page002.jpg", "1700000000", sig))
	assert.False(t, s.Validate("one-piece-ch3-page001.jpg", "1700000001", sig))
	assert.False(t, s.Validate("one-piece-ch3-page001.jpg", "not-a-number", sig))
	assert.False(t, s.Validate("one-piece-ch3-page001.jpg", "1700000000", "deadbeef"))
}

func TestDifferentSecretsDisagree(t *testing.T) {
	a := NewSigner([]byte("secret-a"))
	b := NewSigner([]byte("secret-b"))
	sig := a.Sign("key", 42)
	assert.False(t, b.Validate("key", "42", sig))
}
