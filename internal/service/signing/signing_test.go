package signing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedURLShape(t *testing.T) {
	s := New("secret", "https://dl.example.com/api/v1/downloads/file")
	exp := time.Now().Add(10 * time.Minute)

	url := s.SignedURL("tok123", exp)
	assert.True(t, strings.HasPrefix(url, "https://dl.example.com/api/v1/downloads/file/tok123?signature="))
}

func TestVerifyRoundTrip(t *testing.T) {
	s := New("secret", "/api/v1/downloads/file")
	exp := time.Now().Add(10 * time.Minute).UTC()

	sig := s.sign("tok123", exp)
	assert.True(t, s.Verify("tok123", sig, exp))

	// Wrong token, wrong expiry, and tampered signature all refuse.
	assert.False(t, s.Verify("tok124", sig, exp))
	assert.False(t, s.Verify("tok123", sig, exp.Add(time.Minute)))
	tampered := "0" + sig[1:]
	if tampered == sig {
		tampered = "1" + sig[1:]
	}
	assert.False(t, s.Verify("tok123", tampered, exp))
}

func TestDifferentSecretsDisagree(t *testing.T) {
	a := New("secret-a", "/f")
	b := New("secret-b", "/f")
	exp := time.Now().Add(time.Minute)

	sig := a.sign("tok", exp)
	assert.False(t, b.Verify("tok", sig, exp))
}

func TestRandomSecretFallback(t *testing.T) {
	s := New("", "/f")
	require.NotNil(t, s)
	exp := time.Now().Add(time.Minute)
	sig := s.sign("tok", exp)
	assert.True(t, s.Verify("tok", sig, exp))
}

func TestSignatureCoversExpirySecondPrecision(t *testing.T) {
	s := New("secret", "/f")
	exp := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Sub-second differences collapse to the same RFC3339 instant.
	assert.Equal(t, s.sign("tok", exp), s.sign("tok", exp.Add(500*time.Millisecond)))
	assert.NotEqual(t, s.sign("tok", exp), s.sign("tok", exp.Add(time.Second)))
}
