package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewVisitorToken returns an opaque token a returning visitor presents to
// resume its identity.
func NewVisitorToken() (string, error) {
	tok, err := randomToken(24)
	if err != nil {
		return "", fmt.Errorf("generate visitor token: %w", err)
	}
	return tok, nil
}

// NewAPIKey returns a fresh tenant API key.
func NewAPIKey() (string, error) {
	key, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
