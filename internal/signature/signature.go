// Package signature computes and verifies the X-Signature header carried by
// every notification: a hex-encoded HMAC-SHA256 of the exact JSON body.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Header is the request header carrying the signature.
const Header = "X-Signature"

type Signer struct {
	secret []byte
}

func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Encode serializes v to its canonical JSON form and signs it. The returned
// bytes are the ones that must be sent.
func (s *Signer) Encode(v any) ([]byte, string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return body, s.Sign(body), nil
}

// Verify reports whether sig is the signature of body.
func (s *Signer) Verify(body []byte, sig string) bool {
	expected := s.Sign(body)
	return hmac.Equal([]byte(expected), []byte(sig))
}
