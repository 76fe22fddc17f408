package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// MinSecretLen is the minimum signing secret length in bytes.
const MinSecretLen = 32

// ComputeHMAC computes the HMAC-SHA256 of payload using secret.
func ComputeHMAC(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// VerifyHMAC compares two MACs in constant time.
func VerifyHMAC(expected, computed []byte) bool {
	return hmac.Equal(expected, computed)
}

// Signer produces hex-encoded HMAC-SHA256 request signatures.
type Signer struct {
	secret []byte
}

// NewSigner copies secret. Secrets shorter than MinSecretLen are rejected.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrShortSecret
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign returns the lowercase hex signature of payload.
func (s *Signer) Sign(payload []byte) string {
	return hex.EncodeToString(ComputeHMAC(s.secret, payload))
}

// Verify reports whether signature is the hex signature of payload.
func (s *Signer) Verify(payload []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return VerifyHMAC(ComputeHMAC(s.secret, payload), got)
}
