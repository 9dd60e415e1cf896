package ratelimit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// IPHasher produces keyed one-way hashes of client addresses. The raw
// address is never stored; the 64-hex-char digest is safe both as a durable
// column value and as a rate-limit identifier.
type IPHasher struct {
	secret []byte
}

// NewIPHasher creates a hasher keyed with the process-wide secret.
func NewIPHasher(secret []byte) *IPHasher {
	return &IPHasher{secret: secret}
}

// Hash returns the lowercase hex HMAC-SHA-256 of the address.
func (h *IPHasher) Hash(addr string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(addr))
	return hex.EncodeToString(mac.Sum(nil))
}
