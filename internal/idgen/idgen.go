// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New generates a UUID-like random ID (32 hex chars with dashes).
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix generates a random ID with a prefix (e.g. "esc_", "txh_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// escrowAlphabet omits easily-confused characters (0/O, 1/I/L).
const escrowAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// EscrowNumber generates a human-readable escrow number such as
// "ESC-20260831-K7QM2X". Uniqueness is enforced by the store; the date
// segment exists for operator readability only.
func EscrowNumber(now time.Time) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	suffix := make([]byte, 6)
	for i, v := range b {
		suffix[i] = escrowAlphabet[int(v)%len(escrowAlphabet)]
	}
	return fmt.Sprintf("ESC-%s-%s", now.Format("20060102"), suffix)
}
