package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint identifies a credential without revealing it. It is safe to
// log and to use as a storage key.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return "sha256:" + hex.EncodeToString(sum[:8])
}
