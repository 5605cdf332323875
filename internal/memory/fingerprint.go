package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeContent collapses runs of whitespace to single spaces and trims
// the ends. Case is preserved; content case is meaningful.
func NormalizeContent(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

// Fingerprint derives the content-addressed record id: the hex SHA-256 of
// the normalized content prefixed with the process salt. Identical content
// always maps to the same id, which is the idempotency key for writes.
func Fingerprint(content, salt string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeContent(content)))
	return hex.EncodeToString(h.Sum(nil))
}
