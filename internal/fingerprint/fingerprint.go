// Package fingerprint computes the content digest used for job dedup and
// embedding cache keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var newlineReplacer = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Normalize folds text to NFC, unifies line endings and trims the outer
// whitespace. Interior whitespace is kept.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = newlineReplacer.Replace(text)
	return strings.TrimSpace(text)
}

// Sum returns the lowercase hex sha256 of the normalized text.
func Sum(text string) string {
	h := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(h[:])
}
