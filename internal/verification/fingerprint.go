// Package verification provides subject fingerprinting for audit and search.
package verification

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SubjectFingerprint generates a deterministic digest of the normalized
// identity fields.
//
// Formula: SHA256(name | address | father_name | date_of_birth) over
// normalized components, pipe-joined.
//
// Purpose: lets operators search and audit transactions for the same subject
// without storing a comparable plaintext identity key. The fingerprint is not
// unique across time: the same subject verified twice yields the same value,
// which is exactly what audit queries want.
//
// Normalization rules:
//  1. Lowercase
//  2. Trim surrounding whitespace
//  3. Collapse internal whitespace runs to a single space
//
// Normalization keeps cosmetic differences ("A  B" vs "a b") from splitting
// one subject into two fingerprints.
//
// Returns: 64-character lowercase hex string (SHA256 output).
func SubjectFingerprint(identity Identity) string {
	components := []string{
		normalizeComponent(identity.Name),
		normalizeComponent(identity.Address),
		normalizeComponent(identity.FatherName),
		normalizeComponent(identity.DateOfBirth),
	}

	sum := sha256.Sum256([]byte(strings.Join(components, "|")))

	return hex.EncodeToString(sum[:])
}

// normalizeComponent lowercases, trims, and collapses whitespace runs.
func normalizeComponent(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}
