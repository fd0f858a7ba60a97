package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

// NullSentinel stands in for absent values. Present values are quoted so they never collide with it.
const NullSentinel = "<NULL>"

// separator joins canonical column=value pairs
const separator = "||"

// RowHash creates a deterministic change-detection hash for a dimension row.
// Values are trimmed and upper-cased, absent values become NullSentinel, and
// the hash covers every column in columns (sorted) except those in excludeFields.
func RowHash(attributes models.Attributes, columns []string, excludeFields map[string]bool) string {
	canonical := Canonicalize(attributes, columns, excludeFields)
	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:])
}

// Canonicalize builds the string that RowHash hashes
func Canonicalize(attributes models.Attributes, columns []string, excludeFields map[string]bool) string {
	cols := make([]string, 0, len(columns))
	for _, c := range columns {
		if excludeFields[c] {
			continue
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	parts := make([]string, len(cols))
	for i, c := range cols {
		v, ok := attributes.Get(c)
		if !ok {
			parts[i] = c + "=" + NullSentinel
			continue
		}
		parts[i] = c + "=" + strconv.Quote(strings.ToUpper(strings.TrimSpace(v)))
	}
	return strings.Join(parts, separator)
}

// HasChanged compares two fingerprints to detect changes
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}
