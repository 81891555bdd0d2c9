package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives a stable cache key from canonicalized parts: every part
// is lowercased and trimmed, multi-value parts must be pre-sorted by the
// caller or passed through CanonicalList. The result is
// "<prefix>:<hex sha256 of the joined parts>".
func Fingerprint(prefix string, parts ...string) string {
	h := sha256.New()
	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(strings.ToLower(strings.TrimSpace(part))))
	}
	return prefix + ":" + hex.EncodeToString(h.Sum(nil))
}

// CanonicalList lowercases, trims, de-duplicates and sorts values so that
// semantically equal lists fingerprint identically.
func CanonicalList(values []string) string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
