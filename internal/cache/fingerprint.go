// Package cache holds the process-wide decision cache and the
// $feature_flag_called suppression cache, both keyed by canonical
// subject fingerprints.
package cache

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint canonicalizes a subject context into a stable key.
// Property and group maps are encoded with recursively sorted keys, so
// insertion order never changes the fingerprint, and empty maps encode
// exactly like absent ones.
func Fingerprint(distinctID string, personProperties map[string]any, groups map[string]string, groupProperties map[string]map[string]any) string {
	var buf bytes.Buffer
	buf.WriteString(distinctID)
	buf.WriteByte(0)
	writeCanonical(&buf, len(personProperties) == 0, personProperties)
	buf.WriteByte(0)
	writeCanonical(&buf, len(groups) == 0, groups)
	buf.WriteByte(0)
	writeCanonical(&buf, len(groupProperties) == 0, groupProperties)

	sum := sha1.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// writeCanonical writes the canonical JSON encoding of a map.
// encoding/json already emits map keys in sorted order, recursively for
// nested maps, which is exactly the canonical form we need.
func writeCanonical(buf *bytes.Buffer, empty bool, value any) {
	if empty {
		buf.WriteString("{}")
		return
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		// Unencodable values cannot be fingerprinted canonically; fall
		// back to an empty object so the caller still gets a key.
		buf.WriteString("{}")
		return
	}
	buf.Write(encoded)
}
