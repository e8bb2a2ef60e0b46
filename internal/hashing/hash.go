// Package hashing implements the stable bucketing scheme shared with
// peer SDKs. Changing any part of it breaks rollout consistency across
// languages, so the construction is frozen: SHA-1 over
// "<key>.<identifier><salt>", leading 15 hex digits, scaled to [0,1).
package hashing

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// longScale is the largest value representable in 15 hex digits.
const longScale = 0xfffffffffffffff

// SaltVariant selects the independent hash used for multivariate
// allocation, so variant choice does not correlate with rollout.
const SaltVariant = "variant"

// Bucket maps (key, identifier, salt) to a stable value in [0, 1).
func Bucket(key, identifier, salt string) float64 {
	digest := sha1.Sum([]byte(key + "." + identifier + salt))
	hexDigest := hex.EncodeToString(digest[:])[:15]

	// 15 hex digits always fit in an int64; ParseInt cannot fail here.
	value, _ := strconv.ParseInt(hexDigest, 16, 64)
	return float64(value) / longScale
}

// InRollout reports whether the identifier falls inside the given
// percentage for the flag key. A nil percentage means 100%.
func InRollout(key, identifier string, percentage *float64) bool {
	if percentage == nil {
		return true
	}
	return Bucket(key, identifier, "") < *percentage/100
}
