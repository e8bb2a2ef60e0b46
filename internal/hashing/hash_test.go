package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Reference values shared with the peer SDK test suites. If these move,
// rollouts stop being sticky across languages.
func TestBucket_ReferenceValues(t *testing.T) {
	tests := []struct {
		key        string
		identifier string
		salt       string
		want       float64
	}{
		{"simple-flag", "some-distinct-id", "", 0.477755795905271},
		{"simple-flag", "some-distinct-id_within_rollout?", "", 0.05922333508807739},
		{"beta-feature", "distinct-id", "", 0.2299884300760246},
		{"beta-feature", "distinct-id", SaltVariant, 0.45853609555075997},
		{"multivariate-flag", "example_id", SaltVariant, 0.4099865814300066},
		{"multivariate-flag", "test_id", SaltVariant, 0.5914075303197696},
	}

	for _, tt := range tests {
		got := Bucket(tt.key, tt.identifier, tt.salt)
		assert.InDelta(t, tt.want, got, 1e-12, "Bucket(%q, %q, %q)", tt.key, tt.identifier, tt.salt)
	}
}

func TestBucket_Deterministic(t *testing.T) {
	first := Bucket("flag-key", "user-a", "")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Bucket("flag-key", "user-a", ""))
	}
}

func TestBucket_Range(t *testing.T) {
	for _, id := range []string{"user-a", "user-b", "user-c", "", "."} {
		v := Bucket("flag-key", id, "")
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestInRollout(t *testing.T) {
	pct := func(v float64) *float64 { return &v }

	// user-a hashes to ~0.774 for flag-key.
	assert.True(t, InRollout("flag-key", "user-a", nil))
	assert.True(t, InRollout("flag-key", "user-a", pct(100)))
	assert.True(t, InRollout("flag-key", "user-a", pct(80)))
	assert.False(t, InRollout("flag-key", "user-a", pct(50)))
	assert.False(t, InRollout("flag-key", "user-a", pct(0)))
}

// Raising the percentage can only admit more subjects, never evict one.
func TestInRollout_Monotonic(t *testing.T) {
	pct := func(v float64) *float64 { return &v }

	for _, id := range []string{"user-a", "user-b", "user-c"} {
		admitted := false
		for p := 0.0; p <= 100; p += 5 {
			in := InRollout("flag-key", id, pct(p))
			if admitted {
				assert.True(t, in, "id %s dropped out at %v%%", id, p)
			}
			admitted = admitted || in
		}
		assert.True(t, admitted, "id %s never admitted at 100%%", id)
	}
}
