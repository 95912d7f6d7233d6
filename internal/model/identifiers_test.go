package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPriorityCoversAllFamilies(t *testing.T) {
	require.Len(t, MatchPriority, 17)

	seen := make(map[MatchType]bool)
	for _, mt := range MatchPriority {
		assert.False(t, seen[mt], "duplicate family %s", mt)
		seen[mt] = true
		assert.Greater(t, BaselineConfidence(mt), 0.0, "missing baseline for %s", mt)
	}
}

func TestBaselinesAreMonotonicInPriority(t *testing.T) {
	// Walking down the tiers, the baseline never increases.
	prev := 1.0
	for _, mt := range MatchPriority {
		b := BaselineConfidence(mt)
		assert.LessOrEqual(t, b, prev, "baseline for %s rose above the previous tier", mt)
		prev = b
	}
	assert.Equal(t, 0.95, BaselineConfidence(MatchOrderID))
	assert.Equal(t, 0.80, BaselineConfidence(MatchPONumber))
}

func TestIdentifiersValueAndSet(t *testing.T) {
	var ids Identifiers

	_, ok := ids.Value(MatchOrderID)
	assert.False(t, ok)

	ids.Set(MatchOrderID, "111-2222222-3333333")
	ids.Set(MatchSKU, "TEST-SKU-001")
	ids.Set(MatchLPN, "")

	v, ok := ids.Value(MatchOrderID)
	require.True(t, ok)
	assert.Equal(t, "111-2222222-3333333", v)

	_, ok = ids.Value(MatchLPN)
	assert.False(t, ok, "empty values must not register")

	assert.Equal(t, []MatchType{MatchOrderID, MatchSKU}, ids.Present())
}

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	c := ClaimCandidate{DeadlineDate: now.Add(10 * 24 * time.Hour)}
	assert.Equal(t, 10, c.DaysRemaining(now))

	c.DeadlineDate = now.Add(-24 * time.Hour)
	assert.Equal(t, 0, c.DaysRemaining(now), "past deadlines floor at zero")

	c.DeadlineDate = now.Add(36 * time.Hour)
	assert.Equal(t, 1, c.DaysRemaining(now), "partial days round down")
}
