package optimization

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perivale/allocator/internal/domain"
)

func assertConflict(t *testing.T, err error, contains string) {
	t.Helper()
	require.Error(t, err)
	var conflict *domain.ConstraintConflictError
	require.True(t, errors.As(err, &conflict), "expected ConstraintConflictError, got %T", err)
	assert.Contains(t, conflict.Error(), contains)
}

func TestValidateDefaults(t *testing.T) {
	cs := NewConstraintSet()
	assert.NoError(t, cs.Validate([]string{"AAA", "BBB"}))
	assert.Equal(t, DefaultBound, cs.Bound("AAA"))
}

func TestValidateRejectsInvertedBound(t *testing.T) {
	cs := NewConstraintSet().WithBound("AAA", 0.5, 0.2)
	assertConflict(t, cs.Validate([]string{"AAA", "BBB"}), "lower bound")
}

func TestValidateRejectsUnknownAsset(t *testing.T) {
	cs := NewConstraintSet().WithBound("ZZZ", 0, 1)
	assertConflict(t, cs.Validate([]string{"AAA"}), "outside the return universe")

	cs = NewConstraintSet().WithGroup("tech", 0, 0.5, "AAA", "QQQ")
	assertConflict(t, cs.Validate([]string{"AAA"}), "outside the return universe")
}

func TestValidateRejectsOversubscribedLowerBounds(t *testing.T) {
	cs := NewConstraintSet().
		WithBound("AAA", 0.6, 1).
		WithBound("BBB", 0.6, 1)
	assertConflict(t, cs.Validate([]string{"AAA", "BBB"}), "above 100%")
}

func TestValidateRejectsShortUpperBounds(t *testing.T) {
	cs := NewConstraintSet().
		WithBound("AAA", 0, 0.3).
		WithBound("BBB", 0, 0.3)
	assertConflict(t, cs.Validate([]string{"AAA", "BBB"}), "below 100%")
}

func TestValidateRejectsConflictingGroupLowerBounds(t *testing.T) {
	// Two mutually exclusive groups covering all assets, lower bounds
	// summing above 100%.
	cs := NewConstraintSet().
		WithGroup("equities", 0.7, 1, "AAA", "BBB").
		WithGroup("bonds", 0.7, 1, "CCC", "DDD")
	assertConflict(t, cs.Validate([]string{"AAA", "BBB", "CCC", "DDD"}), "group lower bounds")
}

func TestValidateRejectsTightConcentrationCeiling(t *testing.T) {
	// Σw² cannot drop below 1/n for a fully invested portfolio.
	cs := NewConstraintSet().WithMaxConcentration(0.2)
	assertConflict(t, cs.Validate([]string{"AAA", "BBB", "CCC", "DDD"}), "equal-weight floor")
}

func TestGroupMembership(t *testing.T) {
	cs := NewConstraintSet().WithGroup("tech", 0.1, 0.6, "AAA", "CCC")
	assets := []string{"AAA", "BBB", "CCC"}

	require.NoError(t, cs.Validate(assets))
	assert.Equal(t, []int{0, 2}, cs.GroupMembers("tech", assets))
	assert.Equal(t, []string{"tech"}, cs.Groups())
	assert.Equal(t, Bound{Lower: 0.1, Upper: 0.6}, cs.GroupBound("tech"))
}

func TestCloneWithTargetReturnLeavesOriginalUntouched(t *testing.T) {
	cs := NewConstraintSet().WithBound("AAA", 0.1, 0.9)
	clone := cs.CloneWithTargetReturn(0.08)

	_, ok := cs.TargetReturn()
	assert.False(t, ok)

	target, ok := clone.TargetReturn()
	require.True(t, ok)
	assert.Equal(t, 0.08, target)
	assert.Equal(t, cs.Bound("AAA"), clone.Bound("AAA"))
}
