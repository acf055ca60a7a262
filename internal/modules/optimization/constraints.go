// Package optimization solves constrained portfolio allocation problems over
// annualized moment estimates.
package optimization

import (
	"fmt"
	"sort"

	"github.com/perivale/allocator/internal/domain"
)

// Bound is an inclusive weight interval.
type Bound struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// DefaultBound is the long-only full-range bound applied to assets without an
// explicit one.
var DefaultBound = Bound{Lower: 0, Upper: 1}

// ConstraintSet declares the feasible region for a solve: per-asset bounds,
// group bounds, an optional minimum target return and an optional
// concentration ceiling. Immutable per optimization call.
type ConstraintSet struct {
	bounds           map[string]Bound
	assetGroups      map[string]string // asset -> group id
	groupBounds      map[string]Bound
	targetReturn     *float64
	maxConcentration *float64
}

// NewConstraintSet creates an empty constraint set. Assets without an explicit
// bound default to [0, 1] (no short selling, full range).
func NewConstraintSet() *ConstraintSet {
	return &ConstraintSet{
		bounds:      make(map[string]Bound),
		assetGroups: make(map[string]string),
		groupBounds: make(map[string]Bound),
	}
}

// WithBound sets the weight bound for one asset.
func (cs *ConstraintSet) WithBound(asset string, lower, upper float64) *ConstraintSet {
	cs.bounds[asset] = Bound{Lower: lower, Upper: upper}
	return cs
}

// WithGroup assigns assets to a group and bounds the group's total weight.
// Each asset belongs to at most one group; reassigning moves it.
func (cs *ConstraintSet) WithGroup(group string, lower, upper float64, assets ...string) *ConstraintSet {
	cs.groupBounds[group] = Bound{Lower: lower, Upper: upper}
	for _, a := range assets {
		cs.assetGroups[a] = group
	}
	return cs
}

// WithTargetReturn requires the solved portfolio's expected return to reach
// at least target (annualized).
func (cs *ConstraintSet) WithTargetReturn(target float64) *ConstraintSet {
	cs.targetReturn = &target
	return cs
}

// WithMaxConcentration caps the sum of squared weights (Herfindahl index).
func (cs *ConstraintSet) WithMaxConcentration(ceiling float64) *ConstraintSet {
	cs.maxConcentration = &ceiling
	return cs
}

// Bound returns the effective bound for an asset.
func (cs *ConstraintSet) Bound(asset string) Bound {
	if b, ok := cs.bounds[asset]; ok {
		return b
	}
	return DefaultBound
}

// TargetReturn returns the minimum target return, if set.
func (cs *ConstraintSet) TargetReturn() (float64, bool) {
	if cs.targetReturn == nil {
		return 0, false
	}
	return *cs.targetReturn, true
}

// MaxConcentration returns the concentration ceiling, if set.
func (cs *ConstraintSet) MaxConcentration() (float64, bool) {
	if cs.maxConcentration == nil {
		return 0, false
	}
	return *cs.maxConcentration, true
}

// Groups returns group ids in sorted order.
func (cs *ConstraintSet) Groups() []string {
	out := make([]string, 0, len(cs.groupBounds))
	for g := range cs.groupBounds {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// GroupMembers returns the member indices of a group within the given asset
// ordering.
func (cs *ConstraintSet) GroupMembers(group string, assets []string) []int {
	var members []int
	for i, a := range assets {
		if cs.assetGroups[a] == group {
			members = append(members, i)
		}
	}
	return members
}

// GroupBound returns the bound for a group id.
func (cs *ConstraintSet) GroupBound(group string) Bound {
	return cs.groupBounds[group]
}

// Validate checks internal consistency against the asset universe. Returns a
// ConstraintConflictError describing the first problem found.
func (cs *ConstraintSet) Validate(assets []string) error {
	universe := make(map[string]bool, len(assets))
	for _, a := range assets {
		universe[a] = true
	}

	for asset := range cs.bounds {
		if !universe[asset] {
			return &domain.ConstraintConflictError{
				Reason: fmt.Sprintf("bound references asset %s outside the return universe", asset),
			}
		}
	}
	for asset, group := range cs.assetGroups {
		if !universe[asset] {
			return &domain.ConstraintConflictError{
				Reason: fmt.Sprintf("group %s references asset %s outside the return universe", group, asset),
			}
		}
	}

	totalLower, totalUpper := 0.0, 0.0
	for _, asset := range assets {
		b := cs.Bound(asset)
		if b.Lower > b.Upper {
			return &domain.ConstraintConflictError{
				Reason: fmt.Sprintf("asset %s has lower bound %.4f above upper bound %.4f", asset, b.Lower, b.Upper),
			}
		}
		totalLower += b.Lower
		totalUpper += b.Upper
	}
	if totalLower > 1.0+1e-9 {
		return &domain.ConstraintConflictError{
			Reason: fmt.Sprintf("per-asset lower bounds sum to %.2f%%, above 100%%", totalLower*100),
		}
	}
	if totalUpper < 1.0-1e-9 {
		return &domain.ConstraintConflictError{
			Reason: fmt.Sprintf("per-asset upper bounds sum to %.2f%%, below 100%%", totalUpper*100),
		}
	}

	groupLowerTotal := 0.0
	for _, g := range cs.Groups() {
		b := cs.groupBounds[g]
		if b.Lower > b.Upper {
			return &domain.ConstraintConflictError{
				Reason: fmt.Sprintf("group %s has lower bound %.4f above upper bound %.4f", g, b.Lower, b.Upper),
			}
		}
		members := cs.GroupMembers(g, assets)
		if len(members) == 0 {
			return &domain.ConstraintConflictError{
				Reason: fmt.Sprintf("group %s has no members in the return universe", g),
			}
		}
		groupLowerTotal += b.Lower
	}
	// Groups are disjoint (one group per asset), so their lower bounds are
	// additive.
	if groupLowerTotal > 1.0+1e-9 {
		return &domain.ConstraintConflictError{
			Reason: fmt.Sprintf("group lower bounds sum to %.2f%%, above 100%%", groupLowerTotal*100),
		}
	}

	if cs.maxConcentration != nil {
		// Σw² is minimized at 1/n for a fully invested portfolio.
		floor := 1.0 / float64(len(assets))
		if *cs.maxConcentration < floor-1e-12 {
			return &domain.ConstraintConflictError{
				Reason: fmt.Sprintf("concentration ceiling %.4f is below the equal-weight floor %.4f", *cs.maxConcentration, floor),
			}
		}
	}

	return nil
}

// boundsFor returns per-asset bounds ordered like assets.
func (cs *ConstraintSet) boundsFor(assets []string) []Bound {
	out := make([]Bound, len(assets))
	for i, a := range assets {
		out[i] = cs.Bound(a)
	}
	return out
}
