package reconcile

import (
	"golang.org/x/exp/slices"
)

// Plan lists the vnodes whose keys must be handed off after an
// ownership change. Release holds vnodes this node no longer owns;
// Recover holds vnodes it newly owns. Both are sorted ascending.
type Plan struct {
	Release []uint32
	Recover []uint32
}

// Empty returns true if the plan requires no hand-off work.
func (p Plan) Empty() bool {
	return len(p.Release) == 0 && len(p.Recover) == 0
}

// Diff computes the hand-off plan between the previously owned vnode
// set and the currently owned one.
func Diff(old, current map[uint32]struct{}) Plan {
	var plan Plan

	for v := range old {
		if _, ok := current[v]; !ok {
			plan.Release = append(plan.Release, v)
		}
	}
	for v := range current {
		if _, ok := old[v]; !ok {
			plan.Recover = append(plan.Recover, v)
		}
	}

	slices.Sort(plan.Release)
	slices.Sort(plan.Recover)
	return plan
}
