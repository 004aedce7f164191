package coupons

import (
	domain "github.com/storekit/coupons/internal/domain"
)

// permits reports whether a is willing to be applied alongside b.
func permits(a, b domain.Coupon) bool {
	switch a.Combinable {
	case domain.CombinableAll:
		return true
	case domain.CombinableDifferentTypes:
		return a.Type != b.Type
	default:
		return false
	}
}

// ResolveCombinable walks candidates in order and returns, per index, whether the
// candidate was accepted. A candidate joins the accepted set only when it and every
// already-accepted coupon permit each other; the first candidate is always accepted.
func ResolveCombinable(candidates []domain.Coupon) []bool {
	accepted := make([]bool, len(candidates))
	var set []domain.Coupon
	for i, candidate := range candidates {
		ok := true
		for _, existing := range set {
			if !permits(candidate, existing) || !permits(existing, candidate) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		accepted[i] = true
		set = append(set, candidate)
	}
	return accepted
}
