package coupons

import (
	domain "github.com/storekit/coupons/internal/domain"
)

// Eligibility captures which cart lines a coupon covers.
type Eligibility struct {
	Items         []domain.CartItem
	SubtotalCents int64
}

// Empty reports whether no cart line is covered under a scoped coupon.
func (e Eligibility) Empty() bool {
	return len(e.Items) == 0
}

// MatchEligible selects the cart lines within the coupon's applicability scope. For
// appliesTo=ALL the eligible subtotal is the cart subtotal as supplied by checkout.
func MatchEligible(coupon domain.Coupon, cart domain.CartSnapshot) Eligibility {
	if coupon.AppliesTo == domain.AppliesToAll || coupon.AppliesTo == "" {
		items := make([]domain.CartItem, len(cart.Items))
		copy(items, cart.Items)
		return Eligibility{Items: items, SubtotalCents: nonNegative(cart.SubtotalCents)}
	}

	var scope map[string]struct{}
	var keys func(domain.CartItem) []string
	switch coupon.AppliesTo {
	case domain.AppliesToProducts:
		scope = toSet(coupon.ProductIDs)
		keys = func(item domain.CartItem) []string { return []string{item.ProductID} }
	case domain.AppliesToCategories:
		scope = toSet(coupon.CategoryIDs)
		keys = func(item domain.CartItem) []string { return item.CategoryIDs }
	case domain.AppliesToCollections:
		scope = toSet(coupon.CollectionIDs)
		keys = func(item domain.CartItem) []string { return item.CollectionIDs }
	default:
		return Eligibility{}
	}

	var result Eligibility
	if len(scope) == 0 {
		return result
	}
	for _, item := range cart.Items {
		if !intersects(scope, keys(item)) {
			continue
		}
		result.Items = append(result.Items, item)
		result.SubtotalCents += nonNegative(item.LineTotal())
	}
	return result
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func intersects(set map[string]struct{}, values []string) bool {
	for _, v := range values {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
