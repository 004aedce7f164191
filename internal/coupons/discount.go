package coupons

import (
	domain "github.com/storekit/coupons/internal/domain"
)

// Discount is the amount a single coupon takes off the cart.
type Discount struct {
	AmountCents    int64
	WaivesShipping bool
}

// CalculateDiscount computes the discount for one coupon given its eligible subtotal.
// PERCENT rounds down, FIXED is capped at the eligible subtotal and FREE_SHIPPING only
// flags shipping as waived.
func CalculateDiscount(coupon domain.Coupon, eligibleSubtotal int64) Discount {
	eligibleSubtotal = nonNegative(eligibleSubtotal)
	switch coupon.Type {
	case domain.CouponTypePercent:
		return Discount{AmountCents: percentOf(eligibleSubtotal, coupon.PercentDiscount)}
	case domain.CouponTypeFixed:
		return Discount{AmountCents: min(nonNegative(coupon.ValueCents), eligibleSubtotal)}
	case domain.CouponTypeFreeShipping:
		return Discount{WaivesShipping: true}
	default:
		return Discount{}
	}
}

// percentOf returns floor(amount*percent/100) without overflowing for large amounts.
func percentOf(amount, percent int64) int64 {
	if percent <= 0 || amount <= 0 {
		return 0
	}
	if percent >= 100 {
		return amount
	}
	quotient, remainder := amount/100, amount%100
	return quotient*percent + remainder*percent/100
}
