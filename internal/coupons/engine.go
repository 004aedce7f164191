// Package coupons evaluates coupon codes against a cart snapshot. Everything here is a
// pure function of its input: callers load coupons, redemption counts and the resolved
// domain first, then call Evaluate.
package coupons

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	domain "github.com/storekit/coupons/internal/domain"
)

// Input is the fully loaded snapshot for one evaluation.
type Input struct {
	Now      time.Time
	DomainID string
	Cart     domain.CartSnapshot
	// Codes are the customer-entered codes in request order.
	Codes []string
	// Coupons holds the store's coupons matching the requested codes, keyed by normalized code.
	Coupons map[string]domain.Coupon
	// AutoApply lists the store's auto-apply coupons in any order.
	AutoApply []domain.Coupon
	// CustomerRedemptions counts prior redemptions by the cart's customer, keyed by coupon id.
	CustomerRedemptions map[string]int64
}

// Evaluation is the response payload plus the accepted outcomes needed to redeem them.
type Evaluation struct {
	Result   domain.ValidationResult
	Accepted []Outcome
}

// MaxCodeLength bounds a customer-entered code in runes. Longer codes never match a coupon.
const MaxCodeLength = 64

type slot struct {
	code     string
	outcome  Outcome
	auto     bool
	accepted bool
}

// Evaluate runs every requested and auto-apply code through the check pipeline, resolves
// combinability and computes the cart totals. Each requested code yields exactly one
// valid or invalid entry. Auto-apply coupons only appear when accepted.
func Evaluate(in Input) Evaluation {
	now := in.Now.UTC()
	slots := make([]slot, 0, len(in.Codes)+len(in.AutoApply))
	seen := make(map[string]struct{}, len(in.Codes))

	for _, raw := range in.Codes {
		display := strings.TrimSpace(raw)
		if utf8.RuneCountInString(raw) > MaxCodeLength {
			slots = append(slots, slot{code: truncateRunes(display, MaxCodeLength), outcome: Outcome{Reason: ReasonNotFound}})
			continue
		}
		key := Normalize(raw)
		coupon, ok := in.Coupons[key]
		if !ok || key == "" {
			slots = append(slots, slot{code: display, outcome: Outcome{Reason: ReasonNotFound}})
			continue
		}
		if _, dup := seen[coupon.ID]; dup {
			slots = append(slots, slot{code: display, outcome: Outcome{Coupon: coupon, Reason: ReasonAlreadyApplied}})
			continue
		}
		seen[coupon.ID] = struct{}{}
		outcome := evaluateCoupon(coupon, in.Cart, in.DomainID, now, in.CustomerRedemptions[coupon.ID])
		slots = append(slots, slot{code: display, outcome: outcome})
	}

	for _, coupon := range orderAutoApply(in.AutoApply) {
		if _, dup := seen[coupon.ID]; dup {
			continue
		}
		seen[coupon.ID] = struct{}{}
		outcome := evaluateCoupon(coupon, in.Cart, in.DomainID, now, in.CustomerRedemptions[coupon.ID])
		if !outcome.Valid {
			continue
		}
		slots = append(slots, slot{code: coupon.Code, outcome: outcome, auto: true})
	}

	var candidates []domain.Coupon
	var candidateSlots []int
	for i, s := range slots {
		if s.outcome.Valid {
			candidates = append(candidates, s.outcome.Coupon)
			candidateSlots = append(candidateSlots, i)
		}
	}
	for i, ok := range ResolveCombinable(candidates) {
		idx := candidateSlots[i]
		if ok {
			slots[idx].accepted = true
			continue
		}
		slots[idx].outcome.Valid = false
		slots[idx].outcome.Reason = ReasonNotCombinable
	}

	eval := Evaluation{
		Result: domain.ValidationResult{
			ValidCoupons:   []domain.ValidCoupon{},
			InvalidCoupons: []domain.InvalidCoupon{},
		},
	}
	var discount int64
	waiveShipping := false
	for _, s := range slots {
		switch {
		case s.accepted:
			eval.Accepted = append(eval.Accepted, s.outcome)
			discount += s.outcome.Discount.AmountCents
			waiveShipping = waiveShipping || s.outcome.Discount.WaivesShipping
			eval.Result.ValidCoupons = append(eval.Result.ValidCoupons, domain.ValidCoupon{
				CouponID:      s.outcome.Coupon.ID,
				Code:          s.outcome.Coupon.Code,
				Type:          s.outcome.Coupon.Type,
				DiscountCents: s.outcome.Discount.AmountCents,
				Message:       successMessage(s.outcome),
			})
		case s.auto:
			// auto-apply coupons that lose combinability are dropped silently
		default:
			eval.Result.InvalidCoupons = append(eval.Result.InvalidCoupons, domain.InvalidCoupon{
				Code:   s.code,
				Reason: string(s.outcome.Reason),
			})
		}
	}

	eval.Result.CartTotals = computeTotals(in.Cart, discount, waiveShipping)
	return eval
}

func computeTotals(cart domain.CartSnapshot, discount int64, waiveShipping bool) domain.CartTotals {
	subtotal := nonNegative(cart.SubtotalCents)
	discount = min(nonNegative(discount), subtotal)
	shipping := nonNegative(cart.ShippingCents)
	if waiveShipping {
		shipping = 0
	}
	tax := nonNegative(cart.TaxCents)
	return domain.CartTotals{
		SubtotalCents: subtotal,
		DiscountCents: discount,
		ShippingCents: shipping,
		TaxCents:      tax,
		TotalCents:    subtotal - discount + shipping + tax,
		Currency:      cart.Currency,
	}
}

// orderAutoApply sorts auto-apply coupons by store priority, then code for stability.
func orderAutoApply(in []domain.Coupon) []domain.Coupon {
	out := make([]domain.Coupon, 0, len(in))
	for _, c := range in {
		if c.AutoApply {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AutoApplyPriority != out[j].AutoApplyPriority {
			return out[i].AutoApplyPriority < out[j].AutoApplyPriority
		}
		return out[i].NormalizedCode < out[j].NormalizedCode
	})
	return out
}

func successMessage(o Outcome) string {
	switch o.Coupon.Type {
	case domain.CouponTypePercent:
		return fmt.Sprintf("%d%% discount applied", o.Coupon.PercentDiscount)
	case domain.CouponTypeFreeShipping:
		return "Free shipping applied"
	default:
		return "Discount applied"
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
