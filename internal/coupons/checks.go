package coupons

import (
	"strings"
	"time"

	domain "github.com/storekit/coupons/internal/domain"
)

// Reason is the closed set of messages explaining why a code was rejected.
type Reason string

const (
	ReasonNotFound             Reason = "Coupon not found"
	ReasonNotActive            Reason = "Coupon is not active"
	ReasonExpired              Reason = "Coupon has expired"
	ReasonNotYetActive         Reason = "Coupon is not yet active"
	ReasonDomainRestricted     Reason = "Coupon not valid for this domain"
	ReasonMinimumNotMet        Reason = "Minimum purchase amount not met"
	ReasonUsageLimitReached    Reason = "Coupon usage limit reached"
	ReasonCustomerLimitReached Reason = "Customer usage limit reached"
	ReasonCustomerRestricted   Reason = "Coupon not valid for this customer"
	ReasonNoEligibleItems      Reason = "No eligible items in cart"
	ReasonNotCombinable        Reason = "Cannot combine with another coupon"
	ReasonAlreadyApplied       Reason = "Coupon already applied"
)

// Outcome is the tagged result of running one coupon through the check pipeline.
type Outcome struct {
	Coupon      domain.Coupon
	Valid       bool
	Reason      Reason
	Eligibility Eligibility
	Discount    Discount
}

// checkInput is everything a stage may look at. Stages never mutate it.
type checkInput struct {
	coupon              domain.Coupon
	cart                domain.CartSnapshot
	domainID            string
	now                 time.Time
	customerRedemptions int64
	eligibility         Eligibility
}

type stage struct {
	name string
	run  func(in checkInput) (Reason, bool)
}

// stages run in order and stop at the first failure; the order determines which reason
// a customer sees when several checks would fail.
var stages = []stage{
	{name: "status", run: checkStatus},
	{name: "window", run: checkWindow},
	{name: "domain", run: checkDomain},
	{name: "minimum", run: checkMinimum},
	{name: "usage_total", run: checkUsageTotal},
	{name: "usage_customer", run: checkUsagePerCustomer},
	{name: "customer", run: checkCustomer},
	{name: "eligibility", run: checkEligibility},
}

// evaluateCoupon runs the ordered pipeline for a coupon that has already been found.
func evaluateCoupon(coupon domain.Coupon, cart domain.CartSnapshot, domainID string, now time.Time, customerRedemptions int64) Outcome {
	in := checkInput{
		coupon:              coupon,
		cart:                cart,
		domainID:            domainID,
		now:                 now,
		customerRedemptions: customerRedemptions,
		eligibility:         MatchEligible(coupon, cart),
	}
	for _, s := range stages {
		if reason, ok := s.run(in); !ok {
			return Outcome{Coupon: coupon, Reason: reason}
		}
	}
	return Outcome{
		Coupon:      coupon,
		Valid:       true,
		Eligibility: in.eligibility,
		Discount:    CalculateDiscount(coupon, in.eligibility.SubtotalCents),
	}
}

func checkStatus(in checkInput) (Reason, bool) {
	if in.coupon.Status != domain.CouponStatusActive {
		return ReasonNotActive, false
	}
	return "", true
}

func checkWindow(in checkInput) (Reason, bool) {
	if in.coupon.EndsAt != nil && in.now.After(*in.coupon.EndsAt) {
		return ReasonExpired, false
	}
	if in.coupon.StartsAt != nil && in.now.Before(*in.coupon.StartsAt) {
		return ReasonNotYetActive, false
	}
	return "", true
}

func checkDomain(in checkInput) (Reason, bool) {
	if in.coupon.DomainScope != domain.DomainScopeSelected {
		return "", true
	}
	if in.domainID == "" {
		return ReasonDomainRestricted, false
	}
	for _, id := range in.coupon.DomainIDs {
		if id == in.domainID {
			return "", true
		}
	}
	return ReasonDomainRestricted, false
}

func checkMinimum(in checkInput) (Reason, bool) {
	if in.coupon.MinSubtotalCents != nil && in.cart.SubtotalCents < *in.coupon.MinSubtotalCents {
		return ReasonMinimumNotMet, false
	}
	return "", true
}

func checkUsageTotal(in checkInput) (Reason, bool) {
	if in.coupon.UsageLimitTotal != nil && in.coupon.TimesUsedTotal >= *in.coupon.UsageLimitTotal {
		return ReasonUsageLimitReached, false
	}
	return "", true
}

func checkUsagePerCustomer(in checkInput) (Reason, bool) {
	if in.coupon.UsageLimitPerCustomer != nil && in.customerRedemptions >= *in.coupon.UsageLimitPerCustomer {
		return ReasonCustomerLimitReached, false
	}
	return "", true
}

func checkCustomer(in checkInput) (Reason, bool) {
	if len(in.coupon.CustomerEmails) == 0 {
		return "", true
	}
	email := NormalizeEmail(in.cart.CustomerEmail)
	if email == "" {
		return ReasonCustomerRestricted, false
	}
	for _, allowed := range in.coupon.CustomerEmails {
		if NormalizeEmail(allowed) == email {
			return "", true
		}
	}
	return ReasonCustomerRestricted, false
}

func checkEligibility(in checkInput) (Reason, bool) {
	if in.coupon.AppliesTo == domain.AppliesToAll || in.coupon.AppliesTo == "" {
		return "", true
	}
	if in.eligibility.Empty() {
		return ReasonNoEligibleItems, false
	}
	return "", true
}

// NormalizeEmail is the comparison key for customer emails: trimmed and lower-cased.
// Guests without an email share the empty key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
