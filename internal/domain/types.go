package domain

import (
	"time"
)

// CouponType identifies how a coupon's discount is computed.
type CouponType string

const (
	// CouponTypePercent discounts a percentage of the eligible subtotal.
	CouponTypePercent CouponType = "PERCENT"
	// CouponTypeFixed discounts a fixed amount in minor units.
	CouponTypeFixed CouponType = "FIXED"
	// CouponTypeFreeShipping waives shipping without discounting line items.
	CouponTypeFreeShipping CouponType = "FREE_SHIPPING"
)

// AppliesTo scopes a coupon to the cart lines it may discount.
type AppliesTo string

const (
	AppliesToAll         AppliesTo = "ALL"
	AppliesToProducts    AppliesTo = "PRODUCTS"
	AppliesToCategories  AppliesTo = "CATEGORIES"
	AppliesToCollections AppliesTo = "COLLECTIONS"
)

// DomainScope restricts the storefront domains a coupon is redeemable on.
type DomainScope string

const (
	DomainScopeAll      DomainScope = "ALL"
	DomainScopeSelected DomainScope = "SELECTED"
)

// Combinability declares which other coupons a coupon may stack with.
type Combinability string

const (
	// CombinableNone only applies when no other coupon is applied.
	CombinableNone Combinability = "NONE"
	// CombinableDifferentTypes stacks with coupons of another CouponType.
	CombinableDifferentTypes Combinability = "STACK_WITH_DIFFERENT_TYPES"
	// CombinableAll stacks with any coupon that also agrees to stack.
	CombinableAll Combinability = "STACK_ALL"
)

// Coupon is a store-scoped promotional rule identified by a customer-facing code.
type Coupon struct {
	ID                    string
	StoreID               string
	Code                  string
	NormalizedCode        string
	Type                  CouponType
	PercentDiscount       int64
	ValueCents            int64
	Currency              string
	Status                CouponStatus
	StartsAt              *time.Time
	EndsAt                *time.Time
	MinSubtotalCents      *int64
	AppliesTo             AppliesTo
	ProductIDs            []string
	CategoryIDs           []string
	CollectionIDs         []string
	CustomerEmails        []string
	DomainScope           DomainScope
	DomainIDs             []string
	Combinable            Combinability
	UsageLimitTotal       *int64
	UsageLimitPerCustomer *int64
	TimesUsedTotal        int64
	AutoApply             bool
	AutoApplyPriority     int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CartItem is a single line of a cart snapshot.
type CartItem struct {
	ProductID     string
	PriceCents    int64
	Quantity      int64
	CategoryIDs   []string
	CollectionIDs []string
}

// LineTotal returns price multiplied by quantity.
func (i CartItem) LineTotal() int64 {
	return i.PriceCents * i.Quantity
}

// CartSnapshot is the immutable cart view supplied by checkout for a single evaluation.
type CartSnapshot struct {
	Currency      string
	SubtotalCents int64
	ShippingCents int64
	TaxCents      int64
	CustomerEmail string
	Items         []CartItem
}

// ValidCoupon describes a coupon accepted for the cart.
type ValidCoupon struct {
	CouponID      string
	Code          string
	Type          CouponType
	DiscountCents int64
	Message       string
}

// InvalidCoupon pairs a requested code with the reason it was rejected.
type InvalidCoupon struct {
	Code   string
	Reason string
}

// CartTotals summarises the cart after accepted discounts.
type CartTotals struct {
	SubtotalCents int64
	DiscountCents int64
	ShippingCents int64
	TaxCents      int64
	TotalCents    int64
	Currency      string
}

// ValidationResult is the outcome of evaluating a set of codes against a cart.
type ValidationResult struct {
	ValidCoupons   []ValidCoupon
	InvalidCoupons []InvalidCoupon
	CartTotals     CartTotals
}

// Redemption records that a coupon was consumed by an order. Rows are never updated.
type Redemption struct {
	ID            string
	StoreID       string
	CouponID      string
	OrderID       string
	CustomerEmail string
	DiscountCents int64
	CreatedAt     time.Time
}

// Store is the tenant owning coupons.
type Store struct {
	ID     string
	Name   string
	Status string
}

// StoreDomain maps a storefront host onto a store.
type StoreDomain struct {
	ID      string
	StoreID string
	Host    string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for readiness endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
