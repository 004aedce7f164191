package services

import (
	"context"
	"time"

	"github.com/storekit/coupons/internal/coupons"
	domain "github.com/storekit/coupons/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Coupon             = domain.Coupon
	CartSnapshot       = domain.CartSnapshot
	CartItem           = domain.CartItem
	ValidationResult   = domain.ValidationResult
	Redemption         = domain.Redemption
	SystemHealthReport = domain.SystemHealthReport
)

// CouponService validates codes against carts and exposes public coupon metadata.
type CouponService interface {
	// ValidateCoupons classifies every requested code and returns the resulting cart totals.
	ValidateCoupons(ctx context.Context, cmd ValidateCouponsCommand) (ValidationResult, error)
	// EvaluateCoupons is ValidateCoupons plus the accepted outcomes needed to redeem them.
	EvaluateCoupons(ctx context.Context, cmd ValidateCouponsCommand) (coupons.Evaluation, error)
	GetPublicCoupon(ctx context.Context, storeID string, code string) (PublicCoupon, error)
}

// RedemptionService commits coupon usage when an order completes.
type RedemptionService interface {
	FinalizeCoupons(ctx context.Context, cmd FinalizeCouponsCommand) (FinalizeResult, error)
}

// SystemService reports service health for readiness probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// RedemptionPublisher emits an event once a redemption set is committed.
type RedemptionPublisher interface {
	PublishRedemption(ctx context.Context, event RedemptionEvent) (string, error)
}

// ValidateCouponsCommand is one validation request for a store's cart.
type ValidateCouponsCommand struct {
	StoreID      string
	DomainHost   string
	Cart         CartSnapshot
	AppliedCodes []string
}

// FinalizeCouponsCommand commits the coupons valid for an order's cart.
type FinalizeCouponsCommand struct {
	StoreID      string
	OrderID      string
	DomainHost   string
	Cart         CartSnapshot
	AppliedCodes []string
}

// FinalizeResult lists the redemptions recorded for the order. AlreadyFinalized is set when
// an earlier call committed them.
type FinalizeResult struct {
	Redemptions      []Redemption
	AlreadyFinalized bool
}

// PublicCoupon is the storefront-safe view of a coupon.
type PublicCoupon struct {
	Code      string
	Type      domain.CouponType
	Available bool
	StartsAt  *time.Time
	EndsAt    *time.Time
}

// RedemptionEvent is published after a redemption set commits.
type RedemptionEvent struct {
	EventID       string                  `json:"eventId"`
	StoreID       string                  `json:"storeId"`
	OrderID       string                  `json:"orderId"`
	CustomerEmail string                  `json:"customerEmail,omitempty"`
	DiscountCents int64                   `json:"discountCents"`
	Currency      string                  `json:"currency"`
	Coupons       []RedemptionEventCoupon `json:"coupons"`
	CommittedAt   time.Time               `json:"committedAt"`
}

type RedemptionEventCoupon struct {
	RedemptionID  string            `json:"redemptionId"`
	CouponID      string            `json:"couponId"`
	Code          string            `json:"code"`
	Type          domain.CouponType `json:"type"`
	DiscountCents int64             `json:"discountCents"`
}
