package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storekit/coupons/internal/coupons"
	domain "github.com/storekit/coupons/internal/domain"
	"github.com/storekit/coupons/internal/repositories"
)

func TestValidateCouponsComputesTotals(t *testing.T) {
	reg := newRegistry(t,
		domain.Coupon{ID: "c-save", Code: "SAVE20", Type: domain.CouponTypePercent, PercentDiscount: 20,
			Combinable: domain.CombinableDifferentTypes},
		domain.Coupon{ID: "c-ship", Code: "FREESHIP", Type: domain.CouponTypeFreeShipping},
		domain.Coupon{ID: "c-old", Code: "SPRING", Type: domain.CouponTypeFixed, ValueCents: 500,
			EndsAt: timePtr(testNow.Add(-time.Hour))},
	)
	svc := newCouponService(t, reg, false)

	result, err := svc.ValidateCoupons(context.Background(), ValidateCouponsCommand{
		StoreID:      "store-1",
		Cart:         teaCart(10000),
		AppliedCodes: []string{" save20 ", "freeship", "spring"},
	})
	if err != nil {
		t.Fatalf("ValidateCoupons: %v", err)
	}
	if len(result.ValidCoupons) != 2 || len(result.InvalidCoupons) != 1 {
		t.Fatalf("unexpected classification %#v", result)
	}
	if result.ValidCoupons[0].CouponID != "c-save" || result.ValidCoupons[0].DiscountCents != 2000 {
		t.Fatalf("unexpected first valid coupon %#v", result.ValidCoupons[0])
	}
	if result.InvalidCoupons[0].Code != "spring" || result.InvalidCoupons[0].Reason != string(coupons.ReasonExpired) {
		t.Fatalf("unexpected invalid coupon %#v", result.InvalidCoupons[0])
	}
	want := domain.CartTotals{SubtotalCents: 10000, DiscountCents: 2000, ShippingCents: 0, TaxCents: 100, TotalCents: 8100, Currency: "USD"}
	if result.CartTotals != want {
		t.Fatalf("expected totals %#v, got %#v", want, result.CartTotals)
	}
}

func TestValidateCouponsRequestErrors(t *testing.T) {
	reg := newRegistry(t)
	svc := newCouponService(t, reg, false)
	ctx := context.Background()

	_, err := svc.ValidateCoupons(ctx, ValidateCouponsCommand{StoreID: "missing", Cart: teaCart(100)})
	if !errors.Is(err, ErrCouponStoreNotFound) {
		t.Fatalf("expected store not found, got %v", err)
	}

	badCarts := map[string]CartSnapshot{
		"currency": {Currency: "dollars", SubtotalCents: 100},
		"negative": {Currency: "USD", SubtotalCents: -1},
		"quantity": {Currency: "USD", Items: []CartItem{{ProductID: "p", PriceCents: 10, Quantity: 0}}},
		"product":  {Currency: "USD", Items: []CartItem{{PriceCents: 10, Quantity: 1}}},
		"overflow": {Currency: "USD", Items: []CartItem{{ProductID: "p", PriceCents: 1 << 40, Quantity: 1 << 40}}},
	}
	for name, cart := range badCarts {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateCoupons(ctx, ValidateCouponsCommand{StoreID: "store-1", Cart: cart})
			mustBeInvalidInput(t, err)
		})
	}

	codes := make([]string, maxAppliedCodes+1)
	for i := range codes {
		codes[i] = "X"
	}
	_, err = svc.ValidateCoupons(ctx, ValidateCouponsCommand{StoreID: "store-1", Cart: teaCart(100), AppliedCodes: codes})
	mustBeInvalidInput(t, err)
}

func TestValidateCouponsRepositoryUnavailable(t *testing.T) {
	reg := newRegistry(t)
	svc, err := NewCouponService(CouponServiceDeps{
		Stores:      reg.Stores(),
		Coupons:     failingCoupons{CouponRepository: reg.Coupons(), err: unavailableError{}},
		Redemptions: reg.Redemptions(),
		Clock:       fixedClock,
	})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	_, err = svc.ValidateCoupons(context.Background(), ValidateCouponsCommand{
		StoreID: "store-1", Cart: teaCart(100), AppliedCodes: []string{"ANY"},
	})
	if !errors.Is(err, ErrCouponRepositoryUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestValidateCouponsResolvesDomainHost(t *testing.T) {
	reg := newRegistry(t, domain.Coupon{
		ID: "c-dom", Code: "SHOPONLY", Type: domain.CouponTypeFixed, ValueCents: 300,
		DomainScope: domain.DomainScopeSelected, DomainIDs: []string{"dom-1"},
	})
	svc := newCouponService(t, reg, false)

	cases := []struct {
		host  string
		valid bool
	}{
		{host: "Shop.Example.com:443", valid: true},
		{host: "other.example.com", valid: false},
		{host: "", valid: false},
	}
	for _, tc := range cases {
		result, err := svc.ValidateCoupons(context.Background(), ValidateCouponsCommand{
			StoreID: "store-1", DomainHost: tc.host, Cart: teaCart(1000), AppliedCodes: []string{"shoponly"},
		})
		if err != nil {
			t.Fatalf("ValidateCoupons(%q): %v", tc.host, err)
		}
		if got := len(result.ValidCoupons) == 1; got != tc.valid {
			t.Fatalf("host %q: expected valid=%v, got %#v", tc.host, tc.valid, result)
		}
		if !tc.valid && result.InvalidCoupons[0].Reason != string(coupons.ReasonDomainRestricted) {
			t.Fatalf("host %q: unexpected reason %q", tc.host, result.InvalidCoupons[0].Reason)
		}
	}
}

func TestValidateCouponsCustomerLimit(t *testing.T) {
	reg := newRegistry(t, domain.Coupon{
		ID: "c-once", Code: "WELCOME", Type: domain.CouponTypeFixed, ValueCents: 500,
		UsageLimitPerCustomer: int64Ptr(1),
	})
	err := reg.Redemptions().Commit(context.Background(), repositories.RedemptionSet{
		StoreID:       "store-1",
		OrderID:       "order-0",
		CustomerEmail: "buyer@example.com",
		CreatedAt:     testNow,
		Redemptions:   []domain.Redemption{{ID: "r-0", CouponID: "c-once", DiscountCents: 500}},
	})
	if err != nil {
		t.Fatalf("seed redemption: %v", err)
	}
	svc := newCouponService(t, reg, false)

	result, err := svc.ValidateCoupons(context.Background(), ValidateCouponsCommand{
		StoreID: "store-1", Cart: teaCart(5000), AppliedCodes: []string{"WELCOME"},
	})
	if err != nil {
		t.Fatalf("ValidateCoupons: %v", err)
	}
	if len(result.InvalidCoupons) != 1 || result.InvalidCoupons[0].Reason != string(coupons.ReasonCustomerLimitReached) {
		t.Fatalf("expected customer limit, got %#v", result)
	}

	other := teaCart(5000)
	other.CustomerEmail = "someone@example.com"
	result, err = svc.ValidateCoupons(context.Background(), ValidateCouponsCommand{
		StoreID: "store-1", Cart: other, AppliedCodes: []string{"WELCOME"},
	})
	if err != nil || len(result.ValidCoupons) != 1 {
		t.Fatalf("expected other customer to qualify, got %#v %v", result, err)
	}
}

func TestValidateCouponsAutoApplyFlag(t *testing.T) {
	reg := newRegistry(t, domain.Coupon{
		ID: "c-auto", Code: "SUMMER", Type: domain.CouponTypePercent, PercentDiscount: 10, AutoApply: true,
	})
	ctx := context.Background()
	cmd := ValidateCouponsCommand{StoreID: "store-1", Cart: teaCart(2000)}

	off, err := newCouponService(t, reg, false).ValidateCoupons(ctx, cmd)
	if err != nil || len(off.ValidCoupons) != 0 {
		t.Fatalf("expected no auto-apply when disabled, got %#v %v", off, err)
	}
	on, err := newCouponService(t, reg, true).ValidateCoupons(ctx, cmd)
	if err != nil {
		t.Fatalf("ValidateCoupons: %v", err)
	}
	if len(on.ValidCoupons) != 1 || on.ValidCoupons[0].DiscountCents != 200 {
		t.Fatalf("expected auto-applied coupon, got %#v", on)
	}
}

func TestValidateCouponsSanitizesEchoedCodes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "<b>BAD</b>", want: "BAD"},
		{in: "A&B", want: "A&B"},
		{in: `TEN"OFF'`, want: `TEN"OFF'`},
		{in: "<script>x</script>NOPE", want: "NOPE"},
	}
	svc := newCouponService(t, newRegistry(t), false)
	for _, tc := range cases {
		result, err := svc.ValidateCoupons(context.Background(), ValidateCouponsCommand{
			StoreID: "store-1", Cart: teaCart(100), AppliedCodes: []string{tc.in},
		})
		if err != nil {
			t.Fatalf("ValidateCoupons(%q): %v", tc.in, err)
		}
		if got := result.InvalidCoupons[0].Code; got != tc.want {
			t.Fatalf("ValidateCoupons(%q) echoed %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGetPublicCoupon(t *testing.T) {
	reg := newRegistry(t,
		domain.Coupon{ID: "c-1", Code: "SAVE20", Type: domain.CouponTypePercent, PercentDiscount: 20,
			EndsAt: timePtr(testNow.Add(48 * time.Hour))},
		domain.Coupon{ID: "c-2", Code: "PAUSED", Type: domain.CouponTypeFixed, Status: domain.CouponStatusPaused},
		domain.Coupon{ID: "c-3", Code: "GONE", Type: domain.CouponTypeFixed, Status: domain.CouponStatusArchived},
		domain.Coupon{ID: "c-4", Code: "SOLDOUT", Type: domain.CouponTypeFixed, UsageLimitTotal: int64Ptr(0)},
	)
	svc := newCouponService(t, reg, false)
	ctx := context.Background()

	got, err := svc.GetPublicCoupon(ctx, "store-1", "save 20")
	if err != nil {
		t.Fatalf("GetPublicCoupon: %v", err)
	}
	if got.Code != "SAVE20" || !got.Available || got.EndsAt == nil || got.StartsAt != nil {
		t.Fatalf("unexpected public coupon %#v", got)
	}

	for _, code := range []string{"PAUSED", "SOLDOUT"} {
		got, err := svc.GetPublicCoupon(ctx, "store-1", code)
		if err != nil || got.Available {
			t.Fatalf("%s: expected unavailable coupon, got %#v %v", code, got, err)
		}
	}
	if _, err := svc.GetPublicCoupon(ctx, "store-1", "GONE"); !errors.Is(err, ErrCouponNotFound) {
		t.Fatalf("expected archived coupon hidden, got %v", err)
	}
	if _, err := svc.GetPublicCoupon(ctx, "store-1", "NOPE"); !errors.Is(err, ErrCouponNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.GetPublicCoupon(ctx, "nowhere", "SAVE20"); !errors.Is(err, ErrCouponStoreNotFound) {
		t.Fatalf("expected store not found, got %v", err)
	}
	if _, err := svc.GetPublicCoupon(ctx, "store-1", "   "); !errors.Is(err, ErrCouponInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestNewCouponServiceRequiresRepositories(t *testing.T) {
	if _, err := NewCouponService(CouponServiceDeps{}); !errors.Is(err, ErrCouponRepositoryMissing) {
		t.Fatalf("expected missing repository error, got %v", err)
	}
}
