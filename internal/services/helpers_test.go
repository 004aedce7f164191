package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storekit/coupons/internal/coupons"
	domain "github.com/storekit/coupons/internal/domain"
	"github.com/storekit/coupons/internal/repositories"
	"github.com/storekit/coupons/internal/repositories/memory"
)

var testNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

// newRegistry seeds store-1 (served on shop.example.com) with the given coupons.
func newRegistry(t *testing.T, list ...domain.Coupon) *memory.Registry {
	t.Helper()
	reg := memory.New(memory.WithClock(fixedClock))
	reg.PutStore(domain.Store{ID: "store-1", Name: "Tea House", Status: "active"},
		domain.StoreDomain{ID: "dom-1", Host: "shop.example.com"},
	)
	for _, c := range list {
		if c.StoreID == "" {
			c.StoreID = "store-1"
		}
		c.NormalizedCode = coupons.Normalize(c.Code)
		if c.Status == "" {
			c.Status = domain.CouponStatusActive
		}
		if c.AppliesTo == "" {
			c.AppliesTo = domain.AppliesToAll
		}
		if c.DomainScope == "" {
			c.DomainScope = domain.DomainScopeAll
		}
		if c.Combinable == "" {
			c.Combinable = domain.CombinableAll
		}
		if err := reg.Upsert(context.Background(), c); err != nil {
			t.Fatalf("seed coupon %s: %v", c.Code, err)
		}
	}
	return reg
}

func newCouponService(t *testing.T, reg *memory.Registry, autoApply bool) CouponService {
	t.Helper()
	svc, err := NewCouponService(CouponServiceDeps{
		Stores:      reg.Stores(),
		Coupons:     reg.Coupons(),
		Redemptions: reg.Redemptions(),
		Clock:       fixedClock,
		AutoApply:   autoApply,
	})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	return svc
}

func teaCart(subtotal int64) CartSnapshot {
	return CartSnapshot{
		Currency:      "usd",
		SubtotalCents: subtotal,
		ShippingCents: 500,
		TaxCents:      100,
		CustomerEmail: "Buyer@Example.com",
		Items: []CartItem{
			{ProductID: "sencha", PriceCents: subtotal, Quantity: 1, CategoryIDs: []string{"green"}},
		},
	}
}

type unavailableError struct{}

func (unavailableError) Error() string       { return "backend unavailable" }
func (unavailableError) IsNotFound() bool    { return false }
func (unavailableError) IsConflict() bool    { return false }
func (unavailableError) IsUnavailable() bool { return true }

var _ repositories.RepositoryError = unavailableError{}

// failingCoupons wraps a coupon repository and fails lookups.
type failingCoupons struct {
	repositories.CouponRepository
	err error
}

func (f failingCoupons) FindByNormalizedCodes(context.Context, string, []string) ([]domain.Coupon, error) {
	return nil, f.err
}

// scriptedRedemptions lets tests force commit outcomes.
type scriptedRedemptions struct {
	repositories.RedemptionRepository
	commitErr error
	// failCommits limits commitErr to the first n commits; zero fails every commit.
	failCommits int
	afterFail   []domain.Redemption
	finds       int
	commits     int
}

func (s *scriptedRedemptions) FindByOrder(ctx context.Context, storeID, orderID string) ([]domain.Redemption, error) {
	s.finds++
	if s.finds > 1 && s.afterFail != nil {
		return s.afterFail, nil
	}
	return s.RedemptionRepository.FindByOrder(ctx, storeID, orderID)
}

func (s *scriptedRedemptions) Commit(ctx context.Context, set repositories.RedemptionSet) error {
	s.commits++
	if s.commitErr != nil && (s.failCommits == 0 || s.commits <= s.failCommits) {
		return s.commitErr
	}
	return s.RedemptionRepository.Commit(ctx, set)
}

type recordingPublisher struct {
	events []RedemptionEvent
	err    error
}

func (p *recordingPublisher) PublishRedemption(_ context.Context, event RedemptionEvent) (string, error) {
	p.events = append(p.events, event)
	if p.err != nil {
		return "", p.err
	}
	return "msg-1", nil
}

func mustBeInvalidInput(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrCouponInvalidInput) {
		t.Fatalf("expected ErrCouponInvalidInput, got %v", err)
	}
}
