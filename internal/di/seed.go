package di

import (
	"context"
	"time"

	"github.com/storekit/coupons/internal/coupons"
	domain "github.com/storekit/coupons/internal/domain"
	"github.com/storekit/coupons/internal/repositories"
	"github.com/storekit/coupons/internal/repositories/memory"
)

const demoStoreID = "demo"

type storeWriter interface {
	PutStore(ctx context.Context, store domain.Store, domains ...domain.StoreDomain) error
}

type memoryStores struct{ reg *memory.Registry }

func (m memoryStores) PutStore(_ context.Context, store domain.Store, domains ...domain.StoreDomain) error {
	m.reg.PutStore(store, domains...)
	return nil
}

// seedDemo installs a demo store with a handful of coupons for local development.
func seedDemo(ctx context.Context, stores storeWriter, repo repositories.CouponRepository, now time.Time) error {
	now = now.UTC()
	err := stores.PutStore(ctx,
		domain.Store{ID: demoStoreID, Name: "Demo Tea House", Status: "active"},
		domain.StoreDomain{ID: "demo-local", Host: "localhost"},
		domain.StoreDomain{ID: "demo-shop", Host: "shop.demo.test"},
	)
	if err != nil {
		return err
	}
	for _, c := range demoCoupons(now) {
		c.StoreID = demoStoreID
		c.NormalizedCode = coupons.Normalize(c.Code)
		c.Status = domain.CouponStatusActive
		c.CreatedAt = now
		c.UpdatedAt = now
		if c.AppliesTo == "" {
			c.AppliesTo = domain.AppliesToAll
		}
		if c.DomainScope == "" {
			c.DomainScope = domain.DomainScopeAll
		}
		if c.Combinable == "" {
			c.Combinable = domain.CombinableAll
		}
		if err := repo.Upsert(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func demoCoupons(now time.Time) []domain.Coupon {
	minFreeShip := int64(5000)
	welcomeLimit := int64(1)
	launchLimit := int64(100)
	launchEnds := now.AddDate(0, 1, 0)
	return []domain.Coupon{
		{ID: "demo-save20", Code: "SAVE20", Type: domain.CouponTypePercent, PercentDiscount: 20,
			Combinable: domain.CombinableDifferentTypes},
		{ID: "demo-freeship", Code: "FREESHIP", Type: domain.CouponTypeFreeShipping,
			MinSubtotalCents: &minFreeShip},
		{ID: "demo-welcome", Code: "WELCOME10", Type: domain.CouponTypeFixed, ValueCents: 1000,
			UsageLimitPerCustomer: &welcomeLimit},
		{ID: "demo-greentea", Code: "GREENTEA15", Type: domain.CouponTypePercent, PercentDiscount: 15,
			AppliesTo: domain.AppliesToCategories, CategoryIDs: []string{"green-tea"},
			Combinable: domain.CombinableNone},
		{ID: "demo-launch", Code: "LAUNCH", Type: domain.CouponTypeFixed, ValueCents: 500,
			UsageLimitTotal: &launchLimit, EndsAt: &launchEnds,
			DomainScope: domain.DomainScopeSelected, DomainIDs: []string{"demo-shop"}},
		{ID: "demo-loyalty", Code: "LOYALTY5", Type: domain.CouponTypePercent, PercentDiscount: 5,
			AutoApply: true, AutoApplyPriority: 10},
	}
}
