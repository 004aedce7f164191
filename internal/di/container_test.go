package di

import (
	"context"
	"strings"
	"testing"
	"time"

	domain "github.com/storekit/coupons/internal/domain"
	"github.com/storekit/coupons/internal/platform/config"
	"github.com/storekit/coupons/internal/repositories/memory"
	"github.com/storekit/coupons/internal/services"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func memoryConfig(seed bool) config.Config {
	return config.Config{
		Environment: "test",
		Storage:     config.StorageConfig{Driver: config.DriverMemory, SeedDemo: seed},
		Features:    config.FeatureFlags{EnableAutoApply: true, EnablePublicLookup: true},
	}
}

type capturePublisher struct {
	events []services.RedemptionEvent
}

func (p *capturePublisher) PublishRedemption(_ context.Context, event services.RedemptionEvent) (string, error) {
	p.events = append(p.events, event)
	return "1", nil
}

func TestNewContainerMemoryDriverWithDemoData(t *testing.T) {
	ctx := context.Background()
	publisher := &capturePublisher{}
	c, err := NewContainer(ctx, memoryConfig(true),
		WithClock(func() time.Time { return testNow }),
		WithPublisher(publisher),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	defer func() {
		if err := c.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()
	if c.Idempotency == nil {
		t.Fatalf("expected an idempotency store")
	}

	cart := services.CartSnapshot{
		Currency:      "USD",
		SubtotalCents: 6000,
		ShippingCents: 700,
		CustomerEmail: "guest@example.com",
		Items:         []services.CartItem{{ProductID: "matcha", PriceCents: 6000, Quantity: 1}},
	}
	result, err := c.Services.Coupons.ValidateCoupons(ctx, services.ValidateCouponsCommand{
		StoreID:      demoStoreID,
		DomainHost:   "localhost:8080",
		Cart:         cart,
		AppliedCodes: []string{"save20", "FREESHIP"},
	})
	if err != nil {
		t.Fatalf("ValidateCoupons: %v", err)
	}
	// LOYALTY5 is a second percent coupon, which SAVE20 refuses to stack with
	if len(result.ValidCoupons) != 2 || len(result.InvalidCoupons) != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
	if result.CartTotals.ShippingCents != 0 || result.CartTotals.DiscountCents != 1200 {
		t.Fatalf("unexpected totals %#v", result.CartTotals)
	}

	finalized, err := c.Services.Redemptions.FinalizeCoupons(ctx, services.FinalizeCouponsCommand{
		StoreID:      demoStoreID,
		OrderID:      "order-1",
		Cart:         cart,
		AppliedCodes: []string{"WELCOME10"},
	})
	if err != nil {
		t.Fatalf("FinalizeCoupons: %v", err)
	}
	if len(finalized.Redemptions) != 2 || len(publisher.events) != 1 {
		t.Fatalf("expected welcome and loyalty redemptions, got %#v", finalized)
	}

	report, err := c.Services.System.HealthReport(ctx)
	if err != nil || report.Status != domain.HealthStatusOK || report.Environment != "test" {
		t.Fatalf("unexpected health report %#v %v", report, err)
	}
}

func TestNewContainerWithoutSeedHasNoStores(t *testing.T) {
	ctx := context.Background()
	c, err := NewContainer(ctx, memoryConfig(false))
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	_, err = c.Services.Coupons.ValidateCoupons(ctx, services.ValidateCouponsCommand{
		StoreID: demoStoreID,
		Cart:    services.CartSnapshot{Currency: "USD"},
	})
	if err == nil {
		t.Fatalf("expected unknown store without seed data")
	}
}

func TestNewContainerUsesProvidedRegistry(t *testing.T) {
	reg := memory.New()
	reg.PutStore(domain.Store{ID: "custom"})
	c, err := NewContainer(context.Background(), memoryConfig(false), WithRegistry(reg))
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if c.Repositories != reg {
		t.Fatalf("expected provided registry to be used")
	}
	if _, err := c.Services.Coupons.GetPublicCoupon(context.Background(), "custom", "NONE"); err == nil {
		t.Fatalf("expected coupon not found")
	}
}

func TestNewContainerRejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig(false)
	cfg.Storage.Driver = "cassandra"
	_, err := NewContainer(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "cassandra") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}
