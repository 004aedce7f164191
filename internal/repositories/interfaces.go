package repositories

import (
	"context"
	"time"

	domain "github.com/storekit/coupons/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Stores() StoreRepository
	Coupons() CouponRepository
	Redemptions() RedemptionRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// StoreRepository resolves tenants and the hostnames they serve.
type StoreRepository interface {
	FindStore(ctx context.Context, storeID string) (domain.Store, error)
	// ResolveDomain returns the domain registered for host under the store. Hosts are compared
	// case-insensitively without port. A miss returns a not-found RepositoryError.
	ResolveDomain(ctx context.Context, storeID string, host string) (domain.StoreDomain, error)
}

// CouponRepository persists coupon definitions scoped to a store.
type CouponRepository interface {
	// FindByNormalizedCodes returns the coupons whose normalized code is in codes. Missing codes
	// are simply absent from the result.
	FindByNormalizedCodes(ctx context.Context, storeID string, codes []string) ([]domain.Coupon, error)
	ListAutoApply(ctx context.Context, storeID string) ([]domain.Coupon, error)
	Upsert(ctx context.Context, coupon domain.Coupon) error
	UpdateStatus(ctx context.Context, storeID string, couponID string, status domain.CouponStatus, updatedAt time.Time) error
}

// RedemptionRepository records coupon usage per order.
type RedemptionRepository interface {
	FindByOrder(ctx context.Context, storeID string, orderID string) ([]domain.Redemption, error)
	// CountByCustomer returns prior redemption counts keyed by coupon id for the normalized email.
	CountByCustomer(ctx context.Context, storeID string, email string, couponIDs []string) (map[string]int64, error)
	// Commit atomically claims the order, increments every coupon's usage counter and appends
	// the redemption rows. Either everything is written or nothing is.
	Commit(ctx context.Context, set RedemptionSet) error
}

// RedemptionSet is the unit written by RedemptionRepository.Commit.
type RedemptionSet struct {
	StoreID       string
	OrderID       string
	CustomerEmail string
	Redemptions   []domain.Redemption
	CreatedAt     time.Time
}

// CouponIDs lists the coupon ids in commit order.
func (s RedemptionSet) CouponIDs() []string {
	ids := make([]string, 0, len(s.Redemptions))
	for _, r := range s.Redemptions {
		ids = append(ids, r.CouponID)
	}
	return ids
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
