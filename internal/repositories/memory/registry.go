// Package memory provides a process-local repository registry used for local development and
// tests. All state lives behind a single mutex so redemption commits are trivially atomic.
package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/storekit/coupons/internal/domain"
	"github.com/storekit/coupons/internal/repositories"
)

// Registry is an in-memory implementation of repositories.Registry.
type Registry struct {
	mu          sync.Mutex
	stores      map[string]domain.Store
	domains     map[string][]domain.StoreDomain
	coupons     map[string]map[string]domain.Coupon
	redemptions map[string][]domain.Redemption
	claims      map[claimKey]time.Time
	now         func() time.Time
	probes      []repositories.Probe
	health      repositories.HealthRepository
}

type claimKey struct {
	storeID string
	orderID string
}

var (
	_ repositories.Registry             = (*Registry)(nil)
	_ repositories.StoreRepository      = (*Registry)(nil)
	_ repositories.CouponRepository     = (*Registry)(nil)
	_ repositories.RedemptionRepository = (*Registry)(nil)
)

// Option customises the registry.
type Option func(*Registry)

// WithClock overrides the clock used to stamp health reports.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithProbes adds readiness probes for dependencies living next to the registry.
func WithProbes(probes ...repositories.Probe) Option {
	return func(r *Registry) {
		r.probes = append(r.probes, probes...)
	}
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		stores:      make(map[string]domain.Store),
		domains:     make(map[string][]domain.StoreDomain),
		coupons:     make(map[string]map[string]domain.Coupon),
		redemptions: make(map[string][]domain.Redemption),
		claims:      make(map[claimKey]time.Time),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	probes := append([]repositories.Probe{{
		Name:     "memory",
		Critical: true,
		Check:    func(context.Context) error { return nil },
	}}, r.probes...)
	health, err := repositories.NewProbeHealthRepository(probes, repositories.WithProbeClock(r.now))
	if err != nil {
		// an invalid extra probe; fall back to the built-in check
		health, _ = repositories.NewProbeHealthRepository(probes[:1], repositories.WithProbeClock(r.now))
	}
	r.health = health
	return r
}

// PutStore registers a store with the domains it serves.
func (r *Registry) PutStore(store domain.Store, domains ...domain.StoreDomain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[store.ID] = store
	for _, d := range domains {
		d.StoreID = store.ID
		d.Host = repositories.NormalizeHost(d.Host)
		r.domains[store.ID] = append(r.domains[store.ID], d)
	}
}

func (r *Registry) Stores() repositories.StoreRepository           { return r }
func (r *Registry) Coupons() repositories.CouponRepository         { return r }
func (r *Registry) Redemptions() repositories.RedemptionRepository { return r }
func (r *Registry) Health() repositories.HealthRepository          { return r.health }
func (r *Registry) Close(context.Context) error                    { return nil }

func (r *Registry) FindStore(_ context.Context, storeID string) (domain.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.stores[storeID]
	if !ok {
		return domain.Store{}, notFound("find store", storeID)
	}
	return store, nil
}

func (r *Registry) ResolveDomain(_ context.Context, storeID string, host string) (domain.StoreDomain, error) {
	host = repositories.NormalizeHost(host)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.domains[storeID] {
		if host != "" && d.Host == host {
			return d, nil
		}
	}
	return domain.StoreDomain{}, notFound("resolve domain", host)
}

func (r *Registry) FindByNormalizedCodes(_ context.Context, storeID string, codes []string) ([]domain.Coupon, error) {
	wanted := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if code != "" {
			wanted[code] = struct{}{}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Coupon
	for _, c := range r.coupons[storeID] {
		if _, ok := wanted[c.NormalizedCode]; ok {
			out = append(out, cloneCoupon(c))
		}
	}
	sortCoupons(out)
	return out, nil
}

func (r *Registry) ListAutoApply(_ context.Context, storeID string) ([]domain.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Coupon
	for _, c := range r.coupons[storeID] {
		if c.AutoApply {
			out = append(out, cloneCoupon(c))
		}
	}
	sortCoupons(out)
	return out, nil
}

func (r *Registry) Upsert(_ context.Context, coupon domain.Coupon) error {
	if coupon.StoreID == "" || coupon.ID == "" || coupon.NormalizedCode == "" {
		return errors.New("memory: upsert coupon: store id, id and normalized code are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.coupons[coupon.StoreID]
	if !ok {
		byID = make(map[string]domain.Coupon)
		r.coupons[coupon.StoreID] = byID
	}
	for id, existing := range byID {
		if id != coupon.ID && existing.NormalizedCode == coupon.NormalizedCode {
			return conflict("upsert coupon", "normalized code "+coupon.NormalizedCode+" already used")
		}
	}
	if existing, ok := byID[coupon.ID]; ok {
		coupon.TimesUsedTotal = existing.TimesUsedTotal
		coupon.CreatedAt = existing.CreatedAt
	}
	byID[coupon.ID] = cloneCoupon(coupon)
	return nil
}

func (r *Registry) UpdateStatus(_ context.Context, storeID string, couponID string, status domain.CouponStatus, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	coupon, ok := r.coupons[storeID][couponID]
	if !ok {
		return notFound("update status", couponID)
	}
	if !coupon.Status.CanTransitionTo(status) {
		return conflict("update status", string(coupon.Status)+" -> "+string(status))
	}
	coupon.Status = status
	coupon.UpdatedAt = updatedAt
	r.coupons[storeID][couponID] = coupon
	return nil
}

func (r *Registry) FindByOrder(_ context.Context, storeID string, orderID string) ([]domain.Redemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Redemption
	for _, red := range r.redemptions[storeID] {
		if red.OrderID == orderID {
			out = append(out, red)
		}
	}
	return out, nil
}

func (r *Registry) CountByCustomer(_ context.Context, storeID string, email string, couponIDs []string) (map[string]int64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int64, len(couponIDs))
	for _, red := range r.redemptions[storeID] {
		if strings.ToLower(strings.TrimSpace(red.CustomerEmail)) != email {
			continue
		}
		if len(couponIDs) > 0 && !slices.Contains(couponIDs, red.CouponID) {
			continue
		}
		counts[red.CouponID]++
	}
	return counts, nil
}

func (r *Registry) Commit(_ context.Context, set repositories.RedemptionSet) error {
	if err := repositories.ValidateRedemptionSet(set); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := claimKey{storeID: set.StoreID, orderID: set.OrderID}
	if _, claimed := r.claims[key]; claimed {
		return repositories.NewRedemptionError(repositories.RedemptionErrorOrderFinalized, "", nil)
	}
	byID := r.coupons[set.StoreID]
	for _, red := range set.Redemptions {
		coupon, ok := byID[red.CouponID]
		if !ok {
			return repositories.NewRedemptionError(repositories.RedemptionErrorCouponMissing, red.CouponID, nil)
		}
		if coupon.UsageLimitTotal != nil && coupon.TimesUsedTotal >= *coupon.UsageLimitTotal {
			return repositories.NewRedemptionError(repositories.RedemptionErrorLimitReached, red.CouponID, nil)
		}
	}

	for _, red := range set.Redemptions {
		coupon := byID[red.CouponID]
		coupon.TimesUsedTotal++
		byID[red.CouponID] = coupon

		red.StoreID = set.StoreID
		red.OrderID = set.OrderID
		red.CustomerEmail = set.CustomerEmail
		if red.CreatedAt.IsZero() {
			red.CreatedAt = set.CreatedAt
		}
		r.redemptions[set.StoreID] = append(r.redemptions[set.StoreID], red)
	}
	r.claims[key] = set.CreatedAt
	return nil
}

func cloneCoupon(c domain.Coupon) domain.Coupon {
	c.ProductIDs = slices.Clone(c.ProductIDs)
	c.CategoryIDs = slices.Clone(c.CategoryIDs)
	c.CollectionIDs = slices.Clone(c.CollectionIDs)
	c.CustomerEmails = slices.Clone(c.CustomerEmails)
	c.DomainIDs = slices.Clone(c.DomainIDs)
	return c
}

func sortCoupons(coupons []domain.Coupon) {
	sort.Slice(coupons, func(i, j int) bool { return coupons[i].ID < coupons[j].ID })
}
