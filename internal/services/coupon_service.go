package services

import (
	"context"
	"html"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storekit/coupons/internal/coupons"
	domain "github.com/storekit/coupons/internal/domain"
	"github.com/storekit/coupons/internal/repositories"
)

const (
	maxAppliedCodes = 20
	maxCartItems    = 500
	meterName       = "github.com/storekit/coupons/internal/services"
)

// CouponServiceDeps bundles dependencies required to construct a CouponService implementation.
type CouponServiceDeps struct {
	Stores      repositories.StoreRepository
	Coupons     repositories.CouponRepository
	Redemptions repositories.RedemptionRepository
	Clock       func() time.Time
	// AutoApply enables evaluation of the store's auto-apply coupons.
	AutoApply bool
	Meter     metric.Meter
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	stores      repositories.StoreRepository
	coupons     repositories.CouponRepository
	redemptions repositories.RedemptionRepository
	clock       func() time.Time
	autoApply   bool
	sanitizer   *bluemonday.Policy
	results     metric.Int64Counter
	logger      func(context.Context, string, map[string]any)
}

var _ CouponService = (*couponService)(nil)

// NewCouponService wires the validation pipeline to its repositories.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Stores == nil || deps.Coupons == nil || deps.Redemptions == nil {
		return nil, ErrCouponRepositoryMissing
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	results, err := meter.Int64Counter("coupons.validation.results",
		metric.WithDescription("Coupon codes evaluated, by outcome and reason"))
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponService{
		stores:      deps.Stores,
		coupons:     deps.Coupons,
		redemptions: deps.Redemptions,
		clock:       func() time.Time { return clock().UTC() },
		autoApply:   deps.AutoApply,
		sanitizer:   bluemonday.StrictPolicy(),
		results:     results,
		logger:      logger,
	}, nil
}

func (s *couponService) ValidateCoupons(ctx context.Context, cmd ValidateCouponsCommand) (ValidationResult, error) {
	eval, err := s.EvaluateCoupons(ctx, cmd)
	if err != nil {
		return ValidationResult{}, err
	}
	return eval.Result, nil
}

func (s *couponService) EvaluateCoupons(ctx context.Context, cmd ValidateCouponsCommand) (coupons.Evaluation, error) {
	storeID := strings.TrimSpace(cmd.StoreID)
	if storeID == "" {
		return coupons.Evaluation{}, invalidInput("store id is required")
	}
	cart, err := normalizeCart(cmd.Cart)
	if err != nil {
		return coupons.Evaluation{}, err
	}
	if len(cmd.AppliedCodes) > maxAppliedCodes {
		return coupons.Evaluation{}, invalidInput("at most %d coupon codes may be applied", maxAppliedCodes)
	}

	if _, err := s.stores.FindStore(ctx, storeID); err != nil {
		return coupons.Evaluation{}, mapRepositoryError(err, ErrCouponStoreNotFound)
	}

	codes := make([]string, 0, len(cmd.AppliedCodes))
	keys := make([]string, 0, len(cmd.AppliedCodes))
	for _, raw := range cmd.AppliedCodes {
		codes = append(codes, raw)
		if utf8.RuneCountInString(raw) > coupons.MaxCodeLength {
			continue
		}
		if key := coupons.Normalize(raw); key != "" {
			keys = append(keys, key)
		}
	}

	byCode := make(map[string]domain.Coupon, len(keys))
	if len(keys) > 0 {
		found, err := s.coupons.FindByNormalizedCodes(ctx, storeID, dedupe(keys))
		if err != nil {
			return coupons.Evaluation{}, mapRepositoryError(err, nil)
		}
		for _, c := range found {
			byCode[c.NormalizedCode] = c
		}
	}

	var auto []domain.Coupon
	if s.autoApply {
		auto, err = s.coupons.ListAutoApply(ctx, storeID)
		if err != nil {
			return coupons.Evaluation{}, mapRepositoryError(err, nil)
		}
	}

	domainID, err := s.resolveDomain(ctx, storeID, cmd.DomainHost, byCode, auto)
	if err != nil {
		return coupons.Evaluation{}, err
	}
	counts, err := s.customerCounts(ctx, storeID, cart.CustomerEmail, byCode, auto)
	if err != nil {
		return coupons.Evaluation{}, err
	}

	eval := coupons.Evaluate(coupons.Input{
		Now:                 s.clock(),
		DomainID:            domainID,
		Cart:                cart,
		Codes:               codes,
		Coupons:             byCode,
		AutoApply:           auto,
		CustomerRedemptions: counts,
	})
	for i := range eval.Result.InvalidCoupons {
		eval.Result.InvalidCoupons[i].Code = s.sanitizeCode(eval.Result.InvalidCoupons[i].Code)
	}

	s.record(ctx, storeID, eval.Result)
	return eval, nil
}

// sanitizeCode strips markup from an echoed code. Entities are decoded again so the code
// reads as typed; the JSON encoder escapes what remains.
func (s *couponService) sanitizeCode(code string) string {
	return html.UnescapeString(s.sanitizer.Sanitize(code))
}

// resolveDomain maps the storefront host to a domain id. The lookup only happens when a
// loaded coupon is domain-restricted; an unknown host resolves to "".
func (s *couponService) resolveDomain(ctx context.Context, storeID, host string, byCode map[string]domain.Coupon, auto []domain.Coupon) (string, error) {
	host = repositories.NormalizeHost(host)
	if host == "" {
		return "", nil
	}
	needed := false
	for _, c := range byCode {
		needed = needed || c.DomainScope == domain.DomainScopeSelected
	}
	for _, c := range auto {
		needed = needed || c.DomainScope == domain.DomainScopeSelected
	}
	if !needed {
		return "", nil
	}
	resolved, err := s.stores.ResolveDomain(ctx, storeID, host)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", mapRepositoryError(err, nil)
	}
	return resolved.ID, nil
}

// customerCounts loads prior redemptions by this customer for coupons with a per-customer limit.
func (s *couponService) customerCounts(ctx context.Context, storeID, email string, byCode map[string]domain.Coupon, auto []domain.Coupon) (map[string]int64, error) {
	var ids []string
	for _, c := range byCode {
		if c.UsageLimitPerCustomer != nil {
			ids = append(ids, c.ID)
		}
	}
	for _, c := range auto {
		if c.UsageLimitPerCustomer != nil {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	counts, err := s.redemptions.CountByCustomer(ctx, storeID, coupons.NormalizeEmail(email), dedupe(ids))
	if err != nil {
		return nil, mapRepositoryError(err, nil)
	}
	return counts, nil
}

func (s *couponService) record(ctx context.Context, storeID string, result ValidationResult) {
	for range result.ValidCoupons {
		s.results.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "valid")))
	}
	for _, invalid := range result.InvalidCoupons {
		s.results.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", "invalid"),
			attribute.String("reason", invalid.Reason),
		))
	}
	s.logger(ctx, "coupons.validated", map[string]any{
		"storeId":       storeID,
		"valid":         len(result.ValidCoupons),
		"invalid":       len(result.InvalidCoupons),
		"discountCents": result.CartTotals.DiscountCents,
	})
}

func (s *couponService) GetPublicCoupon(ctx context.Context, storeID string, code string) (PublicCoupon, error) {
	storeID = strings.TrimSpace(storeID)
	key := coupons.Normalize(code)
	if storeID == "" || key == "" || utf8.RuneCountInString(code) > coupons.MaxCodeLength {
		return PublicCoupon{}, invalidInput("store id and code are required")
	}
	if _, err := s.stores.FindStore(ctx, storeID); err != nil {
		return PublicCoupon{}, mapRepositoryError(err, ErrCouponStoreNotFound)
	}
	found, err := s.coupons.FindByNormalizedCodes(ctx, storeID, []string{key})
	if err != nil {
		return PublicCoupon{}, mapRepositoryError(err, ErrCouponNotFound)
	}
	var coupon domain.Coupon
	for _, c := range found {
		if c.NormalizedCode == key {
			coupon = c
			break
		}
	}
	if coupon.ID == "" || coupon.Status == domain.CouponStatusArchived {
		return PublicCoupon{}, ErrCouponNotFound
	}

	now := s.clock()
	available := coupon.Status == domain.CouponStatusActive
	if coupon.StartsAt != nil && now.Before(*coupon.StartsAt) {
		available = false
	}
	if coupon.EndsAt != nil && now.After(*coupon.EndsAt) {
		available = false
	}
	if coupon.UsageLimitTotal != nil && coupon.TimesUsedTotal >= *coupon.UsageLimitTotal {
		available = false
	}
	return PublicCoupon{
		Code:      coupon.Code,
		Type:      coupon.Type,
		Available: available,
		StartsAt:  utcPtr(coupon.StartsAt),
		EndsAt:    utcPtr(coupon.EndsAt),
	}, nil
}

// normalizeCart rejects snapshots the engine cannot price and upper-cases the currency.
func normalizeCart(cart CartSnapshot) (CartSnapshot, error) {
	currency := strings.ToUpper(strings.TrimSpace(cart.Currency))
	if len(currency) != 3 || strings.IndexFunc(currency, func(r rune) bool { return r < 'A' || r > 'Z' }) >= 0 {
		return CartSnapshot{}, invalidInput("cart currency must be an ISO 4217 code")
	}
	if cart.SubtotalCents < 0 || cart.ShippingCents < 0 || cart.TaxCents < 0 {
		return CartSnapshot{}, invalidInput("cart amounts must not be negative")
	}
	if len(cart.Items) > maxCartItems {
		return CartSnapshot{}, invalidInput("cart has more than %d items", maxCartItems)
	}
	for i, item := range cart.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return CartSnapshot{}, invalidInput("items[%d].productId is required", i)
		}
		if item.PriceCents < 0 || item.Quantity <= 0 {
			return CartSnapshot{}, invalidInput("items[%d] must have a non-negative price and positive quantity", i)
		}
		if item.PriceCents > 0 && item.Quantity > math.MaxInt64/item.PriceCents {
			return CartSnapshot{}, invalidInput("items[%d] line total overflows", i)
		}
	}
	cart.Currency = currency
	return cart, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
