package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/storekit/coupons/internal/coupons"
	domain "github.com/storekit/coupons/internal/domain"
	"github.com/storekit/coupons/internal/repositories"
)

const maxOrderIDLength = 128

// RedemptionServiceDeps bundles dependencies required to construct a RedemptionService.
type RedemptionServiceDeps struct {
	Coupons     CouponService
	Redemptions repositories.RedemptionRepository
	// Publisher is optional; when nil no events are emitted.
	Publisher RedemptionPublisher
	Clock     func() time.Time
	IDGen     func() string
	Meter     metric.Meter
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type redemptionService struct {
	coupons     CouponService
	redemptions repositories.RedemptionRepository
	publisher   RedemptionPublisher
	clock       func() time.Time
	newID       func() string
	committed   metric.Int64Counter
	conflicts   metric.Int64Counter
	logger      func(context.Context, string, map[string]any)
}

var _ RedemptionService = (*redemptionService)(nil)

// NewRedemptionService wires order finalization on top of the coupon service.
func NewRedemptionService(deps RedemptionServiceDeps) (RedemptionService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("redemption service: coupon service is required")
	}
	if deps.Redemptions == nil {
		return nil, ErrCouponRepositoryMissing
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGen
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	committed, err := meter.Int64Counter("coupons.redemptions.committed",
		metric.WithDescription("Coupon redemptions written at order finalization"))
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("coupons.redemptions.conflicts",
		metric.WithDescription("Finalizations rejected because a usage limit ran out"))
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &redemptionService{
		coupons:     deps.Coupons,
		redemptions: deps.Redemptions,
		publisher:   deps.Publisher,
		clock:       func() time.Time { return clock().UTC() },
		newID:       newID,
		committed:   committed,
		conflicts:   conflicts,
		logger:      logger,
	}, nil
}

// FinalizeCoupons re-validates the cart server-side and commits the accepted coupons once
// per order. Repeated calls for the same order return the first call's redemptions.
func (s *redemptionService) FinalizeCoupons(ctx context.Context, cmd FinalizeCouponsCommand) (FinalizeResult, error) {
	storeID := strings.TrimSpace(cmd.StoreID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if storeID == "" || orderID == "" {
		return FinalizeResult{}, invalidInput("store id and order id are required")
	}
	if len(orderID) > maxOrderIDLength {
		return FinalizeResult{}, invalidInput("order id exceeds %d characters", maxOrderIDLength)
	}

	if existing, err := s.existing(ctx, storeID, orderID); err != nil || existing != nil {
		return FinalizeResult{Redemptions: existing, AlreadyFinalized: existing != nil}, err
	}

	eval, err := s.coupons.EvaluateCoupons(ctx, ValidateCouponsCommand{
		StoreID:      storeID,
		DomainHost:   cmd.DomainHost,
		Cart:         cmd.Cart,
		AppliedCodes: cmd.AppliedCodes,
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	if len(eval.Accepted) == 0 {
		s.logger(ctx, "coupons.finalize_empty", map[string]any{"storeId": storeID, "orderId": orderID})
		return FinalizeResult{}, nil
	}

	now := s.clock()
	set := repositories.RedemptionSet{
		StoreID:       storeID,
		OrderID:       orderID,
		CustomerEmail: coupons.NormalizeEmail(cmd.Cart.CustomerEmail),
		CreatedAt:     now,
	}
	for _, outcome := range eval.Accepted {
		set.Redemptions = append(set.Redemptions, domain.Redemption{
			ID:            s.newID(),
			StoreID:       storeID,
			CouponID:      outcome.Coupon.ID,
			OrderID:       orderID,
			CustomerEmail: set.CustomerEmail,
			DiscountCents: outcome.Discount.AmountCents,
			CreatedAt:     now,
		})
	}

	err = s.redemptions.Commit(ctx, set)
	if isTransientConflict(err) {
		s.logger(ctx, "coupons.finalize_retry", map[string]any{
			"storeId": storeID,
			"orderId": orderID,
			"error":   err,
		})
		err = s.redemptions.Commit(ctx, set)
	}
	if err != nil {
		return s.commitFailed(ctx, set, err)
	}

	s.committed.Add(ctx, int64(len(set.Redemptions)))
	s.logger(ctx, "coupons.finalized", map[string]any{
		"storeId":     storeID,
		"orderId":     orderID,
		"redemptions": len(set.Redemptions),
	})
	s.publish(ctx, set, eval)
	return FinalizeResult{Redemptions: set.Redemptions}, nil
}

func (s *redemptionService) existing(ctx context.Context, storeID, orderID string) ([]Redemption, error) {
	existing, err := s.redemptions.FindByOrder(ctx, storeID, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, nil)
	}
	if len(existing) == 0 {
		return nil, nil
	}
	return existing, nil
}

func (s *redemptionService) commitFailed(ctx context.Context, set repositories.RedemptionSet, err error) (FinalizeResult, error) {
	var redemptionErr *repositories.RedemptionError
	if !errors.As(err, &redemptionErr) {
		if isTransientConflict(err) {
			// lost a lock or serialization race twice; the caller may retry the finalize
			return FinalizeResult{}, fmt.Errorf("%w: %v", ErrCouponRepositoryUnavailable, err)
		}
		return FinalizeResult{}, mapRepositoryError(err, nil)
	}
	switch redemptionErr.Code {
	case repositories.RedemptionErrorOrderFinalized:
		// a concurrent call won the claim
		existing, findErr := s.existing(ctx, set.StoreID, set.OrderID)
		if findErr != nil {
			return FinalizeResult{}, findErr
		}
		return FinalizeResult{Redemptions: existing, AlreadyFinalized: true}, nil
	case repositories.RedemptionErrorLimitReached, repositories.RedemptionErrorCouponMissing:
		s.conflicts.Add(ctx, 1)
		s.logger(ctx, "coupons.finalize_conflict", map[string]any{
			"storeId":  set.StoreID,
			"orderId":  set.OrderID,
			"couponId": redemptionErr.CouponID,
			"error":    err,
		})
		return FinalizeResult{}, fmt.Errorf("%w: coupon %s", ErrRedemptionConflict, redemptionErr.CouponID)
	default:
		return FinalizeResult{}, fmt.Errorf("%w: %v", ErrCouponInvalidInput, err)
	}
}

// isTransientConflict reports storage-level write contention such as a deadlock, a
// serialization failure or an aborted transaction. Redemption outcomes are not transient.
func isTransientConflict(err error) bool {
	if err == nil {
		return false
	}
	var redemptionErr *repositories.RedemptionError
	if errors.As(err, &redemptionErr) {
		return false
	}
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// publish emits the committed event. Failures are logged; the commit already happened.
func (s *redemptionService) publish(ctx context.Context, set repositories.RedemptionSet, eval coupons.Evaluation) {
	if s.publisher == nil {
		return
	}
	event := RedemptionEvent{
		EventID:       s.newID(),
		StoreID:       set.StoreID,
		OrderID:       set.OrderID,
		CustomerEmail: set.CustomerEmail,
		DiscountCents: eval.Result.CartTotals.DiscountCents,
		Currency:      eval.Result.CartTotals.Currency,
		CommittedAt:   set.CreatedAt,
	}
	for i, outcome := range eval.Accepted {
		event.Coupons = append(event.Coupons, RedemptionEventCoupon{
			RedemptionID:  set.Redemptions[i].ID,
			CouponID:      outcome.Coupon.ID,
			Code:          outcome.Coupon.Code,
			Type:          outcome.Coupon.Type,
			DiscountCents: outcome.Discount.AmountCents,
		})
	}
	if _, err := s.publisher.PublishRedemption(ctx, event); err != nil {
		s.logger(ctx, "coupons.publish_failed", map[string]any{
			"storeId": set.StoreID,
			"orderId": set.OrderID,
			"error":   err,
		})
	}
}
