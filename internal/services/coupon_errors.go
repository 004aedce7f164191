package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/storekit/coupons/internal/repositories"
)

var (
	// ErrCouponRepositoryMissing indicates a repository dependency is absent.
	ErrCouponRepositoryMissing = errors.New("coupon service: repository is not configured")
	// ErrCouponInvalidInput signals a malformed request or cart snapshot.
	ErrCouponInvalidInput = errors.New("coupon service: invalid input")
	// ErrCouponStoreNotFound indicates the addressed store does not exist.
	ErrCouponStoreNotFound = errors.New("coupon service: store not found")
	// ErrCouponNotFound indicates no public coupon exists for the code.
	ErrCouponNotFound = errors.New("coupon service: coupon not found")
	// ErrCouponRepositoryUnavailable indicates storage could not be reached.
	ErrCouponRepositoryUnavailable = errors.New("coupon service: repository unavailable")
	// ErrRedemptionConflict indicates a usage limit was exhausted by a concurrent order.
	ErrRedemptionConflict = errors.New("redemption service: coupon usage conflict")
)

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCouponInvalidInput, fmt.Sprintf(format, args...))
}

// mapRepositoryError translates RepositoryError categories into service sentinels. notFound
// is used for not-found errors when non-nil.
func mapRepositoryError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCouponRepositoryUnavailable, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound() && notFound != nil:
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCouponRepositoryUnavailable, err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
