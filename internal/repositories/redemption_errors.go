package repositories

import (
	"errors"
	"fmt"
)

// RedemptionErrorCode enumerates failure reasons for redemption commits.
type RedemptionErrorCode string

const (
	// RedemptionErrorInvalidInput indicates the caller supplied an incomplete redemption set.
	RedemptionErrorInvalidInput RedemptionErrorCode = "redemption_invalid_input"
	// RedemptionErrorOrderFinalized indicates the order already carries a redemption set.
	RedemptionErrorOrderFinalized RedemptionErrorCode = "redemption_order_finalized"
	// RedemptionErrorLimitReached indicates a coupon hit its total usage limit during commit.
	RedemptionErrorLimitReached RedemptionErrorCode = "redemption_limit_reached"
	// RedemptionErrorCouponMissing indicates a coupon was deleted between evaluation and commit.
	RedemptionErrorCouponMissing RedemptionErrorCode = "redemption_coupon_missing"
)

// RedemptionError wraps commit failures with machine readable codes.
type RedemptionError struct {
	Code     RedemptionErrorCode
	CouponID string
	Message  string
	Err      error
}

var _ RepositoryError = (*RedemptionError)(nil)

func (e *RedemptionError) Error() string {
	if e == nil {
		return ""
	}
	if e.CouponID != "" {
		return fmt.Sprintf("%s: coupon %s", e.Message, e.CouponID)
	}
	return e.Message
}

func (e *RedemptionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *RedemptionError) IsNotFound() bool {
	return e != nil && e.Code == RedemptionErrorCouponMissing
}

func (e *RedemptionError) IsConflict() bool {
	return e != nil && (e.Code == RedemptionErrorOrderFinalized || e.Code == RedemptionErrorLimitReached)
}

func (e *RedemptionError) IsUnavailable() bool { return false }

// NewRedemptionError constructs a typed redemption error.
func NewRedemptionError(code RedemptionErrorCode, couponID string, err error) *RedemptionError {
	return &RedemptionError{
		Code:     code,
		CouponID: couponID,
		Message:  string(code),
		Err:      err,
	}
}

// IsRedemptionError reports whether err carries the given redemption code.
func IsRedemptionError(err error, code RedemptionErrorCode) bool {
	var target *RedemptionError
	if errors.As(err, &target) {
		return target.Code == code
	}
	return false
}

// ValidateRedemptionSet performs the structural checks shared by every backend.
func ValidateRedemptionSet(set RedemptionSet) error {
	if set.StoreID == "" || set.OrderID == "" {
		return NewRedemptionError(RedemptionErrorInvalidInput, "", errors.New("store and order ids are required"))
	}
	if len(set.Redemptions) == 0 {
		return NewRedemptionError(RedemptionErrorInvalidInput, "", errors.New("at least one redemption is required"))
	}
	seen := make(map[string]struct{}, len(set.Redemptions))
	for _, r := range set.Redemptions {
		if r.CouponID == "" || r.ID == "" {
			return NewRedemptionError(RedemptionErrorInvalidInput, r.CouponID, errors.New("redemption id and coupon id are required"))
		}
		if _, dup := seen[r.CouponID]; dup {
			return NewRedemptionError(RedemptionErrorInvalidInput, r.CouponID, errors.New("coupon listed twice"))
		}
		seen[r.CouponID] = struct{}{}
	}
	return nil
}
