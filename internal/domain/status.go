package domain

import (
	"fmt"
	"strings"
)

// CouponStatus is the lifecycle state of a coupon.
type CouponStatus string

const (
	CouponStatusActive   CouponStatus = "ACTIVE"
	CouponStatusPaused   CouponStatus = "PAUSED"
	CouponStatusArchived CouponStatus = "ARCHIVED"
)

// ParseCouponStatus converts a raw status string, accepting any letter case.
func ParseCouponStatus(raw string) (CouponStatus, error) {
	status := CouponStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown coupon status %q", raw)
	}
	return status, nil
}

// Valid reports whether the status is one of the known lifecycle states.
func (s CouponStatus) Valid() bool {
	switch s {
	case CouponStatusActive, CouponStatusPaused, CouponStatusArchived:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// ACTIVE and PAUSED toggle freely; ARCHIVED is terminal.
func (s CouponStatus) CanTransitionTo(next CouponStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return s != CouponStatusArchived
	}
	switch s {
	case CouponStatusActive:
		return next == CouponStatusPaused || next == CouponStatusArchived
	case CouponStatusPaused:
		return next == CouponStatusActive || next == CouponStatusArchived
	default:
		return false
	}
}
