package domain

import "testing"

func TestCouponStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to CouponStatus
		want     bool
	}{
		{CouponStatusActive, CouponStatusPaused, true},
		{CouponStatusPaused, CouponStatusActive, true},
		{CouponStatusActive, CouponStatusArchived, true},
		{CouponStatusPaused, CouponStatusArchived, true},
		{CouponStatusActive, CouponStatusActive, true},
		{CouponStatusArchived, CouponStatusActive, false},
		{CouponStatusArchived, CouponStatusPaused, false},
		{CouponStatusArchived, CouponStatusArchived, false},
		{CouponStatus("DRAFT"), CouponStatusActive, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestParseCouponStatus(t *testing.T) {
	status, err := ParseCouponStatus(" paused ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != CouponStatusPaused {
		t.Fatalf("expected PAUSED, got %s", status)
	}
	if _, err := ParseCouponStatus("deleted"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
