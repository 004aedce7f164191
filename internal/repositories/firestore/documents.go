package firestore

import (
	"time"

	domain "github.com/storekit/coupons/internal/domain"
)

const (
	storesCollection          = "stores"
	domainsCollection         = "domains"
	couponsCollection         = "coupons"
	redemptionsCollection     = "redemptions"
	orderRedemptionCollection = "orderRedemptions"

	// Firestore caps "in" filters at 30 values.
	maxInValues = 30
)

type storeDocument struct {
	Name   string `firestore:"name"`
	Status string `firestore:"status"`
}

type domainDocument struct {
	Host string `firestore:"host"`
}

type couponDocument struct {
	Code                  string     `firestore:"code"`
	NormalizedCode        string     `firestore:"normalizedCode"`
	Type                  string     `firestore:"type"`
	PercentDiscount       int64      `firestore:"percentDiscount"`
	ValueCents            int64      `firestore:"valueCents"`
	Currency              string     `firestore:"currency"`
	Status                string     `firestore:"status"`
	StartsAt              *time.Time `firestore:"startsAt,omitempty"`
	EndsAt                *time.Time `firestore:"endsAt,omitempty"`
	MinSubtotalCents      *int64     `firestore:"minSubtotalCents,omitempty"`
	AppliesTo             string     `firestore:"appliesTo"`
	ProductIDs            []string   `firestore:"productIds"`
	CategoryIDs           []string   `firestore:"categoryIds"`
	CollectionIDs         []string   `firestore:"collectionIds"`
	CustomerEmails        []string   `firestore:"customerEmails"`
	DomainScope           string     `firestore:"domainScope"`
	DomainIDs             []string   `firestore:"domainIds"`
	Combinable            string     `firestore:"combinable"`
	UsageLimitTotal       *int64     `firestore:"usageLimitTotal,omitempty"`
	UsageLimitPerCustomer *int64     `firestore:"usageLimitPerCustomer,omitempty"`
	TimesUsedTotal        int64      `firestore:"timesUsedTotal"`
	AutoApply             bool       `firestore:"autoApply"`
	AutoApplyPriority     int        `firestore:"autoApplyPriority"`
	CreatedAt             time.Time  `firestore:"createdAt"`
	UpdatedAt             time.Time  `firestore:"updatedAt"`
}

type redemptionDocument struct {
	CouponID      string    `firestore:"couponId"`
	OrderID       string    `firestore:"orderId"`
	CustomerEmail string    `firestore:"customerEmail"`
	DiscountCents int64     `firestore:"discountCents"`
	CreatedAt     time.Time `firestore:"createdAt"`
}

// orderGuardDocument marks an order as finalized. Its existence is the idempotency check.
type orderGuardDocument struct {
	CouponIDs []string  `firestore:"couponIds"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func encodeCoupon(c domain.Coupon) couponDocument {
	return couponDocument{
		Code:                  c.Code,
		NormalizedCode:        c.NormalizedCode,
		Type:                  string(c.Type),
		PercentDiscount:       c.PercentDiscount,
		ValueCents:            c.ValueCents,
		Currency:              c.Currency,
		Status:                string(c.Status),
		StartsAt:              utcPtr(c.StartsAt),
		EndsAt:                utcPtr(c.EndsAt),
		MinSubtotalCents:      c.MinSubtotalCents,
		AppliesTo:             string(c.AppliesTo),
		ProductIDs:            c.ProductIDs,
		CategoryIDs:           c.CategoryIDs,
		CollectionIDs:         c.CollectionIDs,
		CustomerEmails:        c.CustomerEmails,
		DomainScope:           string(c.DomainScope),
		DomainIDs:             c.DomainIDs,
		Combinable:            string(c.Combinable),
		UsageLimitTotal:       c.UsageLimitTotal,
		UsageLimitPerCustomer: c.UsageLimitPerCustomer,
		TimesUsedTotal:        c.TimesUsedTotal,
		AutoApply:             c.AutoApply,
		AutoApplyPriority:     c.AutoApplyPriority,
		CreatedAt:             c.CreatedAt.UTC(),
		UpdatedAt:             c.UpdatedAt.UTC(),
	}
}

func decodeCoupon(storeID, id string, doc couponDocument) domain.Coupon {
	return domain.Coupon{
		ID:                    id,
		StoreID:               storeID,
		Code:                  doc.Code,
		NormalizedCode:        doc.NormalizedCode,
		Type:                  domain.CouponType(doc.Type),
		PercentDiscount:       doc.PercentDiscount,
		ValueCents:            doc.ValueCents,
		Currency:              doc.Currency,
		Status:                domain.CouponStatus(doc.Status),
		StartsAt:              utcPtr(doc.StartsAt),
		EndsAt:                utcPtr(doc.EndsAt),
		MinSubtotalCents:      doc.MinSubtotalCents,
		AppliesTo:             domain.AppliesTo(doc.AppliesTo),
		ProductIDs:            doc.ProductIDs,
		CategoryIDs:           doc.CategoryIDs,
		CollectionIDs:         doc.CollectionIDs,
		CustomerEmails:        doc.CustomerEmails,
		DomainScope:           domain.DomainScope(doc.DomainScope),
		DomainIDs:             doc.DomainIDs,
		Combinable:            domain.Combinability(doc.Combinable),
		UsageLimitTotal:       doc.UsageLimitTotal,
		UsageLimitPerCustomer: doc.UsageLimitPerCustomer,
		TimesUsedTotal:        doc.TimesUsedTotal,
		AutoApply:             doc.AutoApply,
		AutoApplyPriority:     doc.AutoApplyPriority,
		CreatedAt:             doc.CreatedAt.UTC(),
		UpdatedAt:             doc.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func chunk(values []string, size int) [][]string {
	var out [][]string
	for len(values) > size {
		out = append(out, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}
