package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/storekit/coupons/internal/domain"
	pfirestore "github.com/storekit/coupons/internal/platform/firestore"
	"github.com/storekit/coupons/internal/repositories"
)

// errCodeTaken is returned inside the upsert transaction when another coupon owns the code.
var errCodeTaken = status.Error(codes.AlreadyExists, "normalized code already used by another coupon")

// CouponRepository stores coupons under stores/{storeId}/coupons.
type CouponRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

func (r *CouponRepository) collection(ctx context.Context, storeID string) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return storeDoc(client, storeID).Collection(couponsCollection), nil
}

func (r *CouponRepository) FindByNormalizedCodes(ctx context.Context, storeID string, codes []string) ([]domain.Coupon, error) {
	col, err := r.collection(ctx, storeID)
	if err != nil {
		return nil, err
	}
	unique := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if _, ok := seen[code]; ok || code == "" {
			continue
		}
		seen[code] = struct{}{}
		unique = append(unique, code)
	}

	var out []domain.Coupon
	for _, part := range chunk(unique, maxInValues) {
		coupons, err := r.query(ctx, storeID, col.Where("normalizedCode", "in", part))
		if err != nil {
			return nil, err
		}
		out = append(out, coupons...)
	}
	return out, nil
}

func (r *CouponRepository) ListAutoApply(ctx context.Context, storeID string) ([]domain.Coupon, error) {
	col, err := r.collection(ctx, storeID)
	if err != nil {
		return nil, err
	}
	coupons, err := r.query(ctx, storeID, col.Where("autoApply", "==", true))
	if err != nil {
		return nil, err
	}
	sort.Slice(coupons, func(i, j int) bool { return coupons[i].ID < coupons[j].ID })
	return coupons, nil
}

func (r *CouponRepository) query(ctx context.Context, storeID string, q firestore.Query) ([]domain.Coupon, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()
	var out []domain.Coupon
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, pfirestore.WrapError("coupons.query", err)
		}
		var doc couponDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore coupons decode %s: %w", snap.Ref.ID, err)
		}
		out = append(out, decodeCoupon(storeID, snap.Ref.ID, doc))
	}
}

// Upsert writes the coupon definition. The usage counter and creation time of an existing coupon
// are preserved; normalized codes stay unique per store.
func (r *CouponRepository) Upsert(ctx context.Context, coupon domain.Coupon) error {
	if coupon.StoreID == "" || coupon.ID == "" || coupon.NormalizedCode == "" {
		return errors.New("firestore coupons: store id, id and normalized code are required")
	}
	col, err := r.collection(ctx, coupon.StoreID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		owners, err := tx.Documents(col.Where("normalizedCode", "==", coupon.NormalizedCode).Limit(2)).GetAll()
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if owner.Ref.ID != coupon.ID {
				return errCodeTaken
			}
		}

		ref := col.Doc(coupon.ID)
		doc := encodeCoupon(coupon)
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			var existing couponDocument
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("firestore coupons decode %s: %w", coupon.ID, err)
			}
			doc.TimesUsedTotal = existing.TimesUsedTotal
			doc.CreatedAt = existing.CreatedAt
		case codes.NotFound:
		default:
			return err
		}
		return tx.Set(ref, doc)
	})
	return pfirestore.WrapError("coupons.upsert", err)
}

func (r *CouponRepository) UpdateStatus(ctx context.Context, storeID string, couponID string, next domain.CouponStatus, updatedAt time.Time) error {
	col, err := r.collection(ctx, storeID)
	if err != nil {
		return err
	}
	ref := col.Doc(couponID)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, _ := snap.DataAt("status")
		currentStatus, _ := current.(string)
		if !domain.CouponStatus(currentStatus).CanTransitionTo(next) {
			return status.Errorf(codes.FailedPrecondition, "coupon %s cannot move from %s to %s", couponID, currentStatus, next)
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(next)},
			{Path: "updatedAt", Value: updatedAt.UTC()},
		})
	})
	return pfirestore.WrapError("coupons.update_status", err)
}
