package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/storekit/coupons/internal/domain"
	pfirestore "github.com/storekit/coupons/internal/platform/firestore"
	"github.com/storekit/coupons/internal/repositories"
)

// RedemptionRepository appends redemptions under stores/{storeId}/redemptions and guards each
// order with stores/{storeId}/orderRedemptions/{orderId}.
type RedemptionRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.RedemptionRepository = (*RedemptionRepository)(nil)

func (r *RedemptionRepository) FindByOrder(ctx context.Context, storeID string, orderID string) ([]domain.Redemption, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	q := storeDoc(client, storeID).Collection(redemptionsCollection).Where("orderId", "==", orderID)
	return r.collect(ctx, storeID, q)
}

func (r *RedemptionRepository) CountByCustomer(ctx context.Context, storeID string, email string, couponIDs []string) (map[string]int64, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	q := storeDoc(client, storeID).Collection(redemptionsCollection).Where("customerEmail", "==", email)
	rows, err := r.collect(ctx, storeID, q)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(couponIDs))
	for _, id := range couponIDs {
		wanted[id] = struct{}{}
	}
	counts := make(map[string]int64, len(couponIDs))
	for _, row := range rows {
		if _, ok := wanted[row.CouponID]; ok || len(wanted) == 0 {
			counts[row.CouponID]++
		}
	}
	return counts, nil
}

func (r *RedemptionRepository) collect(ctx context.Context, storeID string, q firestore.Query) ([]domain.Redemption, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()
	var out []domain.Redemption
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, pfirestore.WrapError("redemptions.query", err)
		}
		var doc redemptionDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore redemptions decode %s: %w", snap.Ref.ID, err)
		}
		out = append(out, domain.Redemption{
			ID:            snap.Ref.ID,
			StoreID:       storeID,
			CouponID:      doc.CouponID,
			OrderID:       doc.OrderID,
			CustomerEmail: doc.CustomerEmail,
			DiscountCents: doc.DiscountCents,
			CreatedAt:     doc.CreatedAt.UTC(),
		})
	}
}

// Commit runs the guard check, the usage limit checks, the counter increments and the redemption
// inserts in one transaction. Firestore requires every read to precede the first write.
func (r *RedemptionRepository) Commit(ctx context.Context, set repositories.RedemptionSet) error {
	if err := repositories.ValidateRedemptionSet(set); err != nil {
		return err
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	store := storeDoc(client, set.StoreID)
	guardRef := store.Collection(orderRedemptionCollection).Doc(set.OrderID)
	coupons := store.Collection(couponsCollection)
	redemptions := store.Collection(redemptionsCollection)
	now := set.CreatedAt.UTC()
	email := strings.ToLower(strings.TrimSpace(set.CustomerEmail))

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		_, err := tx.Get(guardRef)
		switch status.Code(err) {
		case codes.OK:
			return repositories.NewRedemptionError(repositories.RedemptionErrorOrderFinalized, "", nil)
		case codes.NotFound:
		default:
			return err
		}

		for _, red := range set.Redemptions {
			snap, err := tx.Get(coupons.Doc(red.CouponID))
			if status.Code(err) == codes.NotFound {
				return repositories.NewRedemptionError(repositories.RedemptionErrorCouponMissing, red.CouponID, nil)
			}
			if err != nil {
				return err
			}
			var doc couponDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("firestore coupons decode %s: %w", red.CouponID, err)
			}
			if doc.UsageLimitTotal != nil && doc.TimesUsedTotal >= *doc.UsageLimitTotal {
				return repositories.NewRedemptionError(repositories.RedemptionErrorLimitReached, red.CouponID, nil)
			}
		}

		if err := tx.Create(guardRef, orderGuardDocument{CouponIDs: set.CouponIDs(), CreatedAt: now}); err != nil {
			return err
		}
		for _, red := range set.Redemptions {
			if err := tx.Update(coupons.Doc(red.CouponID), []firestore.Update{
				{Path: "timesUsedTotal", Value: firestore.Increment(1)},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
			if err := tx.Create(redemptions.Doc(red.ID), redemptionDocument{
				CouponID:      red.CouponID,
				OrderID:       set.OrderID,
				CustomerEmail: email,
				DiscountCents: red.DiscountCents,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var redemptionErr *repositories.RedemptionError
		if errors.As(err, &redemptionErr) {
			return redemptionErr
		}
		if status.Code(err) == codes.AlreadyExists {
			return repositories.NewRedemptionError(repositories.RedemptionErrorOrderFinalized, "", err)
		}
		return pfirestore.WrapError("redemptions.commit", err)
	}
	return nil
}
