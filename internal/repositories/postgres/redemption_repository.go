package postgres

import (
	"context"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/storekit/coupons/internal/domain"
	ppostgres "github.com/storekit/coupons/internal/platform/postgres"
	"github.com/storekit/coupons/internal/repositories"
)

// RedemptionRepository writes coupon_order_claims and coupon_redemptions.
type RedemptionRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.RedemptionRepository = (*RedemptionRepository)(nil)

func (r *RedemptionRepository) FindByOrder(ctx context.Context, storeID string, orderID string) ([]domain.Redemption, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, store_id, coupon_id, order_id, customer_email, discount_cents, created_at
		FROM coupon_redemptions WHERE store_id = $1 AND order_id = $2 ORDER BY id`,
		storeID, orderID,
	)
	if err != nil {
		return nil, ppostgres.WrapError("redemptions.find_by_order", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Redemption, error) {
		var red domain.Redemption
		err := row.Scan(&red.ID, &red.StoreID, &red.CouponID, &red.OrderID, &red.CustomerEmail, &red.DiscountCents, &red.CreatedAt)
		return red, err
	})
	if err != nil {
		return nil, ppostgres.WrapError("redemptions.scan", err)
	}
	return out, nil
}

func (r *RedemptionRepository) CountByCustomer(ctx context.Context, storeID string, email string, couponIDs []string) (map[string]int64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	rows, err := r.pool.Query(ctx, `
		SELECT coupon_id, count(*) FROM coupon_redemptions
		WHERE store_id = $1 AND customer_email = $2 AND (cardinality($3::text[]) = 0 OR coupon_id = ANY($3))
		GROUP BY coupon_id`,
		storeID, email, nonNil(couponIDs),
	)
	if err != nil {
		return nil, ppostgres.WrapError("redemptions.count_by_customer", err)
	}
	defer rows.Close()

	counts := make(map[string]int64, len(couponIDs))
	for rows.Next() {
		var couponID string
		var count int64
		if err := rows.Scan(&couponID, &count); err != nil {
			return nil, ppostgres.WrapError("redemptions.count_by_customer", err)
		}
		counts[couponID] = count
	}
	return counts, ppostgres.WrapError("redemptions.count_by_customer", rows.Err())
}

// Commit claims the order, increments usage with a guarded UPDATE and inserts the redemption rows
// in one transaction. The guarded UPDATE makes the usage limit hold under concurrent commits.
func (r *RedemptionRepository) Commit(ctx context.Context, set repositories.RedemptionSet) error {
	if err := repositories.ValidateRedemptionSet(set); err != nil {
		return err
	}
	email := strings.ToLower(strings.TrimSpace(set.CustomerEmail))
	// Coupon rows are locked in id order so concurrent orders sharing coupons cannot deadlock.
	ordered := slices.Clone(set.Redemptions)
	slices.SortFunc(ordered, func(a, b domain.Redemption) int { return strings.Compare(a.CouponID, b.CouponID) })

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO coupon_order_claims (store_id, order_id, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			set.StoreID, set.OrderID, set.CreatedAt.UTC(),
		)
		if err != nil {
			return ppostgres.WrapError("redemptions.claim", err)
		}
		if tag.RowsAffected() == 0 {
			return repositories.NewRedemptionError(repositories.RedemptionErrorOrderFinalized, "", nil)
		}

		for _, red := range ordered {
			tag, err := tx.Exec(ctx, `
				UPDATE coupons SET times_used_total = times_used_total + 1, updated_at = $3
				WHERE store_id = $1 AND id = $2
				  AND (usage_limit_total IS NULL OR times_used_total < usage_limit_total)`,
				set.StoreID, red.CouponID, set.CreatedAt.UTC(),
			)
			if err != nil {
				return ppostgres.WrapError("redemptions.increment", err)
			}
			if tag.RowsAffected() == 0 {
				return r.classifyMissedIncrement(ctx, tx, set.StoreID, red.CouponID)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO coupon_redemptions (id, store_id, coupon_id, order_id, customer_email, discount_cents, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				red.ID, set.StoreID, red.CouponID, set.OrderID, email, red.DiscountCents, set.CreatedAt.UTC(),
			); err != nil {
				return ppostgres.WrapError("redemptions.insert", err)
			}
		}
		return nil
	})
}

func (r *RedemptionRepository) classifyMissedIncrement(ctx context.Context, tx pgx.Tx, storeID, couponID string) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM coupons WHERE store_id = $1 AND id = $2)`, storeID, couponID,
	).Scan(&exists); err != nil {
		return ppostgres.WrapError("redemptions.classify", err)
	}
	if !exists {
		return repositories.NewRedemptionError(repositories.RedemptionErrorCouponMissing, couponID, nil)
	}
	return repositories.NewRedemptionError(repositories.RedemptionErrorLimitReached, couponID, nil)
}
