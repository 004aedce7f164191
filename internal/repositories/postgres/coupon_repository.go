package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/storekit/coupons/internal/domain"
	ppostgres "github.com/storekit/coupons/internal/platform/postgres"
	"github.com/storekit/coupons/internal/repositories"
)

const couponColumns = `id, store_id, code, normalized_code, type, percent_discount, value_cents, currency,
	status, starts_at, ends_at, min_subtotal_cents, applies_to, product_ids, category_ids, collection_ids,
	customer_emails, domain_scope, domain_ids, combinable, usage_limit_total, usage_limit_per_customer,
	times_used_total, auto_apply, auto_apply_priority, created_at, updated_at`

// CouponRepository persists coupons in the coupons table.
type CouponRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

func (r *CouponRepository) FindByNormalizedCodes(ctx context.Context, storeID string, codes []string) ([]domain.Coupon, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE store_id = $1 AND normalized_code = ANY($2) ORDER BY id`,
		storeID, codes,
	)
	if err != nil {
		return nil, ppostgres.WrapError("coupons.find_by_codes", err)
	}
	return collectCoupons(rows)
}

func (r *CouponRepository) ListAutoApply(ctx context.Context, storeID string) ([]domain.Coupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE store_id = $1 AND auto_apply ORDER BY id`,
		storeID,
	)
	if err != nil {
		return nil, ppostgres.WrapError("coupons.list_auto_apply", err)
	}
	return collectCoupons(rows)
}

// Upsert writes the coupon definition, keeping times_used_total and created_at of existing rows.
// A normalized code owned by another coupon surfaces as a conflict from the unique constraint.
func (r *CouponRepository) Upsert(ctx context.Context, c domain.Coupon) error {
	if c.StoreID == "" || c.ID == "" || c.NormalizedCode == "" {
		return errors.New("postgres coupons: store id, id and normalized code are required")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO coupons (id, store_id, code, normalized_code, type, percent_discount, value_cents, currency,
			status, starts_at, ends_at, min_subtotal_cents, applies_to, product_ids, category_ids, collection_ids,
			customer_emails, domain_scope, domain_ids, combinable, usage_limit_total, usage_limit_per_customer,
			auto_apply, auto_apply_priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26)
		ON CONFLICT (store_id, id) DO UPDATE SET
			code = EXCLUDED.code,
			normalized_code = EXCLUDED.normalized_code,
			type = EXCLUDED.type,
			percent_discount = EXCLUDED.percent_discount,
			value_cents = EXCLUDED.value_cents,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			min_subtotal_cents = EXCLUDED.min_subtotal_cents,
			applies_to = EXCLUDED.applies_to,
			product_ids = EXCLUDED.product_ids,
			category_ids = EXCLUDED.category_ids,
			collection_ids = EXCLUDED.collection_ids,
			customer_emails = EXCLUDED.customer_emails,
			domain_scope = EXCLUDED.domain_scope,
			domain_ids = EXCLUDED.domain_ids,
			combinable = EXCLUDED.combinable,
			usage_limit_total = EXCLUDED.usage_limit_total,
			usage_limit_per_customer = EXCLUDED.usage_limit_per_customer,
			auto_apply = EXCLUDED.auto_apply,
			auto_apply_priority = EXCLUDED.auto_apply_priority,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.StoreID, c.Code, c.NormalizedCode, string(c.Type), c.PercentDiscount, c.ValueCents, c.Currency,
		string(c.Status), c.StartsAt, c.EndsAt, c.MinSubtotalCents, string(c.AppliesTo),
		nonNil(c.ProductIDs), nonNil(c.CategoryIDs), nonNil(c.CollectionIDs), nonNil(c.CustomerEmails),
		string(c.DomainScope), nonNil(c.DomainIDs), string(c.Combinable), c.UsageLimitTotal, c.UsageLimitPerCustomer,
		c.AutoApply, c.AutoApplyPriority, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	return ppostgres.WrapError("coupons.upsert", err)
}

func (r *CouponRepository) UpdateStatus(ctx context.Context, storeID string, couponID string, next domain.CouponStatus, updatedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ppostgres.WrapError("coupons.update_status", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM coupons WHERE store_id = $1 AND id = $2 FOR UPDATE`, storeID, couponID,
	).Scan(&current)
	if err != nil {
		return ppostgres.WrapError("coupons.update_status", err)
	}
	if !domain.CouponStatus(current).CanTransitionTo(next) {
		return ppostgres.Conflict("coupons.update_status", "coupon "+couponID+" cannot move from "+current+" to "+string(next))
	}
	if _, err := tx.Exec(ctx,
		`UPDATE coupons SET status = $3, updated_at = $4 WHERE store_id = $1 AND id = $2`,
		storeID, couponID, string(next), updatedAt.UTC(),
	); err != nil {
		return ppostgres.WrapError("coupons.update_status", err)
	}
	return ppostgres.WrapError("coupons.update_status", tx.Commit(ctx))
}

func collectCoupons(rows pgx.Rows) ([]domain.Coupon, error) {
	coupons, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Coupon, error) {
		var (
			c                                   domain.Coupon
			typ, status, appliesTo, scope, comb string
		)
		err := row.Scan(&c.ID, &c.StoreID, &c.Code, &c.NormalizedCode, &typ, &c.PercentDiscount, &c.ValueCents,
			&c.Currency, &status, &c.StartsAt, &c.EndsAt, &c.MinSubtotalCents, &appliesTo, &c.ProductIDs,
			&c.CategoryIDs, &c.CollectionIDs, &c.CustomerEmails, &scope, &c.DomainIDs, &comb, &c.UsageLimitTotal,
			&c.UsageLimitPerCustomer, &c.TimesUsedTotal, &c.AutoApply, &c.AutoApplyPriority, &c.CreatedAt, &c.UpdatedAt)
		c.Type = domain.CouponType(typ)
		c.Status = domain.CouponStatus(status)
		c.AppliesTo = domain.AppliesTo(appliesTo)
		c.DomainScope = domain.DomainScope(scope)
		c.Combinable = domain.Combinability(comb)
		return c, err
	})
	if err != nil {
		return nil, ppostgres.WrapError("coupons.scan", err)
	}
	return coupons, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
