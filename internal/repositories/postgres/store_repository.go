package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/storekit/coupons/internal/domain"
	ppostgres "github.com/storekit/coupons/internal/platform/postgres"
	"github.com/storekit/coupons/internal/repositories"
)

// StoreRepository reads the stores and store_domains tables.
type StoreRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.StoreRepository = (*StoreRepository)(nil)

func (r *StoreRepository) FindStore(ctx context.Context, storeID string) (domain.Store, error) {
	var store domain.Store
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, status FROM stores WHERE id = $1`, storeID,
	).Scan(&store.ID, &store.Name, &store.Status)
	if err != nil {
		return domain.Store{}, ppostgres.WrapError("stores.find", err)
	}
	return store, nil
}

func (r *StoreRepository) ResolveDomain(ctx context.Context, storeID string, host string) (domain.StoreDomain, error) {
	host = repositories.NormalizeHost(host)
	if host == "" {
		return domain.StoreDomain{}, ppostgres.NotFound("domains.resolve", "empty host")
	}
	var d domain.StoreDomain
	err := r.pool.QueryRow(ctx,
		`SELECT id, store_id, host FROM store_domains WHERE store_id = $1 AND host = $2`, storeID, host,
	).Scan(&d.ID, &d.StoreID, &d.Host)
	if err != nil {
		return domain.StoreDomain{}, ppostgres.WrapError("domains.resolve", err)
	}
	return d, nil
}

// PutStore inserts or renames a store and registers its domains. Used for seeding.
func (r *StoreRepository) PutStore(ctx context.Context, store domain.Store, domains ...domain.StoreDomain) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ppostgres.WrapError("stores.put", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO stores (id, name, status) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, status = EXCLUDED.status`,
		store.ID, store.Name, store.Status,
	); err != nil {
		return ppostgres.WrapError("stores.put", err)
	}
	for _, d := range domains {
		if _, err := tx.Exec(ctx,
			`INSERT INTO store_domains (id, store_id, host) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			d.ID, store.ID, repositories.NormalizeHost(d.Host),
		); err != nil {
			return ppostgres.WrapError("stores.put_domain", err)
		}
	}
	return ppostgres.WrapError("stores.put", tx.Commit(ctx))
}
