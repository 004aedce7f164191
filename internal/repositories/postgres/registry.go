// Package postgres implements the coupon repositories on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storekit/coupons/internal/repositories"
)

// Registry wires the Postgres repositories behind repositories.Registry.
type Registry struct {
	pool        *pgxpool.Pool
	stores      *StoreRepository
	coupons     *CouponRepository
	redemptions *RedemptionRepository
	health      repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the registry over an already migrated pool.
func NewRegistry(pool *pgxpool.Pool, extra ...repositories.Probe) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("postgres registry requires a pool")
	}
	probes := append([]repositories.Probe{{Name: "postgres", Critical: true, Check: pool.Ping}}, extra...)
	health, err := repositories.NewProbeHealthRepository(probes)
	if err != nil {
		return nil, err
	}
	return &Registry{
		pool:        pool,
		stores:      &StoreRepository{pool: pool},
		coupons:     &CouponRepository{pool: pool},
		redemptions: &RedemptionRepository{pool: pool},
		health:      health,
	}, nil
}

func (r *Registry) Stores() repositories.StoreRepository           { return r.stores }
func (r *Registry) Coupons() repositories.CouponRepository         { return r.coupons }
func (r *Registry) Redemptions() repositories.RedemptionRepository { return r.redemptions }
func (r *Registry) Health() repositories.HealthRepository          { return r.health }

// Close drains the pool.
func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}
