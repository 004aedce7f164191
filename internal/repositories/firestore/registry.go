// Package firestore implements the coupon repositories on Cloud Firestore. Every collection lives
// under stores/{storeId} so tenant isolation follows the document path.
package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/storekit/coupons/internal/platform/firestore"
	"github.com/storekit/coupons/internal/repositories"
)

// Registry wires the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider    *pfirestore.Provider
	stores      *StoreRepository
	coupons     *CouponRepository
	redemptions *RedemptionRepository
	health      repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the Firestore registry. extra probes are added to the readiness report
// next to the Firestore ping.
func NewRegistry(provider *pfirestore.Provider, extra ...repositories.Probe) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires a provider")
	}
	probes := append([]repositories.Probe{{Name: "firestore", Critical: true, Check: provider.Ping}}, extra...)
	health, err := repositories.NewProbeHealthRepository(probes)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:    provider,
		stores:      &StoreRepository{provider: provider},
		coupons:     &CouponRepository{provider: provider},
		redemptions: &RedemptionRepository{provider: provider},
		health:      health,
	}, nil
}

func (r *Registry) Stores() repositories.StoreRepository           { return r.stores }
func (r *Registry) Coupons() repositories.CouponRepository         { return r.coupons }
func (r *Registry) Redemptions() repositories.RedemptionRepository { return r.redemptions }
func (r *Registry) Health() repositories.HealthRepository          { return r.health }

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func storeDoc(client *firestore.Client, storeID string) *firestore.DocumentRef {
	return client.Collection(storesCollection).Doc(storeID)
}
