package firestore

import (
	"context"
	"fmt"

	"google.golang.org/api/iterator"

	domain "github.com/storekit/coupons/internal/domain"
	pfirestore "github.com/storekit/coupons/internal/platform/firestore"
	"github.com/storekit/coupons/internal/repositories"
)

// StoreRepository reads stores/{storeId} and its domains subcollection.
type StoreRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.StoreRepository = (*StoreRepository)(nil)

func (r *StoreRepository) FindStore(ctx context.Context, storeID string) (domain.Store, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Store{}, err
	}
	snap, err := storeDoc(client, storeID).Get(ctx)
	if err != nil {
		return domain.Store{}, pfirestore.WrapError("stores.find", err)
	}
	var doc storeDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Store{}, fmt.Errorf("firestore stores decode %s: %w", storeID, err)
	}
	return domain.Store{ID: snap.Ref.ID, Name: doc.Name, Status: doc.Status}, nil
}

func (r *StoreRepository) ResolveDomain(ctx context.Context, storeID string, host string) (domain.StoreDomain, error) {
	host = repositories.NormalizeHost(host)
	if host == "" {
		return domain.StoreDomain{}, pfirestore.NotFound("domains.resolve", "empty host")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.StoreDomain{}, err
	}
	iter := storeDoc(client, storeID).Collection(domainsCollection).
		Where("host", "==", host).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return domain.StoreDomain{}, pfirestore.NotFound("domains.resolve", "host "+host)
	}
	if err != nil {
		return domain.StoreDomain{}, pfirestore.WrapError("domains.resolve", err)
	}
	var doc domainDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.StoreDomain{}, fmt.Errorf("firestore domains decode %s: %w", snap.Ref.ID, err)
	}
	return domain.StoreDomain{ID: snap.Ref.ID, StoreID: storeID, Host: doc.Host}, nil
}
