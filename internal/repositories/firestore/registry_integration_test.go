//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/storekit/coupons/internal/domain"
	pconfig "github.com/storekit/coupons/internal/platform/config"
	pfirestore "github.com/storekit/coupons/internal/platform/firestore"
	"github.com/storekit/coupons/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestRegistryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "coupons-test", EmulatorHost: endpoint})
	reg, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := storeDoc(client, "store-1").Set(ctx, storeDocument{Name: "Tea House", Status: "active"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if _, err := storeDoc(client, "store-1").Collection(domainsCollection).Doc("dom-1").Set(ctx, domainDocument{Host: "shop.example.com"}); err != nil {
		t.Fatalf("seed domain: %v", err)
	}

	store, err := reg.Stores().FindStore(ctx, "store-1")
	if err != nil || store.Name != "Tea House" {
		t.Fatalf("FindStore: %+v %v", store, err)
	}
	dom, err := reg.Stores().ResolveDomain(ctx, "store-1", "SHOP.example.com:443")
	if err != nil || dom.ID != "dom-1" {
		t.Fatalf("ResolveDomain: %+v %v", dom, err)
	}

	limit := int64(3)
	coupon := domain.Coupon{
		ID:              "c-1",
		StoreID:         "store-1",
		Code:            "SAVE20",
		NormalizedCode:  "5AVE20",
		Type:            domain.CouponTypePercent,
		PercentDiscount: 20,
		Status:          domain.CouponStatusActive,
		AppliesTo:       domain.AppliesToAll,
		DomainScope:     domain.DomainScopeAll,
		Combinable:      domain.CombinableAll,
		UsageLimitTotal: &limit,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := reg.Coupons().Upsert(ctx, coupon); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	dup := coupon
	dup.ID = "c-2"
	if err := reg.Coupons().Upsert(ctx, dup); err == nil {
		t.Fatalf("expected duplicate normalized code to be rejected")
	}

	found, err := reg.Coupons().FindByNormalizedCodes(ctx, "store-1", []string{"5AVE20", "NOPE"})
	if err != nil || len(found) != 1 {
		t.Fatalf("FindByNormalizedCodes: %+v %v", found, err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := reg.Redemptions().Commit(ctx, repositories.RedemptionSet{
				StoreID:       "store-1",
				OrderID:       fmt.Sprintf("order-%d", i),
				CustomerEmail: "buyer@example.com",
				CreatedAt:     time.Now().UTC(),
				Redemptions:   []domain.Redemption{{ID: fmt.Sprintf("r-%d", i), CouponID: "c-1", DiscountCents: 100}},
			})
			switch {
			case err == nil:
				mu.Lock()
				committed++
				mu.Unlock()
			case repositories.IsRedemptionError(err, repositories.RedemptionErrorLimitReached):
			default:
				t.Errorf("commit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if committed != int(limit) {
		t.Fatalf("expected %d commits, got %d", limit, committed)
	}

	err = reg.Redemptions().Commit(ctx, repositories.RedemptionSet{
		StoreID:     "store-1",
		OrderID:     "order-0",
		CreatedAt:   time.Now().UTC(),
		Redemptions: []domain.Redemption{{ID: "r-again", CouponID: "c-1"}},
	})
	if !repositories.IsRedemptionError(err, repositories.RedemptionErrorOrderFinalized) && !repositories.IsRedemptionError(err, repositories.RedemptionErrorLimitReached) {
		t.Fatalf("expected re-commit to be rejected, got %v", err)
	}

	counts, err := reg.Redemptions().CountByCustomer(ctx, "store-1", "Buyer@Example.com", []string{"c-1"})
	if err != nil || counts["c-1"] != limit {
		t.Fatalf("CountByCustomer: %v %v", counts, err)
	}

	if err := reg.Coupons().UpdateStatus(ctx, "store-1", "c-1", domain.CouponStatusArchived, time.Now()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := reg.Coupons().UpdateStatus(ctx, "store-1", "c-1", domain.CouponStatusActive, time.Now()); err == nil {
		t.Fatalf("expected archived coupon to reject reactivation")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("emulator at %s did not become ready within %s", endpoint, timeout)
}
