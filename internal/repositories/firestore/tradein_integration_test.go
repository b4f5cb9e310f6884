//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/tradein/internal/domain"
	pconfig "github.com/hanko-field/tradein/internal/platform/config"
	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
	"github.com/hanko-field/tradein/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestTradeInRepositoriesIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    fmt.Sprintf("tradein-it-%d", time.Now().UnixNano()),
		EmulatorHost: emulatorEndpoint(t),
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	t.Run("cart metadata guard", func(t *testing.T) {
		carts, err := NewCartRepository(provider)
		if err != nil {
			t.Fatalf("new cart repository: %v", err)
		}
		seedCart(ctx, t, provider, "cart_guard", map[string]any{domain.CartMetaTradeInRequestID: "req_old"})

		_, err = carts.UpdateMetadata(ctx, "cart_guard",
			map[string]any{domain.CartMetaTradeInRequestID: "req_new"},
			&repositories.MetadataGuard{Key: domain.CartMetaTradeInRequestID, Expected: "req_other"})
		requireConflict(t, err)

		cart, err := carts.GetCart(ctx, "cart_guard")
		if err != nil {
			t.Fatalf("get cart: %v", err)
		}
		if got := cart.MetadataString(domain.CartMetaTradeInRequestID); got != "req_old" {
			t.Fatalf("expected guarded write to leave req_old, got %q", got)
		}

		saved, err := carts.UpdateMetadata(ctx, "cart_guard",
			map[string]any{domain.CartMetaTradeInRequestID: nil, "trade_in_amount": int64(500000)},
			&repositories.MetadataGuard{Key: domain.CartMetaTradeInRequestID, Expected: "req_old"})
		if err != nil {
			t.Fatalf("matching guard: %v", err)
		}
		if _, ok := saved.Metadata[domain.CartMetaTradeInRequestID]; ok {
			t.Fatalf("expected nil value to delete the key, got %v", saved.Metadata)
		}
		cart, err = carts.GetCart(ctx, "cart_guard")
		if err != nil {
			t.Fatalf("get cart: %v", err)
		}
		if cart.MetadataString(domain.CartMetaTradeInRequestID) != "" {
			t.Fatalf("expected pointer removed in storage, got %v", cart.Metadata)
		}
	})

	t.Run("concurrent claims on an empty pointer", func(t *testing.T) {
		carts, err := NewCartRepository(provider)
		if err != nil {
			t.Fatalf("new cart repository: %v", err)
		}
		seedCart(ctx, t, provider, "cart_race", nil)

		const workers = 6
		errs := make([]error, workers)
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func(idx int) {
				defer wg.Done()
				_, errs[idx] = carts.UpdateMetadata(ctx, "cart_race",
					map[string]any{domain.CartMetaTradeInRequestID: fmt.Sprintf("req_%d", idx)},
					&repositories.MetadataGuard{Key: domain.CartMetaTradeInRequestID})
			}(i)
		}
		wg.Wait()

		winners := 0
		for i, err := range errs {
			switch {
			case err == nil:
				winners++
			case isConflict(err):
			default:
				t.Fatalf("worker %d: unexpected error %v", i, err)
			}
		}
		if winners != 1 {
			t.Fatalf("expected exactly one claim to win, got %d: %v", winners, errs)
		}
	})

	t.Run("promotion codes", func(t *testing.T) {
		carts, err := NewCartRepository(provider)
		if err != nil {
			t.Fatalf("new cart repository: %v", err)
		}
		seedCart(ctx, t, provider, "cart_codes", nil)

		for i := 0; i < 2; i++ {
			if err := carts.AttachPromotionCode(ctx, "cart_codes", "TRADEIN-A1"); err != nil {
				t.Fatalf("attach: %v", err)
			}
		}
		cart, err := carts.GetCart(ctx, "cart_codes")
		if err != nil {
			t.Fatalf("get cart: %v", err)
		}
		if len(cart.PromotionCodes) != 1 || cart.PromotionCodes[0] != "TRADEIN-A1" {
			t.Fatalf("expected one attached code, got %v", cart.PromotionCodes)
		}

		if err := carts.DetachPromotionCode(ctx, "cart_codes", "TRADEIN-A1"); err != nil {
			t.Fatalf("detach: %v", err)
		}
		if err := carts.DetachPromotionCode(ctx, "cart_codes", "TRADEIN-A1"); err != nil {
			t.Fatalf("detaching an absent code: %v", err)
		}
	})

	t.Run("ordered requests stay ordered", func(t *testing.T) {
		requests, err := NewTradeInRequestRepository(provider)
		if err != nil {
			t.Fatalf("new request repository: %v", err)
		}
		request := appliedRequest(t, "req_ordered", "cart_ordered")
		if err := requests.Insert(ctx, request); err != nil {
			t.Fatalf("insert: %v", err)
		}
		requireConflict(t, requests.Insert(ctx, request))

		placed := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
		updated, err := requests.MarkOrdered(ctx, "req_ordered", "order_1", placed)
		if err != nil {
			t.Fatalf("mark ordered: %v", err)
		}
		if updated.Status != domain.TradeInStatusOrdered || updated.OrderID == nil || *updated.OrderID != "order_1" {
			t.Fatalf("unexpected updated request %+v", updated)
		}

		_, err = requests.MarkOrdered(ctx, "req_ordered", "order_2", placed.Add(time.Hour))
		requireConflict(t, err)

		stored, err := requests.FindByID(ctx, "req_ordered")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if stored.OrderID == nil || *stored.OrderID != "order_1" || !stored.UpdatedAt.Equal(placed) {
			t.Fatalf("expected first order kept, got %+v", stored)
		}

		_, err = requests.MarkOrdered(ctx, "req_missing", "order_3", placed)
		requireNotFound(t, err)
	})

	t.Run("tac lookup ignores inactive rows", func(t *testing.T) {
		maps, err := NewTradeInDeviceMapRepository(provider)
		if err != nil {
			t.Fatalf("new device map repository: %v", err)
		}
		rows := []domain.TradeInDeviceMap{
			{ID: "map_active_low", TACPrefix: "35328210", Brand: "apple", ModelKeyword: "iphone 13", Priority: 1, Active: true},
			{ID: "map_active_high", TACPrefix: "35328210", Brand: "apple", ModelKeyword: "iphone 13 pro", Priority: 5, Active: true},
			{ID: "map_inactive_top", TACPrefix: "35328210", Brand: "apple", ModelKeyword: "iphone 13 pro max", Priority: 9},
			{ID: "map_only_inactive", TACPrefix: "35441711", Brand: "apple", ModelKeyword: "iphone 14", Priority: 3},
		}
		for _, row := range rows {
			if err := maps.Upsert(ctx, row); err != nil {
				t.Fatalf("upsert %s: %v", row.ID, err)
			}
		}

		found, err := maps.FindActiveByTAC(ctx, "35328210")
		if err != nil {
			t.Fatalf("find active: %v", err)
		}
		if found.ID != "map_active_high" || found.ModelKeyword != "iphone 13 pro" {
			t.Fatalf("expected highest priority active row, got %+v", found)
		}

		_, err = maps.FindActiveByTAC(ctx, "35441711")
		requireNotFound(t, err)
		_, err = maps.FindActiveByTAC(ctx, "3532821")
		requireNotFound(t, err)
	})
}

func seedCart(ctx context.Context, t *testing.T, provider *pfirestore.Provider, id string, metadata map[string]any) {
	t.Helper()
	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("firestore client: %v", err)
	}
	now := time.Now().UTC()
	if _, err := client.Collection(cartCollection).Doc(id).Set(ctx, cartDocument{
		Currency:  "mnt",
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed cart %s: %v", id, err)
	}
}

func appliedRequest(t *testing.T, id, cartID string) domain.TradeInRequest {
	t.Helper()
	amount := int64(950000)
	code := "TRADEIN-" + strings.ToUpper(id)
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	request, err := domain.NewTradeInRequest(domain.TradeInRequest{
		ID:                 id,
		CartID:             &cartID,
		EstimatedAmount:    &amount,
		CurrencyCode:       "mnt",
		PromotionCode:      &code,
		OldDeviceModel:     "iPhone 13",
		OldDeviceCondition: domain.TradeInConditionGood,
		Status:             domain.TradeInStatusApplied,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return request
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func requireConflict(t *testing.T, err error) {
	t.Helper()
	if !isConflict(err) {
		t.Fatalf("expected conflict error, got %T %v", err, err)
	}
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found error, got %T %v", err, err)
	}
}

// emulatorEndpoint reuses FIRESTORE_EMULATOR_HOST when set and otherwise starts the
// emulator container, skipping when docker is unavailable.
func emulatorEndpoint(t *testing.T) string {
	t.Helper()
	if host := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST")); host != "" {
		waitForEndpoint(t, host, 10*time.Second)
		return host
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	infoCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(infoCtx, "docker", "info").Run(); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v - %s", err, out)
	}
	containerID := strings.TrimSpace(string(out))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(stopCtx, "docker", "stop", containerID).Run()
	})

	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	waitForEndpoint(t, endpoint, 30*time.Second)
	return endpoint
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond); err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
