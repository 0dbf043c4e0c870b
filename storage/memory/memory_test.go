package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mykidapp/lifecycle/pkg/billing"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

func seedSubscription(t *testing.T, s *Storage, userID string) {
	t.Helper()
	err := s.UpsertSubscription(context.Background(), &lifecycle.Subscription{
		UserID:         userID,
		CustomerID:     "cus_" + userID,
		SubscriptionID: "sub_" + userID,
		Status:         lifecycle.StatusActive,
		Plan:           lifecycle.PlanBasic,
		StorageLimitGB: 10,
	})
	if err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}
}

func TestStorage_GetUpsertSubscription(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetSubscription(ctx, "user1")
	if !errors.Is(err, lifecycle.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	seedSubscription(t, storage, "user1")

	sub, err := storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Status != lifecycle.StatusActive {
		t.Errorf("Status mismatch: got %s, want %s", sub.Status, lifecycle.StatusActive)
	}
	if sub.StorageLimitGB != 10 {
		t.Errorf("StorageLimitGB mismatch: got %d, want 10", sub.StorageLimitGB)
	}

	// Mutating the returned copy must not leak into storage
	sub.Status = lifecycle.StatusCanceled
	again, _ := storage.GetSubscription(ctx, "user1")
	if again.Status != lifecycle.StatusActive {
		t.Errorf("Stored row was mutated through returned copy")
	}

	if err := storage.UpsertSubscription(ctx, &lifecycle.Subscription{}); err == nil {
		t.Error("Expected error for subscription without user id")
	}
}

func TestStorage_UpsertPreservesResource(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedSubscription(t, storage, "user1")

	if won, _ := storage.ClaimProvisioning(ctx, "user1", time.Minute); !won {
		t.Fatal("Expected to win the provisioning claim")
	}
	if ok, _ := storage.CompleteProvisioning(ctx, "user1", "immich-1"); !ok {
		t.Fatal("Expected CompleteProvisioning to record the resource")
	}

	err := storage.UpsertSubscription(ctx, &lifecycle.Subscription{
		UserID:         "user1",
		Status:         lifecycle.StatusPastDue,
		Plan:           lifecycle.PlanPremium,
		ResourceUserID: "should-be-ignored",
	})
	if err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	sub, _ := storage.GetSubscription(ctx, "user1")
	if sub.ResourceUserID != "immich-1" {
		t.Errorf("ResourceUserID mismatch: got %q, want immich-1", sub.ResourceUserID)
	}
	if sub.Status != lifecycle.StatusPastDue {
		t.Errorf("Status mismatch: got %s, want past_due", sub.Status)
	}
}

func TestStorage_ClaimProvisioning(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	storage.SetClock(func() time.Time { return now })

	if won, _ := storage.ClaimProvisioning(ctx, "missing", time.Minute); won {
		t.Error("Claim on missing row must fail")
	}

	seedSubscription(t, storage, "user1")
	if won, _ := storage.ClaimProvisioning(ctx, "user1", time.Minute); !won {
		t.Fatal("First claim should win")
	}
	if won, _ := storage.ClaimProvisioning(ctx, "user1", time.Minute); won {
		t.Error("Second claim within the lease should lose")
	}

	// Lease expiry lets a new claimant in
	now = now.Add(2 * time.Minute)
	if won, _ := storage.ClaimProvisioning(ctx, "user1", time.Minute); !won {
		t.Error("Claim after lease expiry should win")
	}

	if err := storage.ReleaseProvisioning(ctx, "user1"); err != nil {
		t.Fatalf("ReleaseProvisioning failed: %v", err)
	}
	if won, _ := storage.ClaimProvisioning(ctx, "user1", time.Minute); !won {
		t.Error("Claim after release should win")
	}

	if ok, _ := storage.CompleteProvisioning(ctx, "user1", "immich-1"); !ok {
		t.Fatal("CompleteProvisioning should succeed")
	}
	if ok, _ := storage.CompleteProvisioning(ctx, "user1", "immich-2"); ok {
		t.Error("CompleteProvisioning must not overwrite an existing resource")
	}
	if won, _ := storage.ClaimProvisioning(ctx, "user1", time.Minute); won {
		t.Error("Claim must fail once a resource is recorded")
	}
}

func TestStorage_ConcurrentClaims(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedSubscription(t, storage, "user1")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if won, _ := storage.ClaimProvisioning(ctx, "user1", time.Minute); won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one winning claim, got %d", wins)
	}
}

func TestStorage_ExpireAndClearResource(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if err := storage.ExpireSubscription(ctx, "missing"); err != nil {
		t.Errorf("Expiring a missing row should not fail: %v", err)
	}

	seedSubscription(t, storage, "user1")
	storage.ClaimProvisioning(ctx, "user1", time.Minute)
	storage.CompleteProvisioning(ctx, "user1", "immich-1")

	if err := storage.ExpireSubscription(ctx, "user1"); err != nil {
		t.Fatalf("ExpireSubscription failed: %v", err)
	}

	// A stale id must not clear a newer resource
	storage.ClearResource(ctx, "user1", "immich-0")
	sub, _ := storage.GetSubscription(ctx, "user1")
	if sub.Status != lifecycle.StatusExpired {
		t.Errorf("Status mismatch: got %s, want expired", sub.Status)
	}
	if sub.ResourceUserID != "immich-1" {
		t.Errorf("ResourceUserID cleared by stale id")
	}

	storage.ClearResource(ctx, "user1", "immich-1")
	sub, _ = storage.GetSubscription(ctx, "user1")
	if sub.ResourceUserID != "" {
		t.Errorf("ResourceUserID not cleared: %q", sub.ResourceUserID)
	}
}

func TestStorage_ResolveUserID(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedSubscription(t, storage, "user1")

	userID, err := storage.ResolveUserID(ctx, "cus_user1")
	if err != nil || userID != "user1" {
		t.Errorf("ResolveUserID = %q, %v; want user1", userID, err)
	}

	userID, err = storage.ResolveUserID(ctx, "cus_unknown")
	if err != nil || userID != "" {
		t.Errorf("ResolveUserID for unknown customer = %q, %v; want empty", userID, err)
	}
}

func TestStorage_GatewayTokens(t *testing.T) {
	storage := New()
	ctx := context.Background()

	inserted, err := storage.InsertGatewayToken(ctx, "user1", lifecycle.DefaultTokenName, "hash-1")
	if err != nil || !inserted {
		t.Fatalf("InsertGatewayToken = %v, %v; want true", inserted, err)
	}
	inserted, _ = storage.InsertGatewayToken(ctx, "user1", lifecycle.DefaultTokenName, "hash-2")
	if inserted {
		t.Error("Second insert with the same name must be skipped")
	}
	if hash, _ := storage.GatewayTokenHash("user1", lifecycle.DefaultTokenName); hash != "hash-1" {
		t.Errorf("Hash mismatch: got %q, want hash-1", hash)
	}

	storage.ReplaceGatewayToken(ctx, "user1", lifecycle.DefaultTokenName, "hash-3")
	if hash, _ := storage.GatewayTokenHash("user1", lifecycle.DefaultTokenName); hash != "hash-3" {
		t.Errorf("Hash mismatch after replace: got %q, want hash-3", hash)
	}
	if n := storage.GatewayTokenCount("user1"); n != 1 {
		t.Errorf("Token count = %d, want 1", n)
	}

	storage.SetPlainGatewayToken(ctx, "user1", "plain")
	if plain, _ := storage.GetPlainGatewayToken(ctx, "user1"); plain != "plain" {
		t.Errorf("Plain token mismatch: got %q", plain)
	}
}

func TestStorage_Households(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.FindHouseholdForUser(ctx, "user1"); !errors.Is(err, lifecycle.ErrHouseholdNotFound) {
		t.Errorf("Expected ErrHouseholdNotFound, got %v", err)
	}

	id, err := storage.CreateHousehold(ctx, "user1", "Family")
	if err != nil {
		t.Fatalf("CreateHousehold failed: %v", err)
	}
	found, err := storage.FindHouseholdForUser(ctx, "user1")
	if err != nil || found != id {
		t.Errorf("FindHouseholdForUser = %q, %v; want %q", found, err, id)
	}

	// Membership without ownership still counts
	storage.AddMember(id, "user2", "member")
	if found, _ := storage.FindHouseholdForUser(ctx, "user2"); found != id {
		t.Errorf("Member lookup mismatch: got %q, want %q", found, id)
	}

	if err := storage.BindMediaServer(ctx, "nope", "https://x", "k"); !errors.Is(err, lifecycle.ErrHouseholdNotFound) {
		t.Errorf("Expected ErrHouseholdNotFound for unknown household, got %v", err)
	}
	if err := storage.BindMediaServer(ctx, id, "https://photos", "key"); err != nil {
		t.Fatalf("BindMediaServer failed: %v", err)
	}
	cfg, ok := storage.MediaServer(id)
	if !ok || cfg.APIKey != "key" || cfg.ServerURL != "https://photos" {
		t.Errorf("MediaServer = %+v, %v", cfg, ok)
	}
}

func TestStorage_DeleteContent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	owned := storage.AddHousehold("user1")
	other := storage.AddHousehold("user2")
	storage.AddMember(other, "user1", "member")
	kid := storage.AddChild("user2", owned)
	storage.AddChild("user2", other)
	storage.AddJournalEntry("user2", kid)
	storage.AddJournalEntry("user1", "")
	storage.AddInvite(owned)
	storage.AddSettings(owned)

	ids, _ := storage.OwnedHouseholds(ctx, "user1")
	if len(ids) != 1 || ids[0] != owned {
		t.Fatalf("OwnedHouseholds = %v, want [%s]", ids, owned)
	}
	children, _ := storage.ChildrenOfHouseholds(ctx, ids)
	if len(children) != 1 || children[0] != kid {
		t.Fatalf("ChildrenOfHouseholds = %v, want [%s]", children, kid)
	}

	if n, _ := storage.DeleteJournalEntriesByChildren(ctx, children); n != 1 {
		t.Errorf("DeleteJournalEntriesByChildren = %d, want 1", n)
	}
	if n, _ := storage.DeleteJournalEntriesByUser(ctx, "user1"); n != 1 {
		t.Errorf("DeleteJournalEntriesByUser = %d, want 1", n)
	}
	if n, _ := storage.DeleteChildrenByHouseholds(ctx, ids); n != 1 {
		t.Errorf("DeleteChildrenByHouseholds = %d, want 1", n)
	}
	for table, want := range map[lifecycle.HouseholdTable]int64{
		lifecycle.TableHouseholdInvites:  1,
		lifecycle.TableHouseholdSettings: 1,
		lifecycle.TableHouseholdMembers:  1,
		lifecycle.TableHouseholds:        1,
	} {
		n, err := storage.DeleteHouseholdRows(ctx, table, ids)
		if err != nil || n != want {
			t.Errorf("DeleteHouseholdRows(%s) = %d, %v; want %d", table, n, err, want)
		}
	}

	// The household owned by someone else survives with its membership
	if storage.Count("households") != 1 || storage.Count("children") != 1 {
		t.Errorf("Unrelated rows removed: households=%d children=%d",
			storage.Count("households"), storage.Count("children"))
	}
	if storage.Count("household_members") != 2 {
		t.Errorf("household_members = %d, want 2", storage.Count("household_members"))
	}

	if _, err := storage.DeleteHouseholdRows(ctx, "bogus", ids); err == nil {
		t.Error("Expected error for unknown table")
	}
}

func TestDeduper(t *testing.T) {
	d := NewDeduper(time.Hour)
	ctx := context.Background()

	if err := d.Begin(ctx, "evt_1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := d.Begin(ctx, "evt_1"); !errors.Is(err, billing.ErrEventInFlight) {
		t.Errorf("Expected ErrEventInFlight, got %v", err)
	}

	d.Abort(ctx, "evt_1")
	if err := d.Begin(ctx, "evt_1"); err != nil {
		t.Errorf("Begin after abort should succeed: %v", err)
	}

	d.Complete(ctx, "evt_1")
	if err := d.Begin(ctx, "evt_1"); !errors.Is(err, billing.ErrEventProcessed) {
		t.Errorf("Expected ErrEventProcessed, got %v", err)
	}

	// Abort never forgets a completed event
	d.Abort(ctx, "evt_1")
	if err := d.Begin(ctx, "evt_1"); !errors.Is(err, billing.ErrEventProcessed) {
		t.Errorf("Expected ErrEventProcessed after abort, got %v", err)
	}
}

func TestDeduper_ExpiredEntriesAreEvicted(t *testing.T) {
	d := NewDeduper(20 * time.Millisecond)
	ctx := context.Background()

	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		if err := d.Begin(ctx, id); err != nil {
			t.Fatalf("Begin(%s) failed: %v", id, err)
		}
		d.Complete(ctx, id)
	}
	if d.Len() != 3 {
		t.Fatalf("Len = %d, want 3", d.Len())
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.Len() != 0 {
		t.Errorf("Len = %d after ttl, want 0", d.Len())
	}

	if err := d.Begin(ctx, "evt_1"); err != nil {
		t.Errorf("Begin after expiry should succeed: %v", err)
	}
}

func TestDeduper_Capacity(t *testing.T) {
	d := NewDeduperWithCapacity(time.Hour, 2)
	ctx := context.Background()

	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		if err := d.Begin(ctx, id); err != nil {
			t.Fatalf("Begin(%s) failed: %v", id, err)
		}
		d.Complete(ctx, id)
	}

	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2", d.Len())
	}
	if err := d.Begin(ctx, "evt_1"); err != nil {
		t.Errorf("oldest event should have been evicted: %v", err)
	}
	if err := d.Begin(ctx, "evt_3"); !errors.Is(err, billing.ErrEventProcessed) {
		t.Errorf("Expected ErrEventProcessed, got %v", err)
	}
}
