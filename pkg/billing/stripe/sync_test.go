package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mykidapp/lifecycle/pkg/billing"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
	"github.com/mykidapp/lifecycle/storage/memory"
)

type fakeAPI struct {
	customers     map[string]*stripe.Customer
	subscriptions map[string]*stripe.Subscription
	byCustomer    map[string][]*stripe.Subscription
	searchResult  string
	searched      int
}

func (f *fakeAPI) GetCustomer(_ context.Context, id string) (*stripe.Customer, error) {
	if c, ok := f.customers[id]; ok {
		return c, nil
	}
	return nil, errors.New("no such customer")
}

func (f *fakeAPI) SearchCustomerByUserID(_ context.Context, _ string) (string, error) {
	f.searched++
	if f.searchResult == "" {
		return "", billing.ErrCustomerNotFound
	}
	return f.searchResult, nil
}

func (f *fakeAPI) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	if s, ok := f.subscriptions[id]; ok {
		return s, nil
	}
	return nil, errors.New("no such subscription")
}

func (f *fakeAPI) ListSubscriptions(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
	return f.byCustomer[customerID], nil
}

func TestSyncUser_FromStoredSubscription(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.UpsertSubscription(ctx, &lifecycle.Subscription{
		UserID: "u1", CustomerID: "cus_1", SubscriptionID: "sub_1",
		Status: lifecycle.StatusTrialing, Plan: lifecycle.PlanBasic, StorageLimitGB: 10,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	rec, err := lifecycle.NewReconciler(lifecycle.Config{Storage: store})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	p := newTestProvider(t, rec, func(c *Config) { c.Subscriptions = store })
	p.api = &fakeAPI{subscriptions: map[string]*stripe.Subscription{
		"sub_1": {
			ID:       "sub_1",
			Status:   stripe.SubscriptionStatusActive,
			Customer: &stripe.Customer{ID: "cus_1"},
			Metadata: map[string]string{"user_id": "u1", "plan_id": "basic"},
		},
	}}

	status, err := p.SyncUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SyncUser failed: %v", err)
	}
	if status != string(lifecycle.StatusActive) {
		t.Errorf("expected active, got %s", status)
	}
	sub, err := store.GetSubscription(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Status != lifecycle.StatusActive || sub.CustomerID != "cus_1" {
		t.Errorf("unexpected stored subscription %+v", sub)
	}
}

func TestSyncUser_SearchFallbackFillsUserID(t *testing.T) {
	handler := &recordingHandler{}
	p := newTestProvider(t, handler, nil)
	fake := &fakeAPI{
		searchResult: "cus_9",
		byCustomer: map[string][]*stripe.Subscription{
			"cus_9": {
				{ID: "sub_old", Status: stripe.SubscriptionStatusCanceled, Created: time.Now().Add(-time.Hour).Unix()},
				{ID: "sub_new", Status: stripe.SubscriptionStatusTrialing, Created: time.Now().Unix()},
			},
		},
	}
	p.api = fake

	status, err := p.SyncUser(context.Background(), "u9")
	if err != nil {
		t.Fatalf("SyncUser failed: %v", err)
	}
	if status != string(lifecycle.StatusTrialing) {
		t.Errorf("expected trialing, got %s", status)
	}
	if fake.searched != 1 {
		t.Errorf("expected one customer search, got %d", fake.searched)
	}
	if handler.calls() != 1 {
		t.Fatalf("expected one handled event, got %d", handler.calls())
	}
	ev := handler.events[0]
	if ev.Object.ID != "sub_new" || ev.Object.Metadata["user_id"] != "u9" {
		t.Errorf("unexpected synced event %+v", ev.Object)
	}
}

func TestSyncUser_NoCustomer(t *testing.T) {
	p := newTestProvider(t, &recordingHandler{}, nil)
	p.api = &fakeAPI{}

	if _, err := p.SyncUser(context.Background(), "ghost"); !errors.Is(err, billing.ErrCustomerNotFound) {
		t.Fatalf("expected ErrCustomerNotFound, got %v", err)
	}
}

func TestSyncUser_WithoutAPIKey(t *testing.T) {
	p := newTestProvider(t, &recordingHandler{}, func(c *Config) { c.APIKey = "" })

	if _, err := p.SyncUser(context.Background(), "u1"); !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestCustomerResolver(t *testing.T) {
	r := &CustomerResolver{
		api: &fakeAPI{customers: map[string]*stripe.Customer{
			"cus_1": {ID: "cus_1", Metadata: map[string]string{"user_id": "u1"}},
			"cus_2": {ID: "cus_2"},
		}},
		metrics: &billing.NoopMetrics{},
	}
	ctx := context.Background()

	if id, err := r.ResolveUserID(ctx, "cus_1"); err != nil || id != "u1" {
		t.Errorf("expected u1, got %q (%v)", id, err)
	}
	if id, err := r.ResolveUserID(ctx, "cus_2"); err != nil || id != "" {
		t.Errorf("expected empty id, got %q (%v)", id, err)
	}
	if _, err := r.ResolveUserID(ctx, "cus_missing"); err == nil {
		t.Error("expected error for unknown customer")
	}
	if NewCustomerResolver("", nil) != nil {
		t.Error("expected nil resolver without api key")
	}
}
