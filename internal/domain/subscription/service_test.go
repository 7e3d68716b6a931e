package subscription

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/backport/internal/platform/fhir"
)

// -- Mock Repository --

type mockSubRepo struct {
	mu    sync.Mutex
	store map[string]*Subscription
}

func newMockSubRepo() *mockSubRepo {
	return &mockSubRepo{store: make(map[string]*Subscription)}
}

func (m *mockSubRepo) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[sub.ID]; ok {
		return errors.New("duplicate id")
	}
	sub.VersionID = 1
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	m.store[sub.ID] = sub
	return nil
}

func (m *mockSubRepo) Upsert(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.store[sub.ID]; ok {
		sub.VersionID = existing.VersionID + 1
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.VersionID = 1
		sub.CreatedAt = time.Now()
	}
	sub.UpdatedAt = time.Now()
	m.store[sub.ID] = sub
	return nil
}

func (m *mockSubRepo) GetByID(_ context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *mockSubRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockSubRepo) sorted() []*Subscription {
	r := make([]*Subscription, 0, len(m.store))
	for _, s := range m.store {
		r = append(r, s)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

func (m *mockSubRepo) Search(_ context.Context, status string, limit, offset int) ([]*Subscription, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r []*Subscription
	for _, s := range m.sorted() {
		if status == "" || s.Status == status {
			r = append(r, s)
		}
	}
	total := len(r)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return r[offset:end], total, nil
}

func (m *mockSubRepo) ListActive(_ context.Context) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r []*Subscription
	for _, s := range m.sorted() {
		if s.Status == fhir.SubscriptionStatusActive {
			r = append(r, s)
		}
	}
	return r, nil
}

func (m *mockSubRepo) ListByIDs(_ context.Context, ids []string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r []*Subscription
	for _, id := range ids {
		if s, ok := m.store[id]; ok {
			r = append(r, s)
		}
	}
	return r, nil
}

func (m *mockSubRepo) UpdateStatus(_ context.Context, id string, status string, errorText *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.Error = ""
	if errorText != nil {
		s.Error = *errorText
	}
	return nil
}

func (m *mockSubRepo) AddEvents(_ context.Context, id string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store[id]
	if !ok {
		return 0, ErrNotFound
	}
	s.NumEventsSinceStart += n
	return s.NumEventsSinceStart, nil
}

func newTestService() (*Service, *mockSubRepo) {
	repo := newMockSubRepo()
	return NewService(repo), repo
}

func testSubscription(id string) *Subscription {
	return &Subscription{
		ResourceType: "Subscription",
		ID:           id,
		Extension: []fhir.Extension{
			{URL: fhir.BackportTopicCanonicalURL, ValueURI: "http://example.org/topic/enc"},
		},
		Criteria: "Encounter",
		Channel: Channel{
			Type:     "rest-hook",
			Endpoint: "http://hooks.example.org/notify",
			Header:   []string{"Authorization: Bearer abc"},
		},
	}
}

// -- Tests --

func TestCreateSubscription_Defaults(t *testing.T) {
	svc, repo := newTestService()
	sub := testSubscription("")
	sub.Status = fhir.SubscriptionStatusOff
	sub.Error = "stale"
	sub.NumEventsSinceStart = 9

	if err := svc.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("expected generated id")
	}
	if sub.Status != fhir.SubscriptionStatusActive {
		t.Errorf("expected active, got %s", sub.Status)
	}
	if sub.Error != "" {
		t.Errorf("expected error cleared, got %q", sub.Error)
	}
	if sub.NumEventsSinceStart != 0 {
		t.Errorf("expected counter 0, got %d", sub.NumEventsSinceStart)
	}
	if _, ok := repo.store[sub.ID]; !ok {
		t.Error("expected subscription to be stored")
	}
}

func TestCreateSubscription_KeepsClientID(t *testing.T) {
	svc, _ := newTestService()
	sub := testSubscription("client-chosen")
	if err := svc.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID != "client-chosen" {
		t.Errorf("expected client id kept, got %s", sub.ID)
	}
}

func TestCreateSubscription_NilBody(t *testing.T) {
	svc, _ := newTestService()
	err := svc.CreateSubscription(context.Background(), nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateSubscription_WrongResourceType(t *testing.T) {
	svc, _ := newTestService()
	sub := testSubscription("")
	sub.ResourceType = "Patient"
	var verr *ValidationError
	if err := svc.CreateSubscription(context.Background(), sub); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateSubscription_RunsHooks(t *testing.T) {
	svc, _ := newTestService()
	var got []string
	svc.OnCreate(func(_ context.Context, sub *Subscription) {
		got = append(got, sub.ID)
	})
	sub := testSubscription("s1")
	if err := svc.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "s1" {
		t.Errorf("expected hook for s1, got %v", got)
	}
}

func TestCreateSubscription_NoHookOnFailure(t *testing.T) {
	svc, _ := newTestService()
	called := false
	svc.OnCreate(func(context.Context, *Subscription) { called = true })
	_ = svc.CreateSubscription(context.Background(), testSubscription("dup"))
	called = false
	if err := svc.CreateSubscription(context.Background(), testSubscription("dup")); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
	if called {
		t.Error("hook must not run when the store rejects the subscription")
	}
}

func TestUpdateSubscription_Reactivates(t *testing.T) {
	svc, repo := newTestService()
	sub := testSubscription("s1")
	if err := svc.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo.store["s1"].Status = fhir.SubscriptionStatusError
	repo.store["s1"].Error = "delivery failed"
	repo.store["s1"].NumEventsSinceStart = 4

	upd := testSubscription("s1")
	upd.Status = fhir.SubscriptionStatusError
	upd.Channel.Endpoint = "http://hooks.example.org/v2"
	if err := svc.UpdateSubscription(context.Background(), "s1", upd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := repo.store["s1"]
	if stored.Status != fhir.SubscriptionStatusActive {
		t.Errorf("expected active, got %s", stored.Status)
	}
	if stored.NumEventsSinceStart != 0 {
		t.Errorf("expected counter reset, got %d", stored.NumEventsSinceStart)
	}
	if stored.Error != "" {
		t.Errorf("expected error cleared, got %q", stored.Error)
	}
	if stored.Channel.Endpoint != "http://hooks.example.org/v2" {
		t.Errorf("expected new endpoint, got %s", stored.Channel.Endpoint)
	}
	if stored.VersionID != 2 {
		t.Errorf("expected version 2, got %d", stored.VersionID)
	}
}

func TestUpdateSubscription_IDMismatch(t *testing.T) {
	svc, _ := newTestService()
	err := svc.UpdateSubscription(context.Background(), "s1", testSubscription("s2"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Msg, "s2") {
		t.Errorf("expected message to name body id, got %q", verr.Msg)
	}
}

func TestUpdateSubscription_CreatesWhenAbsent(t *testing.T) {
	svc, repo := newTestService()
	if err := svc.UpdateSubscription(context.Background(), "new", testSubscription("new")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := repo.store["new"]; !ok {
		t.Error("expected upsert to create the subscription")
	}
}

func TestDeleteSubscription(t *testing.T) {
	svc, repo := newTestService()
	_ = svc.CreateSubscription(context.Background(), testSubscription("s1"))

	outcome, err := svc.DeleteSubscription(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Issue) != 1 || outcome.Issue[0].Severity != "information" {
		t.Errorf("expected informational outcome, got %+v", outcome)
	}
	if !strings.Contains(outcome.Issue[0].Diagnostics, "Subscription/s1") {
		t.Errorf("unexpected diagnostics %q", outcome.Issue[0].Diagnostics)
	}
	if _, ok := repo.store["s1"]; ok {
		t.Error("expected subscription removed")
	}
}

func TestDeleteSubscription_NotFound(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.DeleteSubscription(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListActive(t *testing.T) {
	svc, repo := newTestService()
	_ = svc.CreateSubscription(context.Background(), testSubscription("a"))
	_ = svc.CreateSubscription(context.Background(), testSubscription("b"))
	repo.store["b"].Status = fhir.SubscriptionStatusError

	active, err := svc.ListActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 || active[0].ID != "a" {
		t.Errorf("expected only a active, got %v", active)
	}
}
