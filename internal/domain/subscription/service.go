package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/backport/internal/platform/fhir"
)

// ValidationError reports a Subscription write the service refuses.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// CreateHook runs after a subscription has been stored by CreateSubscription.
type CreateHook func(ctx context.Context, sub *Subscription)

// Service provides business logic for subscription management.
type Service struct {
	repo SubscriptionRepository

	mu    sync.RWMutex
	hooks []CreateHook
}

// NewService creates a new subscription service.
func NewService(repo SubscriptionRepository) *Service {
	return &Service{repo: repo}
}

// OnCreate registers a hook fired after every successful create.
func (s *Service) OnCreate(h CreateHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// CreateSubscription stores sub as a new active subscription. A missing id is
// generated. Any client supplied status, error or counter is overwritten.
func (s *Service) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return &ValidationError{Msg: "request body is required"}
	}
	if err := checkResourceType(sub); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	stampActive(sub)
	if err := s.repo.Create(ctx, sub); err != nil {
		return fmt.Errorf("store Subscription/%s: %w", sub.ID, err)
	}

	s.mu.RLock()
	hooks := append([]CreateHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, sub)
	}
	return nil
}

// UpdateSubscription replaces the subscription stored under id. The body id
// must match the path id. The subscription is re-activated and its event
// counter restarts from zero.
func (s *Service) UpdateSubscription(ctx context.Context, id string, sub *Subscription) error {
	if sub == nil {
		return &ValidationError{Msg: "request body is required"}
	}
	if err := checkResourceType(sub); err != nil {
		return err
	}
	if sub.ID != id {
		return &ValidationError{Msg: fmt.Sprintf("Subscription id %q does not match path id %q", sub.ID, id)}
	}
	stampActive(sub)
	if err := s.repo.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("store Subscription/%s: %w", sub.ID, err)
	}
	return nil
}

func checkResourceType(sub *Subscription) error {
	if sub.ResourceType != "" && sub.ResourceType != "Subscription" {
		return &ValidationError{Msg: fmt.Sprintf("unexpected resourceType %q", sub.ResourceType)}
	}
	return nil
}

func stampActive(sub *Subscription) {
	sub.ResourceType = "Subscription"
	sub.Status = fhir.SubscriptionStatusActive
	sub.Error = ""
	sub.NumEventsSinceStart = 0
}

// DeleteSubscription removes the subscription and returns the outcome sent
// back to the client.
func (s *Service) DeleteSubscription(ctx context.Context, id string) (*fhir.OperationOutcome, error) {
	if err := s.repo.Delete(ctx, id); err != nil {
		return nil, err
	}
	return fhir.InformationOutcome(fmt.Sprintf("Successfully deleted Subscription/%s", id)), nil
}

func (s *Service) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) SearchSubscriptions(ctx context.Context, status string, limit, offset int) ([]*Subscription, int, error) {
	return s.repo.Search(ctx, status, limit, offset)
}

// ListActive returns every active subscription.
func (s *Service) ListActive(ctx context.Context) ([]*Subscription, error) {
	return s.repo.ListActive(ctx)
}

func (s *Service) ListByIDs(ctx context.Context, ids []string) ([]*Subscription, error) {
	return s.repo.ListByIDs(ctx, ids)
}
