package topic

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidationError reports a topic the service refuses to store.
type ValidationError struct {
	Index int
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("SubscriptionTopic[%d]: %s", e.Index, e.Msg)
}

// Service provides business logic for subscription topics.
type Service struct {
	repo Repository
}

// NewService creates a new topic service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Ingest validates and upserts each topic by id, generating ids where absent.
// Validation runs over the whole batch before anything is stored.
func (s *Service) Ingest(ctx context.Context, topics []*Topic) error {
	for i, t := range topics {
		if err := validate(i, t); err != nil {
			return err
		}
	}
	for _, t := range topics {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.ResourceType = "SubscriptionTopic"
		if err := s.repo.Upsert(ctx, t); err != nil {
			return fmt.Errorf("store SubscriptionTopic/%s: %w", t.ID, err)
		}
	}
	return nil
}

func validate(i int, t *Topic) error {
	if t == nil {
		return &ValidationError{Index: i, Msg: "entry is null"}
	}
	if t.ResourceType != "" && t.ResourceType != "SubscriptionTopic" {
		return &ValidationError{Index: i, Msg: fmt.Sprintf("unexpected resourceType %q", t.ResourceType)}
	}
	if strings.TrimSpace(t.URL) == "" {
		return &ValidationError{Index: i, Msg: "url is required"}
	}
	for j, trig := range t.ResourceTrigger {
		if strings.TrimSpace(trig.ResourceType) == "" {
			return &ValidationError{Index: i, Msg: fmt.Sprintf("resourceTrigger[%d].resourceType is required", j)}
		}
		for _, m := range trig.MethodCriteria {
			switch strings.ToLower(m) {
			case MethodCreate, MethodUpdate, MethodDelete:
			default:
				return &ValidationError{Index: i, Msg: fmt.Sprintf("resourceTrigger[%d].methodCriteria has unknown value %q", j, m)}
			}
		}
	}
	return nil
}

func (s *Service) GetTopic(ctx context.Context, id string) (*Topic, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListTopics(ctx context.Context, limit, offset int) ([]*Topic, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// ListByURLs resolves topic canonicals. Unknown urls are skipped.
func (s *Service) ListByURLs(ctx context.Context, urls []string) ([]*Topic, error) {
	return s.repo.ListByURLs(ctx, urls)
}
