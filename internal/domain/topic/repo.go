package topic

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no topic matches the lookup.
var ErrNotFound = errors.New("subscription topic not found")

// Repository defines the data access interface for subscription topics.
type Repository interface {
	Upsert(ctx context.Context, t *Topic) error
	GetByID(ctx context.Context, id string) (*Topic, error)
	List(ctx context.Context, limit, offset int) ([]*Topic, int, error)
	ListByURLs(ctx context.Context, urls []string) ([]*Topic, error)
}
