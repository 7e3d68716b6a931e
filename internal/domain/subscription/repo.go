package subscription

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no subscription has the requested id.
var ErrNotFound = errors.New("subscription not found")

// SubscriptionRepository defines the data access interface for subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *Subscription) error
	// Upsert replaces the stored subscription, creating it if absent.
	Upsert(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id string) (*Subscription, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, status string, limit, offset int) ([]*Subscription, int, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	ListByIDs(ctx context.Context, ids []string) ([]*Subscription, error)
	UpdateStatus(ctx context.Context, id string, status string, errorText *string) error
	// AddEvents atomically adds n to numEventsSinceStart and returns the new total.
	AddEvents(ctx context.Context, id string, n int64) (int64, error)
}
