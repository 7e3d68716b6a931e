package topic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type topicRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed topic repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &topicRepoPG{pool: pool}
}

const topicCols = `resource, version_id, created_at, updated_at`

func scanTopic(row pgx.Row) (*Topic, error) {
	var (
		raw []byte
		t   Topic
	)
	if err := row.Scan(&raw, &t.VersionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode subscription topic: %w", err)
	}
	return &t, nil
}

func (r *topicRepoPG) Upsert(ctx context.Context, t *Topic) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode subscription topic: %w", err)
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO subscription_topic (id, url, title, status, resource)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url, title = EXCLUDED.title, status = EXCLUDED.status,
			resource = EXCLUDED.resource,
			version_id = subscription_topic.version_id + 1, updated_at = NOW()
		RETURNING version_id, created_at, updated_at`,
		t.ID, t.URL, t.Title, t.Status, raw,
	).Scan(&t.VersionID, &t.CreatedAt, &t.UpdatedAt)
}

func (r *topicRepoPG) GetByID(ctx context.Context, id string) (*Topic, error) {
	return scanTopic(r.pool.QueryRow(ctx, `SELECT `+topicCols+` FROM subscription_topic WHERE id = $1`, id))
}

func (r *topicRepoPG) List(ctx context.Context, limit, offset int) ([]*Topic, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subscription_topic`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+topicCols+` FROM subscription_topic
		ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectTopics(rows)
	return items, total, err
}

func (r *topicRepoPG) ListByURLs(ctx context.Context, urls []string) ([]*Topic, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+topicCols+` FROM subscription_topic
		WHERE url = ANY($1) ORDER BY created_at, id`, urls)
	if err != nil {
		return nil, err
	}
	return collectTopics(rows)
}

func collectTopics(rows pgx.Rows) ([]*Topic, error) {
	defer rows.Close()
	var items []*Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}
