package topic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type topicRepoSQLite struct{ db *sql.DB }

// NewRepoSQLite creates a topic repository on the local SQLite store.
func NewRepoSQLite(db *sql.DB) Repository {
	return &topicRepoSQLite{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTopicSQLite(row rowScanner) (*Topic, error) {
	var (
		raw              string
		created, updated int64
		t                Topic
	)
	if err := row.Scan(&raw, &t.VersionID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode subscription topic: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

func (r *topicRepoSQLite) Upsert(ctx context.Context, t *Topic) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode subscription topic: %w", err)
	}
	now := time.Now().UTC().UnixMilli()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO subscription_topic (id, url, title, status, resource, version_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			url = excluded.url, title = excluded.title, status = excluded.status,
			resource = excluded.resource,
			version_id = subscription_topic.version_id + 1, updated_at = excluded.updated_at
		RETURNING version_id, created_at, updated_at`,
		t.ID, t.URL, t.Title, t.Status, string(raw), now, now)
	var created, updated int64
	if err := row.Scan(&t.VersionID, &created, &updated); err != nil {
		return err
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return nil
}

func (r *topicRepoSQLite) GetByID(ctx context.Context, id string) (*Topic, error) {
	return scanTopicSQLite(r.db.QueryRowContext(ctx, `SELECT `+topicCols+` FROM subscription_topic WHERE id = ?`, id))
}

func (r *topicRepoSQLite) List(ctx context.Context, limit, offset int) ([]*Topic, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription_topic`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+topicCols+` FROM subscription_topic
		ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectTopicsSQLite(rows)
	return items, total, err
}

func (r *topicRepoSQLite) ListByURLs(ctx context.Context, urls []string) ([]*Topic, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(urls)), ",")
	args := make([]interface{}, len(urls))
	for i, u := range urls {
		args[i] = u
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+topicCols+` FROM subscription_topic
		WHERE url IN (`+placeholders+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return collectTopicsSQLite(rows)
}

func collectTopicsSQLite(rows *sql.Rows) ([]*Topic, error) {
	defer rows.Close()
	var items []*Topic
	for rows.Next() {
		t, err := scanTopicSQLite(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}
