package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type subscriptionRepoPG struct{ pool *pgxpool.Pool }

// NewSubscriptionRepoPG creates a new PostgreSQL-backed subscription repository.
func NewSubscriptionRepoPG(pool *pgxpool.Pool) SubscriptionRepository {
	return &subscriptionRepoPG{pool: pool}
}

const subCols = `id, status, reason, criteria, channel_type, channel_endpoint,
	channel_payload, channel_headers, extension, end_time, error_text,
	num_events_since_start, version_id, created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var (
		s                         Subscription
		reason, criteria, errText *string
		endpoint, payload         *string
		headers, extension        []byte
	)
	err := row.Scan(&s.ID, &s.Status, &reason, &criteria,
		&s.Channel.Type, &endpoint, &payload, &headers, &extension,
		&s.End, &errText, &s.NumEventsSinceStart, &s.VersionID,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.ResourceType = "Subscription"
	s.Reason = deref(reason)
	s.Criteria = deref(criteria)
	s.Error = deref(errText)
	s.Channel.Endpoint = deref(endpoint)
	s.Channel.Payload = deref(payload)
	if err := decodeJSONColumns(&s, headers, extension); err != nil {
		return nil, err
	}
	return &s, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encodeJSONColumns(sub *Subscription) (headers, extension []byte, err error) {
	if headers, err = json.Marshal(sub.Channel.Header); err != nil {
		return nil, nil, fmt.Errorf("encode channel headers: %w", err)
	}
	if extension, err = json.Marshal(sub.Extension); err != nil {
		return nil, nil, fmt.Errorf("encode extensions: %w", err)
	}
	return headers, extension, nil
}

func decodeJSONColumns(s *Subscription, headers, extension []byte) error {
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &s.Channel.Header); err != nil {
			return fmt.Errorf("decode channel headers: %w", err)
		}
	}
	if len(extension) > 0 {
		if err := json.Unmarshal(extension, &s.Extension); err != nil {
			return fmt.Errorf("decode extensions: %w", err)
		}
	}
	return nil
}

func (r *subscriptionRepoPG) Create(ctx context.Context, sub *Subscription) error {
	headers, extension, err := encodeJSONColumns(sub)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO subscription (id, status, reason, criteria, topic_url, channel_type,
			channel_endpoint, channel_payload, channel_headers, extension, end_time,
			error_text, num_events_since_start)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING version_id, created_at, updated_at`,
		sub.ID, sub.Status, nullable(sub.Reason), nullable(sub.Criteria), nullable(sub.TopicURL()),
		sub.Channel.Type, nullable(sub.Channel.Endpoint), nullable(sub.Channel.Payload),
		headers, extension, sub.End, nullable(sub.Error), sub.NumEventsSinceStart,
	).Scan(&sub.VersionID, &sub.CreatedAt, &sub.UpdatedAt)
}

func (r *subscriptionRepoPG) Upsert(ctx context.Context, sub *Subscription) error {
	headers, extension, err := encodeJSONColumns(sub)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO subscription (id, status, reason, criteria, topic_url, channel_type,
			channel_endpoint, channel_payload, channel_headers, extension, end_time,
			error_text, num_events_since_start)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, reason = EXCLUDED.reason, criteria = EXCLUDED.criteria,
			topic_url = EXCLUDED.topic_url, channel_type = EXCLUDED.channel_type,
			channel_endpoint = EXCLUDED.channel_endpoint, channel_payload = EXCLUDED.channel_payload,
			channel_headers = EXCLUDED.channel_headers, extension = EXCLUDED.extension,
			end_time = EXCLUDED.end_time, error_text = EXCLUDED.error_text,
			num_events_since_start = EXCLUDED.num_events_since_start,
			version_id = subscription.version_id + 1, updated_at = NOW()
		RETURNING version_id, created_at, updated_at`,
		sub.ID, sub.Status, nullable(sub.Reason), nullable(sub.Criteria), nullable(sub.TopicURL()),
		sub.Channel.Type, nullable(sub.Channel.Endpoint), nullable(sub.Channel.Payload),
		headers, extension, sub.End, nullable(sub.Error), sub.NumEventsSinceStart,
	).Scan(&sub.VersionID, &sub.CreatedAt, &sub.UpdatedAt)
}

func (r *subscriptionRepoPG) GetByID(ctx context.Context, id string) (*Subscription, error) {
	return scanSub(r.pool.QueryRow(ctx, `SELECT `+subCols+` FROM subscription WHERE id = $1`, id))
}

func (r *subscriptionRepoPG) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM subscription WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *subscriptionRepoPG) Search(ctx context.Context, status string, limit, offset int) ([]*Subscription, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscription WHERE ($1::text = '' OR status = $1)`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+subCols+` FROM subscription
		WHERE ($1::text = '' OR status = $1) ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectSubs(rows)
	return items, total, err
}

func (r *subscriptionRepoPG) ListActive(ctx context.Context) ([]*Subscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subCols+` FROM subscription
		WHERE status = 'active' ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return collectSubs(rows)
}

func (r *subscriptionRepoPG) ListByIDs(ctx context.Context, ids []string) ([]*Subscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subCols+` FROM subscription
		WHERE id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, err
	}
	return collectSubs(rows)
}

func (r *subscriptionRepoPG) UpdateStatus(ctx context.Context, id string, status string, errorText *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE subscription SET status = $2, error_text = $3,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1`, id, status, errorText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *subscriptionRepoPG) AddEvents(ctx context.Context, id string, n int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		UPDATE subscription SET num_events_since_start = num_events_since_start + $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING num_events_since_start`, id, n).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return total, err
}

func collectSubs(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
