package subscription

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type subscriptionRepoSQLite struct{ db *sql.DB }

// NewSubscriptionRepoSQLite creates a subscription repository on the local SQLite store.
func NewSubscriptionRepoSQLite(db *sql.DB) SubscriptionRepository {
	return &subscriptionRepoSQLite{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubSQLite(row rowScanner) (*Subscription, error) {
	var (
		s                                     Subscription
		reason, criteria, errText             sql.NullString
		endpoint, payload, headers, extension sql.NullString
		endTime                               sql.NullInt64
		created, updated                      int64
	)
	err := row.Scan(&s.ID, &s.Status, &reason, &criteria,
		&s.Channel.Type, &endpoint, &payload, &headers, &extension,
		&endTime, &errText, &s.NumEventsSinceStart, &s.VersionID,
		&created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.ResourceType = "Subscription"
	s.Reason = reason.String
	s.Criteria = criteria.String
	s.Error = errText.String
	s.Channel.Endpoint = endpoint.String
	s.Channel.Payload = payload.String
	if endTime.Valid {
		end := time.UnixMilli(endTime.Int64).UTC()
		s.End = &end
	}
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	if err := decodeJSONColumns(&s, []byte(headers.String), []byte(extension.String)); err != nil {
		return nil, err
	}
	return &s, nil
}

func millisOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func (r *subscriptionRepoSQLite) Create(ctx context.Context, sub *Subscription) error {
	return r.write(ctx, sub, `
		INSERT INTO subscription (id, status, reason, criteria, topic_url, channel_type,
			channel_endpoint, channel_payload, channel_headers, extension, end_time,
			error_text, num_events_since_start, version_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,1,?,?)
		RETURNING version_id, created_at, updated_at`)
}

func (r *subscriptionRepoSQLite) Upsert(ctx context.Context, sub *Subscription) error {
	return r.write(ctx, sub, `
		INSERT INTO subscription (id, status, reason, criteria, topic_url, channel_type,
			channel_endpoint, channel_payload, channel_headers, extension, end_time,
			error_text, num_events_since_start, version_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,1,?,?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, reason = excluded.reason, criteria = excluded.criteria,
			topic_url = excluded.topic_url, channel_type = excluded.channel_type,
			channel_endpoint = excluded.channel_endpoint, channel_payload = excluded.channel_payload,
			channel_headers = excluded.channel_headers, extension = excluded.extension,
			end_time = excluded.end_time, error_text = excluded.error_text,
			num_events_since_start = excluded.num_events_since_start,
			version_id = subscription.version_id + 1, updated_at = excluded.updated_at
		RETURNING version_id, created_at, updated_at`)
}

func (r *subscriptionRepoSQLite) write(ctx context.Context, sub *Subscription, query string) error {
	headers, extension, err := encodeJSONColumns(sub)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	var created, updated int64
	err = r.db.QueryRowContext(ctx, query,
		sub.ID, sub.Status, nullable(sub.Reason), nullable(sub.Criteria), nullable(sub.TopicURL()),
		sub.Channel.Type, nullable(sub.Channel.Endpoint), nullable(sub.Channel.Payload),
		string(headers), string(extension), millisOrNil(sub.End), nullable(sub.Error),
		sub.NumEventsSinceStart, now, now,
	).Scan(&sub.VersionID, &created, &updated)
	if err != nil {
		return err
	}
	sub.CreatedAt = time.UnixMilli(created).UTC()
	sub.UpdatedAt = time.UnixMilli(updated).UTC()
	return nil
}

func (r *subscriptionRepoSQLite) GetByID(ctx context.Context, id string) (*Subscription, error) {
	return scanSubSQLite(r.db.QueryRowContext(ctx, `SELECT `+subCols+` FROM subscription WHERE id = ?`, id))
}

func (r *subscriptionRepoSQLite) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscription WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *subscriptionRepoSQLite) Search(ctx context.Context, status string, limit, offset int) ([]*Subscription, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscription WHERE (? = '' OR status = ?)`, status, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+subCols+` FROM subscription
		WHERE (? = '' OR status = ?) ORDER BY created_at, id LIMIT ? OFFSET ?`,
		status, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectSubsSQLite(rows)
	return items, total, err
}

func (r *subscriptionRepoSQLite) ListActive(ctx context.Context) ([]*Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subCols+` FROM subscription
		WHERE status = 'active' ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return collectSubsSQLite(rows)
}

func (r *subscriptionRepoSQLite) ListByIDs(ctx context.Context, ids []string) ([]*Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+subCols+` FROM subscription
		WHERE id IN (`+placeholders+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return collectSubsSQLite(rows)
}

func (r *subscriptionRepoSQLite) UpdateStatus(ctx context.Context, id string, status string, errorText *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscription SET status = ?, error_text = ?,
			version_id = version_id + 1, updated_at = ?
		WHERE id = ?`, status, errorText, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *subscriptionRepoSQLite) AddEvents(ctx context.Context, id string, n int64) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE subscription SET num_events_since_start = num_events_since_start + ?,
			updated_at = ?
		WHERE id = ?
		RETURNING num_events_since_start`, n, time.Now().UTC().UnixMilli(), id).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return total, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectSubsSQLite(rows *sql.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSubSQLite(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
