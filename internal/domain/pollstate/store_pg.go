package pollstate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG creates a PostgreSQL-backed poll state store.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) GetLastPoll(ctx context.Context, hash string) (time.Time, bool, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `SELECT polled_at FROM poll_record WHERE hash = $1`, hash).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return ts.UTC(), true, nil
}

func (s *storePG) RecordPoll(ctx context.Context, hash string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO poll_record (id, hash, polled_at) VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO UPDATE SET polled_at = GREATEST(poll_record.polled_at, EXCLUDED.polled_at)`,
		uuid.NewString(), hash, ts.UTC())
	return err
}

func (s *storePG) Seen(ctx context.Context, markers []Marker) (map[Marker]bool, error) {
	seen := make(map[Marker]bool)
	if len(markers) == 0 {
		return seen, nil
	}
	types, ids := columns(dedupe(markers))
	rows, err := s.pool.Query(ctx, `
		SELECT m.resource_type, m.resource_id
		FROM resource_marker m
		JOIN unnest($1::text[], $2::text[]) AS k(resource_type, resource_id)
		  ON m.resource_type = k.resource_type AND m.resource_id = k.resource_id`,
		types, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m Marker
		if err := rows.Scan(&m.ResourceType, &m.ID); err != nil {
			return nil, err
		}
		seen[m] = true
	}
	return seen, rows.Err()
}

// MarkSeen upserts the whole batch in a single statement, so it is atomic
// without an explicit transaction.
func (s *storePG) MarkSeen(ctx context.Context, markers []Marker) error {
	if len(markers) == 0 {
		return nil
	}
	types, ids := columns(dedupe(markers))
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resource_marker (resource_type, resource_id)
		SELECT * FROM unnest($1::text[], $2::text[])
		ON CONFLICT (resource_type, resource_id) DO UPDATE SET last_seen_at = NOW()`,
		types, ids)
	return err
}

func columns(markers []Marker) (types, ids []string) {
	types = make([]string, len(markers))
	ids = make([]string, len(markers))
	for i, m := range markers {
		types[i] = m.ResourceType
		ids[i] = m.ID
	}
	return types, ids
}
