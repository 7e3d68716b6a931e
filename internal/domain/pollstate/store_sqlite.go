package pollstate

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

type storeSQLite struct{ db *sql.DB }

// NewStoreSQLite creates a poll state store on the local SQLite database.
func NewStoreSQLite(db *sql.DB) Store {
	return &storeSQLite{db: db}
}

func (s *storeSQLite) GetLastPoll(ctx context.Context, hash string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT polled_at FROM poll_record WHERE hash = ?`, hash).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *storeSQLite) RecordPoll(ctx context.Context, hash string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_record (id, hash, polled_at) VALUES (?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET polled_at = MAX(poll_record.polled_at, excluded.polled_at)`,
		uuid.NewString(), hash, ts.UTC().UnixMilli())
	return err
}

func (s *storeSQLite) Seen(ctx context.Context, markers []Marker) (map[Marker]bool, error) {
	seen := make(map[Marker]bool)
	for _, m := range dedupe(markers) {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM resource_marker WHERE resource_type = ? AND resource_id = ?`,
			m.ResourceType, m.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		seen[m] = true
	}
	return seen, nil
}

func (s *storeSQLite) MarkSeen(ctx context.Context, markers []Marker) error {
	if len(markers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO resource_marker (resource_type, resource_id, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (resource_type, resource_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixMilli()
	for _, m := range dedupe(markers) {
		if _, err := stmt.ExecContext(ctx, m.ResourceType, m.ID, now, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
