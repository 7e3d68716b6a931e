// Package pollstate persists what the poller has already observed: the last
// successful poll per trigger fingerprint, and the identity of every
// upstream resource seen so far.
package pollstate

import (
	"context"
	"time"
)

// Marker identifies one upstream resource.
type Marker struct {
	ResourceType string
	ID           string
}

// Store is the persistence boundary for poll state. RecordPoll must be atomic
// per key and MarkSeen atomic per call.
type Store interface {
	// GetLastPoll returns the watermark for hash, or found=false if the
	// trigger has never been polled successfully.
	GetLastPoll(ctx context.Context, hash string) (ts time.Time, found bool, err error)
	// RecordPoll upserts the watermark. It never moves an existing
	// watermark backwards.
	RecordPoll(ctx context.Context, hash string, ts time.Time) error
	// Seen reports which markers were recorded before. It writes nothing.
	Seen(ctx context.Context, markers []Marker) (map[Marker]bool, error)
	// MarkSeen records every marker in one transaction. Either all of them
	// are stored or none are.
	MarkSeen(ctx context.Context, markers []Marker) error
}

// dedupe drops repeated markers, keeping first occurrence order.
func dedupe(markers []Marker) []Marker {
	seen := make(map[Marker]bool, len(markers))
	out := make([]Marker, 0, len(markers))
	for _, m := range markers {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
