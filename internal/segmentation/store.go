// Package segmentation persists segments, keeps their memberships in sync
// with the segment SQL, and derives the event names that should re-trigger
// evaluation.
package segmentation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/segflow/segflow/internal/storage"
)

// Segment is a named SQL query over the user/event store. The evaluator
// must return a column named id holding user ids.
type Segment struct {
	ID        string    `json:"id"`
	Evaluator string    `json:"evaluator"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Store provides database operations for segments, their derived event
// triggers, and their membership rows.
type Store struct {
	q storage.DBTX
}

// NewStore creates a new segmentation store.
func NewStore(db *sql.DB) *Store { return &Store{q: db} }

// WithTx returns a Store running its statements on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store { return &Store{q: tx} }

// ==========================================
// SEGMENT OPERATIONS
// ==========================================

// Create inserts a new segment.
func (s *Store) Create(ctx context.Context, id, evaluator string) (*Segment, error) {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO segments (id, evaluator) VALUES (?, ?)`,
		id, evaluator,
	)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	return &Segment{ID: id, Evaluator: evaluator}, nil
}

// Update replaces the segment's evaluator SQL.
func (s *Store) Update(ctx context.Context, id, evaluator string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE segments SET evaluator = ?, updated_at = NOW(3) WHERE id = ?`,
		evaluator, id,
	)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	return nil
}

// Get returns the segment, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Segment, error) {
	seg := &Segment{}
	err := s.q.QueryRowContext(ctx,
		`SELECT id, evaluator, created_at, updated_at FROM segments WHERE id = ?`,
		id,
	).Scan(&seg.ID, &seg.Evaluator, &seg.CreatedAt, &seg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return seg, nil
}

// List returns all segments ordered by id.
func (s *Store) List(ctx context.Context) ([]Segment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, evaluator FROM segments ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()
	return scanSegments(rows)
}

// TriggeredBy returns the segments whose trigger set contains event.
func (s *Store) TriggeredBy(ctx context.Context, event string) ([]Segment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT s.id, s.evaluator
		FROM segments s
		JOIN segment_event_triggers t ON t.segment_id = s.id
		WHERE t.event = ?
		ORDER BY s.id`,
		event,
	)
	if err != nil {
		return nil, fmt.Errorf("segments triggered by %s: %w", event, err)
	}
	defer rows.Close()
	return scanSegments(rows)
}

func scanSegments(rows *sql.Rows) ([]Segment, error) {
	var segments []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.Evaluator); err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Delete removes the segment. Trigger and membership rows cascade.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM segments WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete segment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReplaceTriggers rewrites the segment's derived trigger set.
func (s *Store) ReplaceTriggers(ctx context.Context, segmentID string, events []string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM segment_event_triggers WHERE segment_id = ?`,
		segmentID,
	)
	if err != nil {
		return fmt.Errorf("clear triggers: %w", err)
	}
	for _, event := range events {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO segment_event_triggers (segment_id, event) VALUES (?, ?)`,
			segmentID, event,
		)
		if err != nil {
			return fmt.Errorf("insert trigger %s/%s: %w", segmentID, event, err)
		}
	}
	return nil
}

// ==========================================
// MEMBERSHIP OPERATIONS
// ==========================================

// MemberIDs returns the user ids currently in the segment.
func (s *Store) MemberIDs(ctx context.Context, segmentID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT user_id FROM segment_memberships WHERE segment_id = ? ORDER BY user_id`,
		segmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("segment members: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// SegmentIDsForUser returns the ids of every segment the user belongs to.
func (s *Store) SegmentIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT segment_id FROM segment_memberships WHERE user_id = ? ORDER BY segment_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("user segments: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertMembership records that the user matches the segment.
func (s *Store) InsertMembership(ctx context.Context, userID, segmentID string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO segment_memberships (user_id, segment_id) VALUES (?, ?)`,
		userID, segmentID,
	)
	if err != nil {
		return fmt.Errorf("insert membership %s/%s: %w", userID, segmentID, err)
	}
	return nil
}

// DeleteMembership removes the user from the segment.
func (s *Store) DeleteMembership(ctx context.Context, userID, segmentID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM segment_memberships WHERE user_id = ? AND segment_id = ?`,
		userID, segmentID,
	)
	if err != nil {
		return fmt.Errorf("delete membership %s/%s: %w", userID, segmentID, err)
	}
	return nil
}
