// Package campaign persists campaigns and resolves which users belong to
// them based on segment memberships.
package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/segflow/segflow/internal/storage"
)

// Behavior decides whether a campaign holds onto enrolled users.
type Behavior string

const (
	// BehaviorStatic campaigns never remove a user once enrolled.
	BehaviorStatic Behavior = "static"
	// BehaviorDynamic campaigns eject users that stop matching.
	BehaviorDynamic Behavior = "dynamic"
)

// Valid reports whether b is a known behavior.
func (b Behavior) Valid() bool {
	return b == BehaviorStatic || b == BehaviorDynamic
}

// Campaign is a flow plus the segment sets that decide who runs it.
type Campaign struct {
	ID              string    `json:"id"`
	Flow            string    `json:"flow"`
	Behavior        Behavior  `json:"behavior"`
	Segments        []string  `json:"segments"`
	ExcludeSegments []string  `json:"excludeSegments,omitempty"`
	CreatedAt       time.Time `json:"-"`
	UpdatedAt       time.Time `json:"-"`
}

// Store provides database operations for campaigns and their memberships.
type Store struct {
	q storage.DBTX
}

// NewStore creates a new campaign store.
func NewStore(db *sql.DB) *Store { return &Store{q: db} }

// WithTx returns a Store running its statements on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store { return &Store{q: tx} }

// ==========================================
// CAMPAIGN OPERATIONS
// ==========================================

// Create inserts the campaign and its segment references.
func (s *Store) Create(ctx context.Context, c *Campaign) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO campaigns (id, flow, behavior) VALUES (?, ?, ?)`,
		c.ID, c.Flow, string(c.Behavior),
	)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	for _, segID := range c.Segments {
		if err := s.insertSegmentRef(ctx, c.ID, segID, false); err != nil {
			return err
		}
	}
	for _, segID := range c.ExcludeSegments {
		if err := s.insertSegmentRef(ctx, c.ID, segID, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertSegmentRef(ctx context.Context, campaignID, segmentID string, excluded bool) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO campaign_segments (campaign_id, segment_id, excluded) VALUES (?, ?, ?)`,
		campaignID, segmentID, excluded,
	)
	if err != nil {
		return fmt.Errorf("reference segment %s from campaign %s: %w", segmentID, campaignID, err)
	}
	return nil
}

// Get returns the campaign with its segment sets, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Campaign, error) {
	c := &Campaign{}
	err := s.q.QueryRowContext(ctx,
		`SELECT id, flow, behavior, created_at, updated_at FROM campaigns WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Flow, &c.Behavior, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if err := s.loadSegmentRefs(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) loadSegmentRefs(ctx context.Context, c *Campaign) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT segment_id, excluded FROM campaign_segments WHERE campaign_id = ? ORDER BY segment_id`,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("load campaign %s segments: %w", c.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var segID string
		var excluded bool
		if err := rows.Scan(&segID, &excluded); err != nil {
			return err
		}
		if excluded {
			c.ExcludeSegments = append(c.ExcludeSegments, segID)
		} else {
			c.Segments = append(c.Segments, segID)
		}
	}
	return rows.Err()
}

// List returns all campaigns with their segment sets, ordered by id.
func (s *Store) List(ctx context.Context) ([]Campaign, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, flow, behavior FROM campaigns ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.Flow, &c.Behavior); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range campaigns {
		if err := s.loadSegmentRefs(ctx, &campaigns[i]); err != nil {
			return nil, err
		}
	}
	return campaigns, nil
}

// Delete removes the campaign. Segment references, memberships, executions,
// and history cascade.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReferencesSegment reports whether any campaign includes or excludes the
// segment.
func (s *Store) ReferencesSegment(ctx context.Context, segmentID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM campaign_segments WHERE segment_id = ?)`,
		segmentID,
	).Scan(&exists)
	return exists, err
}

// CampaignIDsReferencingSegment returns the campaigns whose include or
// exclude set contains the segment.
func (s *Store) CampaignIDsReferencingSegment(ctx context.Context, segmentID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT DISTINCT campaign_id FROM campaign_segments WHERE segment_id = ? ORDER BY campaign_id`,
		segmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("campaigns referencing segment %s: %w", segmentID, err)
	}
	defer rows.Close()

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

// ==========================================
// MEMBERSHIP OPERATIONS
// ==========================================

// IsMember reports whether the user is enrolled in the campaign.
func (s *Store) IsMember(ctx context.Context, userID, campaignID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM campaign_memberships WHERE user_id = ? AND campaign_id = ?)`,
		userID, campaignID,
	).Scan(&exists)
	return exists, err
}

// InsertMembership enrolls the user in the campaign.
func (s *Store) InsertMembership(ctx context.Context, userID, campaignID string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO campaign_memberships (user_id, campaign_id) VALUES (?, ?)`,
		userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("insert campaign membership %s/%s: %w", userID, campaignID, err)
	}
	return nil
}

// DeleteMembership removes the user's enrollment.
func (s *Store) DeleteMembership(ctx context.Context, userID, campaignID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM campaign_memberships WHERE user_id = ? AND campaign_id = ?`,
		userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("delete campaign membership %s/%s: %w", userID, campaignID, err)
	}
	return nil
}

// DeleteAllMemberships removes every enrollment of the campaign.
func (s *Store) DeleteAllMemberships(ctx context.Context, campaignID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM campaign_memberships WHERE campaign_id = ?`,
		campaignID,
	)
	if err != nil {
		return fmt.Errorf("delete campaign %s memberships: %w", campaignID, err)
	}
	return nil
}

// InitialMemberIDs computes, with one query, the users belonging to every
// include segment and to none of the exclude segments. Used when a campaign
// is first created.
func (s *Store) InitialMemberIDs(ctx context.Context, includes, excludes []string) ([]string, error) {
	if len(includes) == 0 {
		return nil, nil
	}

	var b strings.Builder
	args := make([]interface{}, 0, len(includes)+len(excludes)+1)

	b.WriteString(`SELECT user_id FROM segment_memberships WHERE segment_id IN (`)
	b.WriteString(placeholders(len(includes)))
	b.WriteString(`)`)
	for _, id := range includes {
		args = append(args, id)
	}

	if len(excludes) > 0 {
		b.WriteString(` AND user_id NOT IN (SELECT user_id FROM segment_memberships WHERE segment_id IN (`)
		b.WriteString(placeholders(len(excludes)))
		b.WriteString(`))`)
		for _, id := range excludes {
			args = append(args, id)
		}
	}

	b.WriteString(` GROUP BY user_id HAVING COUNT(DISTINCT segment_id) = ? ORDER BY user_id`)
	args = append(args, len(includes))

	rows, err := s.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("initial campaign members: %w", err)
	}
	defer rows.Close()

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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
