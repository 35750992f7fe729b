package campaign

import (
	"context"
	"database/sql"

	"github.com/segflow/segflow/internal/execution"
	"github.com/segflow/segflow/internal/segmentation"
)

// reevalBatchSize bounds per-transaction work when a segment change fans out
// to many users.
const reevalBatchSize = 100

// MembershipChanges lists the campaigns a reevaluation enrolled the user in
// or removed them from.
type MembershipChanges struct {
	Added   []string
	Removed []string
}

// Resolver keeps campaign memberships consistent with segment memberships.
// A user matches a campaign when they belong to every include segment and to
// none of the exclude segments.
type Resolver struct {
	store    *Store
	segments *segmentation.Store
	execs    *execution.Store
}

// NewResolver builds a Resolver on the shared pool.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{
		store:    NewStore(db),
		segments: segmentation.NewStore(db),
		execs:    execution.NewStore(db),
	}
}

// WithTx returns a Resolver running inside tx.
func (r *Resolver) WithTx(tx *sql.Tx) *Resolver {
	return &Resolver{
		store:    r.store.WithTx(tx),
		segments: r.segments.WithTx(tx),
		execs:    r.execs.WithTx(tx),
	}
}

// Store exposes the underlying campaign store.
func (r *Resolver) Store() *Store { return r.store }

func matches(segmentSet map[string]struct{}, c *Campaign) bool {
	for _, id := range c.Segments {
		if _, ok := segmentSet[id]; !ok {
			return false
		}
	}
	for _, id := range c.ExcludeSegments {
		if _, ok := segmentSet[id]; ok {
			return false
		}
	}
	return true
}

func (r *Resolver) segmentSet(ctx context.Context, userID string) (map[string]struct{}, error) {
	ids, err := r.segments.SegmentIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// MatchesUser evaluates the campaign predicate against the user's current
// segment memberships.
func (r *Resolver) MatchesUser(ctx context.Context, userID string, c *Campaign) (bool, error) {
	set, err := r.segmentSet(ctx, userID)
	if err != nil {
		return false, err
	}
	return matches(set, c), nil
}

// ReevaluateForUser recomputes the campaign predicate for every campaign.
// Static campaigns only ever gain the user; dynamic campaigns also eject
// them, terminating the execution. Every enrollment creates a pending
// execution due immediately.
func (r *Resolver) ReevaluateForUser(ctx context.Context, userID string) (*MembershipChanges, error) {
	set, err := r.segmentSet(ctx, userID)
	if err != nil {
		return nil, err
	}
	campaigns, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	changes := &MembershipChanges{}
	for i := range campaigns {
		c := &campaigns[i]
		m := matches(set, c)
		member, err := r.store.IsMember(ctx, userID, c.ID)
		if err != nil {
			return nil, err
		}

		switch {
		case m && !member:
			joined, err := r.join(ctx, userID, c.ID)
			if err != nil {
				return nil, err
			}
			if joined {
				changes.Added = append(changes.Added, c.ID)
			}
		case !m && member && c.Behavior == BehaviorDynamic:
			if err := r.leave(ctx, userID, c.ID); err != nil {
				return nil, err
			}
			changes.Removed = append(changes.Removed, c.ID)
		}
	}
	return changes, nil
}

// ReevaluateForSegmentChange re-runs ReevaluateForUser for every user a
// segment evaluation added or removed, if any campaign references the
// segment. Users are processed in batches to bound per-transaction work.
func (r *Resolver) ReevaluateForSegmentChange(ctx context.Context, segmentID string, changes *segmentation.Changes) error {
	affected, err := r.store.CampaignIDsReferencingSegment(ctx, segmentID)
	if err != nil {
		return err
	}
	if len(affected) == 0 {
		return nil
	}

	users := make([]string, 0, len(changes.Added)+len(changes.Removed))
	users = append(users, changes.Added...)
	users = append(users, changes.Removed...)

	for start := 0; start < len(users); start += reevalBatchSize {
		end := start + reevalBatchSize
		if end > len(users) {
			end = len(users)
		}
		for _, userID := range users[start:end] {
			if _, err := r.ReevaluateForUser(ctx, userID); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnrollInitial enrolls every user matching a just-created campaign.
func (r *Resolver) EnrollInitial(ctx context.Context, c *Campaign) ([]string, error) {
	ids, err := r.store.InitialMemberIDs(ctx, c.Segments, c.ExcludeSegments)
	if err != nil {
		return nil, err
	}
	var enrolled []string
	for _, userID := range ids {
		joined, err := r.join(ctx, userID, c.ID)
		if err != nil {
			return nil, err
		}
		if joined {
			enrolled = append(enrolled, userID)
		}
	}
	return enrolled, nil
}

// join enrolls the user unless an execution row already exists for the pair.
// A user who already ran a campaign, however it ended, does not re-enter it.
func (r *Resolver) join(ctx context.Context, userID, campaignID string) (bool, error) {
	exists, err := r.execs.Exists(ctx, userID, campaignID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := r.store.InsertMembership(ctx, userID, campaignID); err != nil {
		return false, err
	}
	if err := r.execs.Create(ctx, userID, campaignID); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) leave(ctx context.Context, userID, campaignID string) error {
	if err := r.store.DeleteMembership(ctx, userID, campaignID); err != nil {
		return err
	}
	return r.execs.Terminate(ctx, userID, campaignID, execution.ReasonNoLongerMatches)
}
