package segmentation

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/storage"
)

// Changes is the membership delta one evaluation produced.
type Changes struct {
	Added   []string
	Removed []string
	Total   int
}

// Evaluator runs segment SQL and reconciles segment_memberships with the
// result. Evaluator SQL is operator-authored and runs raw; an execution
// error is reported as a ValidationError so the surrounding transaction
// aborts.
type Evaluator struct {
	q     storage.DBTX
	store *Store
}

// NewEvaluator builds an Evaluator on the shared pool.
func NewEvaluator(db *sql.DB) *Evaluator {
	return &Evaluator{q: db, store: NewStore(db)}
}

// WithTx returns an Evaluator running inside tx.
func (e *Evaluator) WithTx(tx *sql.Tx) *Evaluator {
	return &Evaluator{q: tx, store: &Store{q: tx}}
}

// Store exposes the underlying segment store.
func (e *Evaluator) Store() *Store { return e.store }

// EvaluateGlobal runs the segment's evaluator over the whole user base and
// makes the membership rows equal to the result set.
func (e *Evaluator) EvaluateGlobal(ctx context.Context, segmentID string) (*Changes, error) {
	seg, err := e.store.Get(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if seg == nil {
		return nil, faults.NotFound("segment", segmentID)
	}

	matched, err := e.runEvaluator(ctx, seg)
	if err != nil {
		return nil, err
	}

	current, err := e.store.MemberIDs(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}

	changes := &Changes{Total: len(matched)}
	for id := range matched {
		if _, ok := currentSet[id]; !ok {
			changes.Added = append(changes.Added, id)
		}
	}
	for _, id := range current {
		if _, ok := matched[id]; !ok {
			changes.Removed = append(changes.Removed, id)
		}
	}
	sort.Strings(changes.Added)
	sort.Strings(changes.Removed)

	for _, id := range changes.Added {
		if err := e.store.InsertMembership(ctx, id, segmentID); err != nil {
			return nil, err
		}
	}
	for _, id := range changes.Removed {
		if err := e.store.DeleteMembership(ctx, id, segmentID); err != nil {
			return nil, err
		}
	}
	return changes, nil
}

// EvaluateForUser re-evaluates every segment for one user and flips the
// memberships whose truth changed. Returns the ids of changed segments.
func (e *Evaluator) EvaluateForUser(ctx context.Context, userID string) ([]string, error) {
	segments, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return e.evaluateSegmentsForUser(ctx, userID, segments)
}

// EvaluateForUserOnEvent is EvaluateForUser restricted to segments whose
// trigger set contains the event name.
func (e *Evaluator) EvaluateForUserOnEvent(ctx context.Context, userID, event string) ([]string, error) {
	segments, err := e.store.TriggeredBy(ctx, event)
	if err != nil {
		return nil, err
	}
	return e.evaluateSegmentsForUser(ctx, userID, segments)
}

func (e *Evaluator) evaluateSegmentsForUser(ctx context.Context, userID string, segments []Segment) ([]string, error) {
	var changed []string
	for _, seg := range segments {
		matches, err := e.matchesUser(ctx, &seg, userID)
		if err != nil {
			return nil, err
		}
		member, err := e.isMember(ctx, userID, seg.ID)
		if err != nil {
			return nil, err
		}
		if matches == member {
			continue
		}
		if matches {
			err = e.store.InsertMembership(ctx, userID, seg.ID)
		} else {
			err = e.store.DeleteMembership(ctx, userID, seg.ID)
		}
		if err != nil {
			return nil, err
		}
		changed = append(changed, seg.ID)
	}
	return changed, nil
}

// runEvaluator executes the segment SQL and returns the matched user ids.
// The result set must contain a column named id.
func (e *Evaluator) runEvaluator(ctx context.Context, seg *Segment) (map[string]struct{}, error) {
	rows, err := e.q.QueryContext(ctx, cleanEvaluator(seg.Evaluator))
	if err != nil {
		return nil, faults.Validationf("segment %s evaluator: %v", seg.ID, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	idIdx := -1
	for i, c := range cols {
		if strings.EqualFold(c, "id") {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return nil, faults.Validationf("segment %s evaluator returned no id column", seg.ID)
	}

	matched := map[string]struct{}{}
	vals := make([]interface{}, len(cols))
	for i := range vals {
		vals[i] = new(sql.NullString)
	}
	for rows.Next() {
		if err := rows.Scan(vals...); err != nil {
			return nil, err
		}
		id := vals[idIdx].(*sql.NullString)
		if id.Valid {
			matched[id.String] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Validationf("segment %s evaluator: %v", seg.ID, err)
	}
	return matched, nil
}

// matchesUser wraps the evaluator in a CTE and probes it for one user id.
func (e *Evaluator) matchesUser(ctx context.Context, seg *Segment, userID string) (bool, error) {
	query := "WITH m AS (" + cleanEvaluator(seg.Evaluator) + ") SELECT id FROM m WHERE id = ?"
	var id string
	err := e.q.QueryRowContext(ctx, query, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, faults.Validationf("segment %s evaluator: %v", seg.ID, err)
	}
	return true, nil
}

func (e *Evaluator) isMember(ctx context.Context, userID, segmentID string) (bool, error) {
	var exists bool
	err := e.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM segment_memberships WHERE user_id = ? AND segment_id = ?)`,
		userID, segmentID,
	).Scan(&exists)
	return exists, err
}

// cleanEvaluator trims whitespace and trailing semicolons so the statement
// can be embedded in a CTE and prepared as a single statement.
func cleanEvaluator(evaluator string) string {
	return strings.TrimRight(strings.TrimSpace(evaluator), "; \t\n")
}
