// Package execution persists per-(user, campaign) flow executions and their
// append-only step history.
package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segflow/segflow/internal/storage"
)

// Status of an execution. pending and sleeping are claimable; completed,
// failed, and terminated are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSleeping   Status = "sleeping"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// ReasonNoLongerMatches is recorded when a dynamic campaign ejects a user.
const ReasonNoLongerMatches = "User no longer matches campaign criteria"

// Execution is one user's progress through one campaign flow.
type Execution struct {
	UserID     string    `json:"userId"`
	CampaignID string    `json:"campaignId"`
	Status     Status    `json:"status"`
	SleepUntil time.Time `json:"sleepUntil"`
	Error      string    `json:"error,omitempty"`
}

// Claimed is a due execution locked by ClaimDue, carrying its pre-claim
// status.
type Claimed struct {
	UserID     string
	CampaignID string
	Status     Status
}

// HistoryEntry is the attribute document a flow step observed.
type HistoryEntry struct {
	StepIndex  int
	Attributes map[string]interface{}
}

// Store reads and writes executions and their history.
type Store struct {
	q storage.DBTX
}

// NewStore builds a Store on the shared pool.
func NewStore(db *sql.DB) *Store { return &Store{q: db} }

// WithTx returns a Store running its statements on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store { return &Store{q: tx} }

// Create inserts a pending execution due immediately.
func (s *Store) Create(ctx context.Context, userID, campaignID string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO executions (user_id, campaign_id, status, sleep_until) VALUES (?, ?, 'pending', NOW(3))`,
		userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("create execution %s/%s: %w", userID, campaignID, err)
	}
	return nil
}

// Exists reports whether any execution row, terminal or not, exists for the
// pair. Used to suppress re-entry into campaigns a user already ran.
func (s *Store) Exists(ctx context.Context, userID, campaignID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM executions WHERE user_id = ? AND campaign_id = ?)`,
		userID, campaignID,
	).Scan(&exists)
	return exists, err
}

// Get returns the execution, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, userID, campaignID string) (*Execution, error) {
	e := &Execution{}
	var errMsg sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT user_id, campaign_id, status, sleep_until, error FROM executions WHERE user_id = ? AND campaign_id = ?`,
		userID, campaignID,
	).Scan(&e.UserID, &e.CampaignID, &e.Status, &e.SleepUntil, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	e.Error = errMsg.String
	return e, nil
}

// SleepUntil parks the execution until ts.
func (s *Store) SleepUntil(ctx context.Context, userID, campaignID string, ts time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE executions SET status = 'sleeping', sleep_until = ?, updated_at = NOW(3) WHERE user_id = ? AND campaign_id = ?`,
		ts, userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("sleep execution %s/%s: %w", userID, campaignID, err)
	}
	return nil
}

// Complete marks the execution finished.
func (s *Store) Complete(ctx context.Context, userID, campaignID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE executions SET status = 'completed', updated_at = NOW(3) WHERE user_id = ? AND campaign_id = ?`,
		userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("complete execution %s/%s: %w", userID, campaignID, err)
	}
	return nil
}

// Fail marks the execution failed with a message. Failed executions are
// terminal; the engine never retries them.
func (s *Store) Fail(ctx context.Context, userID, campaignID, message string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE executions SET status = 'failed', error = ?, updated_at = NOW(3) WHERE user_id = ? AND campaign_id = ?`,
		message, userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("fail execution %s/%s: %w", userID, campaignID, err)
	}
	return nil
}

// Terminate marks a non-terminal execution terminated with a reason. A
// missing row, or one already terminal, is not an error.
func (s *Store) Terminate(ctx context.Context, userID, campaignID, reason string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE executions SET status = 'terminated', error = ?, updated_at = NOW(3)
		 WHERE user_id = ? AND campaign_id = ? AND status IN ('pending', 'sleeping', 'running')`,
		reason, userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("terminate execution %s/%s: %w", userID, campaignID, err)
	}
	return nil
}

// TerminateAllForCampaign terminates every non-terminal execution of the
// campaign. Used when a campaign is deleted.
func (s *Store) TerminateAllForCampaign(ctx context.Context, campaignID, reason string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE executions SET status = 'terminated', error = ?, updated_at = NOW(3)
		 WHERE campaign_id = ? AND status IN ('pending', 'sleeping', 'running')`,
		reason, campaignID,
	)
	if err != nil {
		return fmt.Errorf("terminate campaign %s executions: %w", campaignID, err)
	}
	return nil
}

// DeleteAllForCampaign removes the campaign's execution and history rows.
func (s *Store) DeleteAllForCampaign(ctx context.Context, campaignID string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM execution_history WHERE campaign_id = ?`, campaignID); err != nil {
		return fmt.Errorf("delete campaign %s history: %w", campaignID, err)
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM executions WHERE campaign_id = ?`, campaignID); err != nil {
		return fmt.Errorf("delete campaign %s executions: %w", campaignID, err)
	}
	return nil
}

// ClaimDue locks every due execution and flips it to running within the
// caller's transaction, returning the rows with their pre-claim status.
// SKIP LOCKED keeps overlapping ticks from blocking on each other; a row the
// previous tick still holds is simply not visible to this one. limit <= 0
// means no limit.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Claimed, error) {
	query := `SELECT user_id, campaign_id, status FROM executions
		WHERE status IN ('pending', 'sleeping') AND sleep_until <= ?
		ORDER BY sleep_until`
	args := []interface{}{now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += ` FOR UPDATE SKIP LOCKED`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim due executions: %w", err)
	}
	defer rows.Close()

	var claimed []Claimed
	for rows.Next() {
		var c Claimed
		if err := rows.Scan(&c.UserID, &c.CampaignID, &c.Status); err != nil {
			return nil, err
		}
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range claimed {
		_, err := s.q.ExecContext(ctx,
			`UPDATE executions SET status = 'running', updated_at = NOW(3) WHERE user_id = ? AND campaign_id = ?`,
			c.UserID, c.CampaignID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark running %s/%s: %w", c.UserID, c.CampaignID, err)
		}
	}
	return claimed, nil
}

// AppendHistory records the attribute document the flow sees at stepIndex.
func (s *Store) AppendHistory(ctx context.Context, userID, campaignID string, stepIndex int, attrs map[string]interface{}) error {
	doc, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal history attributes: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO execution_history (user_id, campaign_id, step_index, attributes) VALUES (?, ?, ?, ?)`,
		userID, campaignID, stepIndex, doc,
	)
	if err != nil {
		return fmt.Errorf("append history %s/%s[%d]: %w", userID, campaignID, stepIndex, err)
	}
	return nil
}

// History returns the execution's recorded steps ordered by step index.
func (s *Store) History(ctx context.Context, userID, campaignID string) ([]HistoryEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT step_index, attributes FROM execution_history WHERE user_id = ? AND campaign_id = ? ORDER BY step_index`,
		userID, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var doc []byte
		if err := rows.Scan(&entry.StepIndex, &doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(doc, &entry.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal history attributes: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
