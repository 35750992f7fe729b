// Package transaction stores event-triggered one-shot emails and dispatches
// them after an event has been committed. Unlike campaign sends, a
// transactional email fires at most once per event, with both the user's and
// the event's attributes available to the template.
package transaction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/segflow/segflow/internal/storage"
)

// Transaction binds an event name to an email. When several transactions
// listen on the same event, the one with the lowest id wins.
type Transaction struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	Preamble  string    `json:"preamble"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Store persists transactional email definitions.
type Store struct {
	q storage.DBTX
}

func NewStore(db *sql.DB) *Store {
	return &Store{q: db}
}

// WithTx returns a store that runs all statements on the given transaction.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx}
}

func (s *Store) Create(ctx context.Context, t *Transaction) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (id, event, subject, html, preamble, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NOW(3), NOW(3))`,
		t.ID, t.Event, t.Subject, t.HTML, t.Preamble,
	)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, t *Transaction) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE transactions
		SET event = ?, subject = ?, html = ?, preamble = ?, updated_at = NOW(3)
		WHERE id = ?`,
		t.Event, t.Subject, t.HTML, t.Preamble, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return nil
}

// Get returns the transaction, or nil when no row exists.
func (s *Store) Get(ctx context.Context, id string) (*Transaction, error) {
	var t Transaction
	err := s.q.QueryRowContext(ctx, `
		SELECT id, event, subject, html, preamble, created_at, updated_at
		FROM transactions WHERE id = ?`, id,
	).Scan(&t.ID, &t.Event, &t.Subject, &t.HTML, &t.Preamble, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}

func (s *Store) List(ctx context.Context) ([]Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, event, subject, html, preamble FROM transactions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.Event, &t.Subject, &t.HTML, &t.Preamble); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// FirstForEvent returns the lowest-id transaction listening on the event, or
// nil when none does.
func (s *Store) FirstForEvent(ctx context.Context, event string) (*Transaction, error) {
	var t Transaction
	err := s.q.QueryRowContext(ctx, `
		SELECT id, event, subject, html, preamble
		FROM transactions WHERE event = ? ORDER BY id LIMIT 1`, event,
	).Scan(&t.ID, &t.Event, &t.Subject, &t.HTML, &t.Preamble)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first transaction for event: %w", err)
	}
	return &t, nil
}

// Delete removes the transaction and reports whether a row existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
