// Package template stores reusable email templates. A template's subject is
// an expression evaluated against the recipient's attributes; its html body
// is an embedded-expression document rendered by the sandbox, with the
// preamble prepended as shared helper code.
package template

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/segflow/segflow/internal/storage"
)

// Template is a named email body plus its subject expression.
type Template struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	Preamble  string    `json:"preamble"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Store persists templates.
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

func (s *Store) Create(ctx context.Context, t *Template) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO templates (id, subject, html, preamble, created_at, updated_at)
		VALUES (?, ?, ?, ?, NOW(3), NOW(3))`,
		t.ID, t.Subject, t.HTML, t.Preamble,
	)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, t *Template) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE templates
		SET subject = ?, html = ?, preamble = ?, updated_at = NOW(3)
		WHERE id = ?`,
		t.Subject, t.HTML, t.Preamble, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	return nil
}

// Get returns the template, or nil when no row exists.
func (s *Store) Get(ctx context.Context, id string) (*Template, error) {
	var t Template
	err := s.q.QueryRowContext(ctx, `
		SELECT id, subject, html, preamble, created_at, updated_at
		FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.Subject, &t.HTML, &t.Preamble, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

func (s *Store) List(ctx context.Context) ([]Template, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, subject, html, preamble FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Subject, &t.HTML, &t.Preamble); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// Delete removes the template and reports whether a row existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
