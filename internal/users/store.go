// Package users persists tracked users and their immutable event history.
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/storage"
)

// User is a tracked person. Attributes is a free-form JSON document; the
// email key is required and always a string.
type User struct {
	ID         string                 `json:"id"`
	Attributes map[string]interface{} `json:"attributes"`
	CreatedAt  time.Time              `json:"-"`
	UpdatedAt  time.Time              `json:"-"`
}

// Email returns the user's email attribute.
func (u *User) Email() (string, error) {
	email, ok := u.Attributes["email"].(string)
	if !ok || email == "" {
		return "", faults.Validationf("user %s has no email attribute", u.ID)
	}
	return email, nil
}

// Event is one immutable domain event emitted for a user.
type Event struct {
	ID         int64                  `json:"id"`
	Name       string                 `json:"name"`
	UserID     string                 `json:"userId"`
	Attributes map[string]interface{} `json:"attributes"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Store reads and writes users and events.
type Store struct {
	q storage.DBTX
}

// NewStore builds a Store on the shared pool.
func NewStore(db *sql.DB) *Store { return &Store{q: db} }

// WithTx returns a Store running its statements on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store { return &Store{q: tx} }

// Create inserts a new user.
func (s *Store) Create(ctx context.Context, id string, attrs map[string]interface{}) (*User, error) {
	doc, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO users (id, attributes) VALUES (?, ?)`,
		id, doc,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &User{ID: id, Attributes: attrs}, nil
}

// Get returns the user, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var doc []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT id, attributes, created_at, updated_at FROM users WHERE id = ?`,
		id,
	).Scan(&u.ID, &doc, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if err := json.Unmarshal(doc, &u.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshal user %s attributes: %w", id, err)
	}
	return u, nil
}

// Update replaces the user's attribute document.
func (s *Store) Update(ctx context.Context, id string, attrs map[string]interface{}) error {
	doc, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE users SET attributes = ?, updated_at = NOW(3) WHERE id = ?`,
		doc, id,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// Delete removes the user. Events, memberships, executions, and history go
// with it through foreign-key cascades.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertEvent records one event for a user.
func (s *Store) InsertEvent(ctx context.Context, userID, name string, attrs map[string]interface{}) (*Event, error) {
	doc, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal event attributes: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO events (name, user_id, attributes) VALUES (?, ?, ?)`,
		name, userID, doc,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Event{ID: id, Name: name, UserID: userID, Attributes: attrs}, nil
}

// EventsForUser returns the user's events oldest first.
func (s *Store) EventsForUser(ctx context.Context, userID string) ([]Event, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, user_id, attributes, created_at FROM events WHERE user_id = ? ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var doc []byte
		if err := rows.Scan(&e.ID, &e.Name, &e.UserID, &doc, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(doc, &e.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal event %d attributes: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
