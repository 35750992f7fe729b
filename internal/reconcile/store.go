package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/segflow/segflow/internal/storage"
)

// Store is the append-only ledger of accepted configurations. The current
// configuration is simply the newest row.
type Store struct {
	q storage.DBTX
}

// NewStore builds a Store on the shared pool.
func NewStore(db *sql.DB) *Store { return &Store{q: db} }

// WithTx returns a Store running its statements on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store { return &Store{q: tx} }

// Append records an accepted configuration and returns its ledger id.
func (s *Store) Append(ctx context.Context, doc *Document) (int64, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode config: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO configs (config_json, created_at) VALUES (?, NOW(3))`,
		raw,
	)
	if err != nil {
		return 0, fmt.Errorf("append config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append config id: %w", err)
	}
	return id, nil
}

// Latest returns the most recently accepted configuration, or nil when the
// ledger is empty.
func (s *Store) Latest(ctx context.Context) (*Document, error) {
	var raw []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT config_json FROM configs ORDER BY id DESC LIMIT 1`,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest config: %w", err)
	}
	doc := &Document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("decode latest config: %w", err)
	}
	return doc, nil
}
