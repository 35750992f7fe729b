// Package mailer delivers rendered emails through the configured provider.
// The provider is a database singleton so a config push switches transports
// without a restart; every send attempt leaves a best-effort audit row.
package mailer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/pkg/logger"
	"github.com/segflow/segflow/internal/storage"
)

const (
	ProviderPostmark = "postmark"
	ProviderSES      = "ses"
)

// ProviderConfig is the tagged provider union stored in the email_provider
// singleton. Name selects the transport; the remaining fields belong to it.
type ProviderConfig struct {
	Name            string `json:"name"`
	APIKey          string `json:"apiKey,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	Region          string `json:"region,omitempty"`
}

// Validate checks that the union tag is known and its required fields are set.
func (c *ProviderConfig) Validate() error {
	switch c.Name {
	case ProviderPostmark:
		if c.APIKey == "" {
			return faults.Validationf("postmark provider requires apiKey")
		}
	case ProviderSES:
		if c.AccessKeyID == "" || c.SecretAccessKey == "" || c.Region == "" {
			return faults.Validationf("ses provider requires accessKeyId, secretAccessKey and region")
		}
	default:
		return faults.Validationf("unknown email provider %q", c.Name)
	}
	return nil
}

// Redacted returns a copy with credential material masked, safe to return
// from the API.
func (c ProviderConfig) Redacted() ProviderConfig {
	out := c
	if out.APIKey != "" {
		out.APIKey = "***"
	}
	if out.SecretAccessKey != "" {
		out.SecretAccessKey = "***"
	}
	return out
}

// Provider is the configured provider plus the address all mail is sent from.
type Provider struct {
	Config      ProviderConfig `json:"config"`
	FromAddress string         `json:"fromAddress"`
}

// Store persists the provider singleton and the send audit log.
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

// Set replaces the provider singleton. Truncate-then-insert keeps exactly
// one row regardless of what was there before.
func (s *Store) Set(ctx context.Context, p *Provider) error {
	data, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM email_provider`); err != nil {
		return fmt.Errorf("clear email provider: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO email_provider (id, config, from_address, updated_at)
		VALUES (1, ?, ?, NOW(3))`,
		data, p.FromAddress,
	)
	if err != nil {
		return fmt.Errorf("set email provider: %w", err)
	}
	return nil
}

// Get returns the configured provider, or nil when none has been set.
func (s *Store) Get(ctx context.Context) (*Provider, error) {
	var (
		data []byte
		p    Provider
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT config, from_address FROM email_provider WHERE id = 1`,
	).Scan(&data, &p.FromAddress)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get email provider: %w", err)
	}
	if err := json.Unmarshal(data, &p.Config); err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}
	return &p, nil
}

// LogSend records one send attempt. The log is an audit trail only, so
// write failures are logged and dropped rather than surfaced.
func (s *Store) LogSend(ctx context.Context, to, subject, provider string, sendErr error) {
	status := "sent"
	var errText sql.NullString
	if sendErr != nil {
		status = "failed"
		errText = sql.NullString{String: sendErr.Error(), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO email_send_log (id, to_address, subject, provider, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NOW(3))`,
		uuid.New().String(), to, subject, provider, status, errText,
	)
	if err != nil {
		logger.Warn("send log write failed", "to", to, "error", err)
	}
}
