package mailer

import (
	"context"
	"database/sql"
	"time"

	"github.com/segflow/segflow/internal/config"
	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/pkg/httpretry"
	"github.com/segflow/segflow/internal/pkg/logger"
)

// Sender delivers a rendered email to a single recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// transport is one concrete provider integration.
type transport interface {
	Send(ctx context.Context, from, to, subject, html string) error
}

// Service sends mail through whichever provider is currently configured.
// The provider row is read on every send, so a config push takes effect
// without a restart.
type Service struct {
	store   *Store
	http    httpretry.HTTPDoer
	timeout time.Duration
}

func NewService(db *sql.DB, cfg config.EmailConfig) *Service {
	return &Service{
		store:   NewStore(db),
		http:    httpretry.New(nil, cfg.MaxRetries),
		timeout: cfg.SendTimeout(),
	}
}

// Send delivers one email and records the attempt in the send log.
func (s *Service) Send(ctx context.Context, to, subject, html string) error {
	p, err := s.store.Get(ctx)
	if err != nil {
		return err
	}
	if p == nil {
		return faults.Validationf("no email provider configured")
	}

	t, err := s.transport(ctx, &p.Config)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sendErr := t.Send(sendCtx, p.FromAddress, to, subject, html)
	// The audit row must land even when the send context has expired.
	s.store.LogSend(context.WithoutCancel(ctx), to, subject, p.Config.Name, sendErr)

	if sendErr != nil {
		logger.Error("email send failed",
			"provider", p.Config.Name, "to", to, "error", sendErr)
		return sendErr
	}
	logger.Info("email sent", "provider", p.Config.Name, "to", to)
	return nil
}

func (s *Service) transport(ctx context.Context, cfg *ProviderConfig) (transport, error) {
	switch cfg.Name {
	case ProviderPostmark:
		return newPostmarkTransport(cfg.APIKey, s.http), nil
	case ProviderSES:
		return newSESTransport(ctx, cfg)
	default:
		return nil, faults.Validationf("unknown email provider %q", cfg.Name)
	}
}
