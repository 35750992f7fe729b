package transaction

import (
	"context"
	"database/sql"

	"github.com/segflow/segflow/internal/pkg/logger"
	"github.com/segflow/segflow/internal/sandbox"
	"github.com/segflow/segflow/internal/users"
)

// EmailSender delivers a rendered email to a single recipient.
type EmailSender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// Dispatcher fires transactional emails for committed events. Dispatch runs
// after the ingestion transaction has committed, so a slow or failing
// provider can never roll back the event itself; failures are logged and
// dropped.
type Dispatcher struct {
	store  *Store
	sender EmailSender
}

func NewDispatcher(db *sql.DB, sender EmailSender) *Dispatcher {
	return &Dispatcher{store: NewStore(db), sender: sender}
}

// Dispatch sends the transactional email registered for the event, if any.
// The subject expression and html template see both the user's and the
// event's attributes.
func (d *Dispatcher) Dispatch(ctx context.Context, user *users.User, event *users.Event) {
	tx, err := d.store.FirstForEvent(ctx, event.Name)
	if err != nil {
		logger.Error("transactional lookup failed", "event", event.Name, "error", err)
		return
	}
	if tx == nil {
		return
	}

	to, err := user.Email()
	if err != nil {
		logger.Warn("transactional email skipped",
			"transaction", tx.ID, "user", user.ID, "error", err)
		return
	}

	subject, err := sandbox.EvalUserEventExpr(tx.Subject, user.Attributes, event.Attributes)
	if err != nil {
		logger.Error("transactional subject failed",
			"transaction", tx.ID, "user", user.ID, "error", err)
		return
	}

	html, err := sandbox.RenderTemplate(tx.HTML, tx.Preamble, map[string]map[string]interface{}{
		"user":  user.Attributes,
		"event": event.Attributes,
	})
	if err != nil {
		logger.Error("transactional render failed",
			"transaction", tx.ID, "user", user.ID, "error", err)
		return
	}

	if err := d.sender.Send(ctx, to, subject, html); err != nil {
		logger.Error("transactional send failed",
			"transaction", tx.ID, "to", to, "error", err)
		return
	}
	logger.Info("transactional email sent",
		"transaction", tx.ID, "event", event.Name, "to", to)
}
