package reconcile

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/segflow/segflow/internal/campaign"
	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/ingress"
	"github.com/segflow/segflow/internal/pkg/logger"
	"github.com/segflow/segflow/internal/segmentation"
	"github.com/segflow/segflow/internal/template"
	"github.com/segflow/segflow/internal/transaction"
)

// Result reports an accepted push: the ledger id of the new configuration and
// how many operations were applied. Operations == 0 means the push matched
// the current configuration and nothing was written.
type Result struct {
	ID         int64 `json:"id"`
	Operations int   `json:"operations"`
}

// Reconciler turns whole-configuration pushes into entity operations and
// applies them atomically.
type Reconciler struct {
	db  *sql.DB
	svc *ingress.Service
}

// NewReconciler builds a reconciler that applies operations through svc.
func NewReconciler(db *sql.DB, svc *ingress.Service) *Reconciler {
	return &Reconciler{db: db, svc: svc}
}

// Push validates the document, diffs it against the last accepted
// configuration, and applies the resulting plan inside one transaction.
// Categories apply in a fixed order (templates, transactions, segments,
// campaigns, emailProvider); within a category deletes run first, then adds,
// then updates.
func (r *Reconciler) Push(ctx context.Context, next *Document) (*Result, error) {
	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ledger := NewStore(r.db).WithTx(tx)
	old, err := ledger.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if old == nil {
		old = &Document{}
	}

	plan := Diff(old, next)
	if plan.Empty() {
		logger.Info("config push matched current configuration", "operations", 0)
		return &Result{}, nil
	}

	if err := r.apply(ctx, tx, next, plan); err != nil {
		return nil, err
	}

	id, err := ledger.Append(ctx, next)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	logger.Info("configuration applied", "config", id, "operations", plan.Count())
	return &Result{ID: id, Operations: plan.Count()}, nil
}

// Current returns the last accepted configuration with provider secrets
// redacted, or nil when nothing has been pushed yet.
func (r *Reconciler) Current(ctx context.Context) (*Document, error) {
	doc, err := NewStore(r.db).Latest(ctx)
	if err != nil || doc == nil {
		return doc, err
	}
	if doc.EmailProvider != nil {
		doc.EmailProvider.Config = doc.EmailProvider.Config.Redacted()
	}
	return doc, nil
}

func (r *Reconciler) apply(ctx context.Context, tx *sql.Tx, next *Document, plan *Plan) error {
	svc := r.svc.WithTx(tx)

	for _, op := range plan.Templates {
		var err error
		switch op.Kind {
		case OpDelete:
			_, err = svc.DeleteTemplate(ctx, op.ID)
		case OpAdd, OpUpdate:
			spec := next.Templates[op.ID]
			t := &template.Template{ID: op.ID, Subject: spec.Subject, HTML: spec.HTML, Preamble: spec.Preamble}
			if op.Kind == OpAdd {
				_, err = svc.CreateTemplate(ctx, t)
			} else {
				_, err = svc.UpdateTemplate(ctx, t)
			}
		}
		if err != nil {
			return err
		}
	}

	for _, op := range plan.Transactions {
		var err error
		switch op.Kind {
		case OpDelete:
			_, err = svc.DeleteTransaction(ctx, op.ID)
		case OpAdd, OpUpdate:
			spec := next.Transactions[op.ID]
			t := &transaction.Transaction{ID: op.ID, Event: spec.Event, Subject: spec.Subject, HTML: spec.HTML, Preamble: spec.Preamble}
			if op.Kind == OpAdd {
				_, err = svc.CreateTransaction(ctx, t)
			} else {
				_, err = svc.UpdateTransaction(ctx, t)
			}
		}
		if err != nil {
			return err
		}
	}

	// Segment deletes bypass the campaign-reference check: any campaign that
	// still references the segment is itself deleted later in this push, or
	// validation would have rejected the document.
	segs := segmentation.NewStore(r.db).WithTx(tx)
	for _, op := range plan.Segments {
		var err error
		switch op.Kind {
		case OpDelete:
			_, err = segs.Delete(ctx, op.ID)
		case OpAdd:
			_, err = svc.CreateSegment(ctx, op.ID, next.Segments[op.ID].Evaluator)
		case OpUpdate:
			_, err = svc.UpdateSegment(ctx, op.ID, next.Segments[op.ID].Evaluator)
		}
		if err != nil {
			return err
		}
	}

	for _, op := range plan.Campaigns {
		var err error
		switch op.Kind {
		case OpDelete:
			_, err = svc.DeleteCampaign(ctx, op.ID)
		case OpAdd:
			spec := next.Campaigns[op.ID]
			_, err = svc.CreateCampaign(ctx, &campaign.Campaign{
				ID:              op.ID,
				Flow:            spec.Flow,
				Behavior:        campaign.Behavior(spec.Behavior),
				Segments:        spec.Segments,
				ExcludeSegments: spec.ExcludeSegments,
			})
		case OpUpdate:
			return faults.Constraintf("campaign %s cannot be updated in place: delete it in one push and re-add it in the next", op.ID)
		}
		if err != nil {
			return err
		}
	}

	for range plan.EmailProvider {
		if _, err := svc.SetEmailProvider(ctx, next.EmailProvider.Config, next.EmailProvider.FromAddress); err != nil {
			return err
		}
	}
	return nil
}
