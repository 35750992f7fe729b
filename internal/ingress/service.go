// Package ingress is the transactional entry point for every mutation. Each
// operation opens one database transaction, fans out segment evaluation and
// campaign membership reconciliation inside it, and commits; WithTx lets the
// config reconciler run the same operations inside its own transaction.
package ingress

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/segflow/segflow/internal/campaign"
	"github.com/segflow/segflow/internal/execution"
	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/mailer"
	"github.com/segflow/segflow/internal/sandbox"
	"github.com/segflow/segflow/internal/segmentation"
	"github.com/segflow/segflow/internal/template"
	"github.com/segflow/segflow/internal/transaction"
	"github.com/segflow/segflow/internal/users"
)

// campaignDeletedReason lands on executions killed by a campaign removal.
const campaignDeletedReason = "Campaign deleted"

// Service exposes the engine's mutations and reads.
type Service struct {
	db         *sql.DB
	tx         *sql.Tx
	dispatcher *transaction.Dispatcher
}

// NewService builds the service. sender delivers transactional emails after
// event commits.
func NewService(db *sql.DB, sender transaction.EmailSender) *Service {
	return &Service{db: db, dispatcher: transaction.NewDispatcher(db, sender)}
}

// WithTx returns a service whose operations run on tx without committing it.
// The caller owns the transaction; post-commit work (transactional email
// dispatch) is skipped.
func (s *Service) WithTx(tx *sql.Tx) *Service {
	return &Service{db: s.db, tx: tx, dispatcher: s.dispatcher}
}

// stores bundles every store bound to one statement executor.
type stores struct {
	users     *users.Store
	segments  *segmentation.Store
	evaluator *segmentation.Evaluator
	campaigns *campaign.Store
	resolver  *campaign.Resolver
	templates *template.Store
	txs       *transaction.Store
	mail      *mailer.Store
	execs     *execution.Store
}

func newStores(db *sql.DB, tx *sql.Tx) *stores {
	st := &stores{
		users:     users.NewStore(db),
		segments:  segmentation.NewStore(db),
		evaluator: segmentation.NewEvaluator(db),
		campaigns: campaign.NewStore(db),
		resolver:  campaign.NewResolver(db),
		templates: template.NewStore(db),
		txs:       transaction.NewStore(db),
		mail:      mailer.NewStore(db),
		execs:     execution.NewStore(db),
	}
	if tx == nil {
		return st
	}
	return &stores{
		users:     st.users.WithTx(tx),
		segments:  st.segments.WithTx(tx),
		evaluator: st.evaluator.WithTx(tx),
		campaigns: st.campaigns.WithTx(tx),
		resolver:  st.resolver.WithTx(tx),
		templates: st.templates.WithTx(tx),
		txs:       st.txs.WithTx(tx),
		mail:      st.mail.WithTx(tx),
		execs:     st.execs.WithTx(tx),
	}
}

// stores returns the read-path binding: the service's transaction when
// present, the shared pool otherwise.
func (s *Service) stores() *stores {
	return newStores(s.db, s.tx)
}

// run executes fn inside one transaction. When the service is already bound
// to a transaction, fn joins it and the owner commits.
func (s *Service) run(ctx context.Context, fn func(st *stores) error) error {
	if s.tx != nil {
		return fn(newStores(s.db, s.tx))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(newStores(s.db, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// reevaluateUser refreshes segment memberships first, then campaign
// memberships built on top of them.
func reevaluateUser(ctx context.Context, st *stores, userID string) error {
	if _, err := st.evaluator.EvaluateForUser(ctx, userID); err != nil {
		return err
	}
	_, err := st.resolver.ReevaluateForUser(ctx, userID)
	return err
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser inserts a user and enrolls them in everything they match.
func (s *Service) CreateUser(ctx context.Context, id string, attrs map[string]interface{}) (*users.User, error) {
	if err := requireEmail(attrs); err != nil {
		return nil, err
	}
	var u *users.User
	err := s.run(ctx, func(st *stores) error {
		var err error
		if u, err = st.users.Create(ctx, id, attrs); err != nil {
			return err
		}
		return reevaluateUser(ctx, st, id)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateUser shallow-merges partial into the user's attributes and
// reevaluates memberships.
func (s *Service) UpdateUser(ctx context.Context, id string, partial map[string]interface{}) (*users.User, error) {
	var u *users.User
	err := s.run(ctx, func(st *stores) error {
		var err error
		if u, err = st.users.Get(ctx, id); err != nil {
			return err
		}
		if u == nil {
			return faults.NotFound("user", id)
		}
		if u.Attributes == nil {
			u.Attributes = map[string]interface{}{}
		}
		for k, v := range partial {
			u.Attributes[k] = v
		}
		if err := requireEmail(u.Attributes); err != nil {
			return err
		}
		if err := st.users.Update(ctx, id, u.Attributes); err != nil {
			return err
		}
		return reevaluateUser(ctx, st, id)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser returns the user or a NotFound error.
func (s *Service) GetUser(ctx context.Context, id string) (*users.User, error) {
	u, err := s.stores().users.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, faults.NotFound("user", id)
	}
	return u, nil
}

// DeleteUser removes the user; events, memberships, executions, and history
// follow through foreign-key cascades.
func (s *Service) DeleteUser(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.run(ctx, func(st *stores) error {
		var err error
		deleted, err = st.users.Delete(ctx, id)
		return err
	})
	return deleted, err
}

// EmitEvent records an event, reevaluates the triggered segments and the
// user's campaign memberships, commits, and then fires any transactional
// email bound to the event name.
func (s *Service) EmitEvent(ctx context.Context, userID, name string, attrs map[string]interface{}) (*users.Event, error) {
	var (
		u  *users.User
		ev *users.Event
	)
	err := s.run(ctx, func(st *stores) error {
		var err error
		if u, err = st.users.Get(ctx, userID); err != nil {
			return err
		}
		if u == nil {
			return faults.NotFound("user", userID)
		}
		if ev, err = st.users.InsertEvent(ctx, userID, name, attrs); err != nil {
			return err
		}
		if _, err = st.evaluator.EvaluateForUserOnEvent(ctx, userID, name); err != nil {
			return err
		}
		_, err = st.resolver.ReevaluateForUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Dispatch only once the event is durable. Inside a caller-owned
	// transaction nothing has committed yet, so the caller dispatches.
	if s.tx == nil {
		s.dispatcher.Dispatch(ctx, u, ev)
	}
	return ev, nil
}

// UserEvents lists the user's events in insertion order.
func (s *Service) UserEvents(ctx context.Context, userID string) ([]users.Event, error) {
	return s.stores().users.EventsForUser(ctx, userID)
}

// UserSegments lists the segment ids the user currently belongs to.
func (s *Service) UserSegments(ctx context.Context, userID string) ([]string, error) {
	return s.stores().segments.SegmentIDsForUser(ctx, userID)
}

func requireEmail(attrs map[string]interface{}) error {
	email, ok := attrs["email"].(string)
	if !ok || email == "" {
		return faults.Validationf("user attributes must include an email string")
	}
	return nil
}

// =============================================================================
// SEGMENTS
// =============================================================================

// CreateSegment stores the evaluator, derives its event triggers, evaluates
// it globally, and reconciles campaign membership for everyone affected.
func (s *Service) CreateSegment(ctx context.Context, id, evaluator string) (*segmentation.Segment, error) {
	if evaluator == "" {
		return nil, faults.Validationf("segment evaluator must not be empty")
	}
	var seg *segmentation.Segment
	err := s.run(ctx, func(st *stores) error {
		var err error
		if seg, err = st.segments.Create(ctx, id, evaluator); err != nil {
			return err
		}
		return s.refreshSegment(ctx, st, id, evaluator)
	})
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// UpdateSegment swaps the evaluator and reevaluates as CreateSegment does.
func (s *Service) UpdateSegment(ctx context.Context, id, evaluator string) (*segmentation.Segment, error) {
	if evaluator == "" {
		return nil, faults.Validationf("segment evaluator must not be empty")
	}
	var seg *segmentation.Segment
	err := s.run(ctx, func(st *stores) error {
		existing, err := st.segments.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return faults.NotFound("segment", id)
		}
		if err := st.segments.Update(ctx, id, evaluator); err != nil {
			return err
		}
		seg = &segmentation.Segment{ID: id, Evaluator: evaluator}
		return s.refreshSegment(ctx, st, id, evaluator)
	})
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// refreshSegment recomputes triggers and membership after an evaluator
// change, then fans the membership delta out to campaigns.
func (s *Service) refreshSegment(ctx context.Context, st *stores, id, evaluator string) error {
	triggers := segmentation.ExtractEventTriggers(evaluator)
	if err := st.segments.ReplaceTriggers(ctx, id, triggers); err != nil {
		return err
	}
	changes, err := st.evaluator.EvaluateGlobal(ctx, id)
	if err != nil {
		return err
	}
	return st.resolver.ReevaluateForSegmentChange(ctx, id, changes)
}

// GetSegment returns the segment or a NotFound error.
func (s *Service) GetSegment(ctx context.Context, id string) (*segmentation.Segment, error) {
	seg, err := s.stores().segments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if seg == nil {
		return nil, faults.NotFound("segment", id)
	}
	return seg, nil
}

// ListSegments returns all segments ordered by id.
func (s *Service) ListSegments(ctx context.Context) ([]segmentation.Segment, error) {
	return s.stores().segments.List(ctx)
}

// SegmentMembers returns the user ids currently in the segment.
func (s *Service) SegmentMembers(ctx context.Context, id string) ([]string, error) {
	return s.stores().segments.MemberIDs(ctx, id)
}

// DeleteSegment removes a segment nothing references.
func (s *Service) DeleteSegment(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.run(ctx, func(st *stores) error {
		referenced, err := st.campaigns.ReferencesSegment(ctx, id)
		if err != nil {
			return err
		}
		if referenced {
			return faults.Constraintf("segment %s is referenced by a campaign", id)
		}
		deleted, err = st.segments.Delete(ctx, id)
		return err
	})
	return deleted, err
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

// CreateCampaign validates and stores the campaign, then enrolls every user
// already matching its segment sets.
func (s *Service) CreateCampaign(ctx context.Context, c *campaign.Campaign) (*campaign.Campaign, error) {
	if len(c.Segments) == 0 {
		return nil, faults.Validationf("campaign requires at least one include segment")
	}
	if !c.Behavior.Valid() {
		return nil, faults.Validationf("campaign behavior must be static or dynamic")
	}
	if err := sandbox.CheckFlow(c.Flow); err != nil {
		return nil, faults.Validationf("campaign flow does not compile: %v", err)
	}
	err := s.run(ctx, func(st *stores) error {
		for _, segID := range append(append([]string{}, c.Segments...), c.ExcludeSegments...) {
			seg, err := st.segments.Get(ctx, segID)
			if err != nil {
				return err
			}
			if seg == nil {
				return faults.Validationf("campaign references unknown segment %s", segID)
			}
		}
		if err := st.campaigns.Create(ctx, c); err != nil {
			return err
		}
		_, err := st.resolver.EnrollInitial(ctx, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCampaign returns the campaign or a NotFound error.
func (s *Service) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	c, err := s.stores().campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, faults.NotFound("campaign", id)
	}
	return c, nil
}

// ListCampaigns returns all campaigns ordered by id.
func (s *Service) ListCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	return s.stores().campaigns.List(ctx)
}

// DeleteCampaign terminates the campaign's executions and removes them, the
// memberships, and the campaign itself.
func (s *Service) DeleteCampaign(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.run(ctx, func(st *stores) error {
		if err := st.execs.TerminateAllForCampaign(ctx, id, campaignDeletedReason); err != nil {
			return err
		}
		if err := st.execs.DeleteAllForCampaign(ctx, id); err != nil {
			return err
		}
		if err := st.campaigns.DeleteAllMemberships(ctx, id); err != nil {
			return err
		}
		var err error
		deleted, err = st.campaigns.Delete(ctx, id)
		return err
	})
	return deleted, err
}

// =============================================================================
// TEMPLATES
// =============================================================================

func (s *Service) CreateTemplate(ctx context.Context, t *template.Template) (*template.Template, error) {
	err := s.run(ctx, func(st *stores) error {
		return st.templates.Create(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) UpdateTemplate(ctx context.Context, t *template.Template) (*template.Template, error) {
	err := s.run(ctx, func(st *stores) error {
		existing, err := st.templates.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return faults.NotFound("template", t.ID)
		}
		return st.templates.Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) GetTemplate(ctx context.Context, id string) (*template.Template, error) {
	t, err := s.stores().templates.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, faults.NotFound("template", id)
	}
	return t, nil
}

func (s *Service) ListTemplates(ctx context.Context) ([]template.Template, error) {
	return s.stores().templates.List(ctx)
}

func (s *Service) DeleteTemplate(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.run(ctx, func(st *stores) error {
		var err error
		deleted, err = st.templates.Delete(ctx, id)
		return err
	})
	return deleted, err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Service) CreateTransaction(ctx context.Context, t *transaction.Transaction) (*transaction.Transaction, error) {
	if t.Event == "" {
		return nil, faults.Validationf("transaction requires an event name")
	}
	err := s.run(ctx, func(st *stores) error {
		return st.txs.Create(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) UpdateTransaction(ctx context.Context, t *transaction.Transaction) (*transaction.Transaction, error) {
	if t.Event == "" {
		return nil, faults.Validationf("transaction requires an event name")
	}
	err := s.run(ctx, func(st *stores) error {
		existing, err := st.txs.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return faults.NotFound("transaction", t.ID)
		}
		return st.txs.Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*transaction.Transaction, error) {
	t, err := s.stores().txs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, faults.NotFound("transaction", id)
	}
	return t, nil
}

func (s *Service) ListTransactions(ctx context.Context) ([]transaction.Transaction, error) {
	return s.stores().txs.List(ctx)
}

func (s *Service) DeleteTransaction(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.run(ctx, func(st *stores) error {
		var err error
		deleted, err = st.txs.Delete(ctx, id)
		return err
	})
	return deleted, err
}

// =============================================================================
// EMAIL PROVIDER
// =============================================================================

// SetEmailProvider replaces the provider singleton.
func (s *Service) SetEmailProvider(ctx context.Context, cfg mailer.ProviderConfig, fromAddress string) (*mailer.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fromAddress == "" {
		return nil, faults.Validationf("fromAddress must not be empty")
	}
	p := &mailer.Provider{Config: cfg, FromAddress: fromAddress}
	err := s.run(ctx, func(st *stores) error {
		return st.mail.Set(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetEmailProvider returns the configured provider, or nil when unset.
func (s *Service) GetEmailProvider(ctx context.Context) (*mailer.Provider, error) {
	return s.stores().mail.Get(ctx)
}
