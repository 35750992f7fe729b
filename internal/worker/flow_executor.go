// Package worker runs campaign flows. A single periodic tick claims every
// execution whose wake-up time has passed and advances each one by exactly
// one step, so a (user, campaign) pair is never stepped concurrently.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segflow/segflow/internal/campaign"
	"github.com/segflow/segflow/internal/config"
	"github.com/segflow/segflow/internal/execution"
	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/pkg/logger"
	"github.com/segflow/segflow/internal/sandbox"
	"github.com/segflow/segflow/internal/segmentation"
	"github.com/segflow/segflow/internal/template"
	"github.com/segflow/segflow/internal/users"
)

// EmailSender delivers a rendered email to a single recipient.
type EmailSender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// FlowExecutor advances due campaign executions.
type FlowExecutor struct {
	db           *sql.DB
	sender       EmailSender
	tickInterval time.Duration
	claimLimit   int

	execs     *execution.Store
	campaigns *campaign.Store
	users     *users.Store
	templates *template.Store
	resolver  *campaign.Resolver
	evaluator *segmentation.Evaluator

	// now is replaceable for deterministic wait arithmetic in tests.
	now func() time.Time

	// Stats
	totalProcessed int64
	totalFailed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewFlowExecutor(db *sql.DB, sender EmailSender, cfg config.ExecutorConfig) *FlowExecutor {
	return &FlowExecutor{
		db:           db,
		sender:       sender,
		tickInterval: cfg.TickInterval(),
		claimLimit:   cfg.ClaimLimit,
		execs:        execution.NewStore(db),
		campaigns:    campaign.NewStore(db),
		users:        users.NewStore(db),
		templates:    template.NewStore(db),
		resolver:     campaign.NewResolver(db),
		evaluator:    segmentation.NewEvaluator(db),
		now:          time.Now,
	}
}

// Start begins the tick loop.
func (e *FlowExecutor) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	logger.Info("flow executor starting", "tick", e.tickInterval)

	e.wg.Add(1)
	go e.loop()
}

// Stop cancels the tick loop and waits for the in-flight tick to finish.
func (e *FlowExecutor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("flow executor stop timed out")
	}

	logger.Info("flow executor stopped",
		"processed", atomic.LoadInt64(&e.totalProcessed),
		"failed", atomic.LoadInt64(&e.totalFailed))
}

// Stats returns cumulative step counters.
func (e *FlowExecutor) Stats() map[string]int64 {
	return map[string]int64{
		"processed": atomic.LoadInt64(&e.totalProcessed),
		"failed":    atomic.LoadInt64(&e.totalFailed),
	}
}

func (e *FlowExecutor) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Tick claims every due execution and advances each one step. The claim and
// all row advances share one transaction; rows locked by a concurrent tick
// are skipped entirely.
func (e *FlowExecutor) Tick(ctx context.Context) error {
	now := e.now()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick: %w", err)
	}
	defer tx.Rollback()

	execs := e.execs.WithTx(tx)
	claimed, err := execs.ClaimDue(ctx, now, e.claimLimit)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return tx.Commit()
	}

	for _, claim := range claimed {
		if err := e.advance(ctx, tx, now, claim); err != nil {
			atomic.AddInt64(&e.totalFailed, 1)
			logger.Warn("execution step failed",
				"user", claim.UserID, "campaign", claim.CampaignID, "error", err)
			if ferr := execs.Fail(ctx, claim.UserID, claim.CampaignID, err.Error()); ferr != nil {
				return ferr
			}
			continue
		}
		atomic.AddInt64(&e.totalProcessed, 1)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tick: %w", err)
	}
	logger.Debug("tick complete", "claimed", len(claimed),
		"processed", atomic.LoadInt64(&e.totalProcessed),
		"failed", atomic.LoadInt64(&e.totalFailed))
	return nil
}

// advance runs one step of one execution. Any returned error fails the row
// with the error text as the execution's message.
func (e *FlowExecutor) advance(ctx context.Context, tx *sql.Tx, now time.Time, claim execution.Claimed) error {
	execs := e.execs.WithTx(tx)
	userStore := e.users.WithTx(tx)
	resolver := e.resolver.WithTx(tx)

	c, err := e.campaigns.WithTx(tx).Get(ctx, claim.CampaignID)
	if err != nil {
		return err
	}
	if c == nil {
		return faults.NotFound("campaign", claim.CampaignID)
	}
	u, err := userStore.Get(ctx, claim.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		return faults.NotFound("user", claim.UserID)
	}

	// Rebuild the attribute timeline: one state per already-taken step, then
	// the user's current attributes for the step about to run.
	var (
		stepIndex  int
		attrStates []map[string]interface{}
	)
	switch claim.Status {
	case execution.StatusPending:
		stepIndex = 0
		attrStates = []map[string]interface{}{u.Attributes}
	case execution.StatusSleeping:
		history, err := execs.History(ctx, claim.UserID, claim.CampaignID)
		if err != nil {
			return err
		}
		attrStates = make([]map[string]interface{}, 0, len(history)+1)
		for _, h := range history {
			attrStates = append(attrStates, h.Attributes)
		}
		attrStates = append(attrStates, u.Attributes)
		stepIndex = len(history)
	default:
		return fmt.Errorf("claimed execution has status %s", claim.Status)
	}

	// A dynamic campaign stops stepping users that no longer match, but only
	// once the flow is mid-stream; step zero always runs.
	if c.Behavior == campaign.BehaviorDynamic && stepIndex > 0 {
		ok, err := resolver.MatchesUser(ctx, claim.UserID, c)
		if err != nil {
			return err
		}
		if !ok {
			return execs.Terminate(ctx, claim.UserID, claim.CampaignID, execution.ReasonNoLongerMatches)
		}
	}

	// The attributes this step starts from are recorded before stepping so a
	// crash mid-step replays with identical inputs.
	if err := execs.AppendHistory(ctx, claim.UserID, claim.CampaignID, stepIndex, u.Attributes); err != nil {
		return err
	}

	result, err := sandbox.StepFlow(c.Flow, attrStates, stepIndex)
	if err != nil {
		return err
	}

	// Write back attribute mutations made by the flow and let segment and
	// campaign membership catch up before the command runs.
	if result.Attributes != nil && !reflect.DeepEqual(result.Attributes, u.Attributes) {
		u.Attributes = result.Attributes
		if err := userStore.Update(ctx, claim.UserID, u.Attributes); err != nil {
			return err
		}
		if _, err := e.evaluator.WithTx(tx).EvaluateForUser(ctx, claim.UserID); err != nil {
			return err
		}
		if _, err := resolver.ReevaluateForUser(ctx, claim.UserID); err != nil {
			return err
		}
	}

	if result.Done {
		return execs.Complete(ctx, claim.UserID, claim.CampaignID)
	}
	if result.Command == nil {
		return errors.New("Generator yielded undefined")
	}

	// The flow may have just mutated attributes out of the campaign.
	if c.Behavior == campaign.BehaviorDynamic {
		ok, err := resolver.MatchesUser(ctx, claim.UserID, c)
		if err != nil {
			return err
		}
		if !ok {
			return execs.Terminate(ctx, claim.UserID, claim.CampaignID, execution.ReasonNoLongerMatches)
		}
	}

	return e.runCommand(ctx, tx, now, claim, u, result.Command)
}

func (e *FlowExecutor) runCommand(ctx context.Context, tx *sql.Tx, now time.Time, claim execution.Claimed, u *users.User, cmd *sandbox.Command) error {
	execs := e.execs.WithTx(tx)

	switch cmd.Type {
	case sandbox.CommandWait:
		until := now.Add(cmd.Duration.Duration())
		return execs.SleepUntil(ctx, claim.UserID, claim.CampaignID, until)

	case sandbox.CommandSendEmail:
		tpl, err := e.templates.WithTx(tx).Get(ctx, cmd.TemplateID)
		if err != nil {
			return err
		}
		if tpl == nil {
			return faults.NotFound("template", cmd.TemplateID)
		}
		to, err := u.Email()
		if err != nil {
			return err
		}
		subject, err := sandbox.EvalUserExpr(tpl.Subject, u.Attributes)
		if err != nil {
			return err
		}
		html, err := sandbox.RenderTemplate(tpl.HTML, tpl.Preamble, map[string]map[string]interface{}{
			"user": u.Attributes,
		})
		if err != nil {
			return err
		}
		if err := e.sender.Send(ctx, to, subject, html); err != nil {
			return err
		}
		// Due again immediately; the next tick advances past the send.
		return execs.SleepUntil(ctx, claim.UserID, claim.CampaignID, now)

	case sandbox.CommandSendSMS:
		return faults.NotImplemented("SMS sending")

	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
