package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/segflow/segflow/internal/campaign"
	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/ingress"
	"github.com/segflow/segflow/internal/mailer"
	"github.com/segflow/segflow/internal/pkg/httputil"
	"github.com/segflow/segflow/internal/reconcile"
	"github.com/segflow/segflow/internal/segmentation"
	"github.com/segflow/segflow/internal/template"
	"github.com/segflow/segflow/internal/transaction"
	"github.com/segflow/segflow/internal/users"
)

// Handlers carries the dependencies every endpoint needs.
type Handlers struct {
	db         *sql.DB
	svc        *ingress.Service
	reconciler *reconcile.Reconciler
}

// NewHandlers creates the handler set.
func NewHandlers(db *sql.DB, svc *ingress.Service, reconciler *reconcile.Reconciler) *Handlers {
	return &Handlers{db: db, svc: svc, reconciler: reconciler}
}

type attributesRequest struct {
	Attributes map[string]interface{} `json:"attributes"`
}

type segmentRequest struct {
	Evaluator string `json:"evaluator"`
}

type campaignRequest struct {
	Flow            string   `json:"flow"`
	Behavior        string   `json:"behavior"`
	Segments        []string `json:"segments"`
	ExcludeSegments []string `json:"excludeSegments"`
}

type templateRequest struct {
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Preamble string `json:"preamble"`
}

type transactionRequest struct {
	Event    string `json:"event"`
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Preamble string `json:"preamble"`
}

type providerRequest struct {
	Config      mailer.ProviderConfig `json:"config"`
	FromAddress string                `json:"fromAddress"`
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports process liveness and database reachability.
//
//	GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	database := "up"
	if err := h.db.PingContext(ctx); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		database = "down"
	}
	httputil.JSON(w, code, map[string]interface{}{
		"status": status,
		"checks": map[string]string{"database": database},
	})
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser creates a user and enrolls them in everything they match.
//
//	POST /api/user/{id}
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req attributesRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	u, err := h.svc.CreateUser(r.Context(), chi.URLParam(r, "id"), req.Attributes)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, u)
}

// UpdateUser shallow-merges attributes into the user document.
//
//	PATCH /api/user/{id}
func (h *Handlers) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req attributesRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	u, err := h.svc.UpdateUser(r.Context(), chi.URLParam(r, "id"), req.Attributes)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, u)
}

//	GET /api/user/{id}
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, u)
}

//	DELETE /api/user/{id}
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.svc.DeleteUser(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !deleted {
		httputil.WriteError(w, faults.NotFound("user", id))
		return
	}
	httputil.Success(w, true)
}

// EmitEvent records an event and runs the triggered reevaluations. The body
// is optional; a missing one means the event carries no attributes.
//
//	POST /api/user/{id}/event/{name}
func (h *Handlers) EmitEvent(w http.ResponseWriter, r *http.Request) {
	var req attributesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ev, err := h.svc.EmitEvent(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"), req.Attributes)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, ev)
}

//	GET /api/user/{id}/event
func (h *Handlers) ListUserEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.UserEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if events == nil {
		events = []users.Event{}
	}
	httputil.Success(w, events)
}

//	GET /api/user/{id}/segment
func (h *Handlers) ListUserSegments(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.UserSegments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	httputil.Success(w, ids)
}

// =============================================================================
// SEGMENTS
// =============================================================================

//	GET /api/segment
func (h *Handlers) ListSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := h.svc.ListSegments(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if segments == nil {
		segments = []segmentation.Segment{}
	}
	httputil.Success(w, segments)
}

// CreateSegment stores the evaluator and evaluates it against everyone.
//
//	POST /api/segment/{id}
func (h *Handlers) CreateSegment(w http.ResponseWriter, r *http.Request) {
	var req segmentRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	seg, err := h.svc.CreateSegment(r.Context(), chi.URLParam(r, "id"), req.Evaluator)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, seg)
}

//	PATCH /api/segment/{id}
func (h *Handlers) UpdateSegment(w http.ResponseWriter, r *http.Request) {
	var req segmentRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	seg, err := h.svc.UpdateSegment(r.Context(), chi.URLParam(r, "id"), req.Evaluator)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, seg)
}

//	GET /api/segment/{id}
func (h *Handlers) GetSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := h.svc.GetSegment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, seg)
}

//	DELETE /api/segment/{id}
func (h *Handlers) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.svc.DeleteSegment(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !deleted {
		httputil.WriteError(w, faults.NotFound("segment", id))
		return
	}
	httputil.Success(w, true)
}

//	GET /api/segment/{id}/user
func (h *Handlers) ListSegmentMembers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.SegmentMembers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	httputil.Success(w, ids)
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

//	GET /api/campaign
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.svc.ListCampaigns(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []campaign.Campaign{}
	}
	httputil.Success(w, campaigns)
}

// CreateCampaign validates the flow and segment references, stores the
// campaign, and enrolls every matching user.
//
//	POST /api/campaign/{id}
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	c, err := h.svc.CreateCampaign(r.Context(), &campaign.Campaign{
		ID:              chi.URLParam(r, "id"),
		Flow:            req.Flow,
		Behavior:        campaign.Behavior(req.Behavior),
		Segments:        req.Segments,
		ExcludeSegments: req.ExcludeSegments,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, c)
}

//	GET /api/campaign/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, c)
}

// DeleteCampaign terminates the campaign's executions and removes it.
//
//	DELETE /api/campaign/{id}
func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.svc.DeleteCampaign(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !deleted {
		httputil.WriteError(w, faults.NotFound("campaign", id))
		return
	}
	httputil.Success(w, true)
}

// =============================================================================
// TEMPLATES
// =============================================================================

//	GET /api/template
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.svc.ListTemplates(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if templates == nil {
		templates = []template.Template{}
	}
	httputil.Success(w, templates)
}

//	POST /api/template/{id}
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	t, err := h.svc.CreateTemplate(r.Context(), &template.Template{
		ID:       chi.URLParam(r, "id"),
		Subject:  req.Subject,
		HTML:     req.HTML,
		Preamble: req.Preamble,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, t)
}

//	PATCH /api/template/{id}
func (h *Handlers) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	t, err := h.svc.UpdateTemplate(r.Context(), &template.Template{
		ID:       chi.URLParam(r, "id"),
		Subject:  req.Subject,
		HTML:     req.HTML,
		Preamble: req.Preamble,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, t)
}

//	GET /api/template/{id}
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, t)
}

//	DELETE /api/template/{id}
func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.svc.DeleteTemplate(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !deleted {
		httputil.WriteError(w, faults.NotFound("template", id))
		return
	}
	httputil.Success(w, true)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

//	GET /api/transaction
func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.svc.ListTransactions(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if txs == nil {
		txs = []transaction.Transaction{}
	}
	httputil.Success(w, txs)
}

//	POST /api/transaction/{id}
func (h *Handlers) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	t, err := h.svc.CreateTransaction(r.Context(), &transaction.Transaction{
		ID:       chi.URLParam(r, "id"),
		Event:    req.Event,
		Subject:  req.Subject,
		HTML:     req.HTML,
		Preamble: req.Preamble,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, t)
}

//	PATCH /api/transaction/{id}
func (h *Handlers) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	t, err := h.svc.UpdateTransaction(r.Context(), &transaction.Transaction{
		ID:       chi.URLParam(r, "id"),
		Event:    req.Event,
		Subject:  req.Subject,
		HTML:     req.HTML,
		Preamble: req.Preamble,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, t)
}

//	GET /api/transaction/{id}
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, t)
}

//	DELETE /api/transaction/{id}
func (h *Handlers) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.svc.DeleteTransaction(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !deleted {
		httputil.WriteError(w, faults.NotFound("transaction", id))
		return
	}
	httputil.Success(w, true)
}

// =============================================================================
// EMAIL PROVIDER
// =============================================================================

// SetEmailProvider replaces the provider singleton. The response carries the
// stored provider with its secrets redacted.
//
//	POST /api/email/config
func (h *Handlers) SetEmailProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	p, err := h.svc.SetEmailProvider(r.Context(), req.Config, req.FromAddress)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, mailer.Provider{Config: p.Config.Redacted(), FromAddress: p.FromAddress})
}

//	GET /api/email/config
func (h *Handlers) GetEmailProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetEmailProvider(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if p == nil {
		httputil.Success(w, nil)
		return
	}
	httputil.Success(w, mailer.Provider{Config: p.Config.Redacted(), FromAddress: p.FromAddress})
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// PushConfig reconciles a whole configuration document against the last
// accepted one.
//
//	POST /api/config
func (h *Handlers) PushConfig(w http.ResponseWriter, r *http.Request) {
	var doc reconcile.Document
	if !httputil.Decode(w, r, &doc) {
		return
	}
	res, err := h.reconciler.Push(r.Context(), &doc)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if res.Operations == 0 {
		httputil.Success(w, "no changes")
		return
	}
	httputil.Success(w, res)
}

// GetConfig returns the last accepted configuration, provider secrets
// redacted, or null when nothing has been pushed.
//
//	GET /api/config
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := h.reconciler.Current(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Success(w, doc)
}
