package outreach

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/lifecycle"
	"github.com/bissquit/outreach-engine/internal/pkg/ctxlog"
	"github.com/bissquit/outreach-engine/internal/pkg/httputil"
	"github.com/bissquit/outreach-engine/internal/quota"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Leads is the lead surface used by the handler.
type Leads interface {
	CreateLead(ctx context.Context, lead *domain.Lead) error
	Get(ctx context.Context, leadID string) (*domain.Lead, error)
	MarkReplied(ctx context.Context, leadID string) (*domain.Lead, error)
}

// FollowupStates returns the per-lead follow-up projection.
type FollowupStates interface {
	State(ctx context.Context, leadID string) (domain.FollowupView, error)
}

// BatchQueries reads and cancels batches.
type BatchQueries interface {
	Get(ctx context.Context, id string) (*domain.Batch, error)
	Active(ctx context.Context) ([]domain.Batch, error)
	Recent(ctx context.Context, limit int) ([]domain.Batch, error)
	Cancel(ctx context.Context, id string) (*domain.Batch, error)
}

// DeadLetterQueries reads the dead-letter queue.
type DeadLetterQueries interface {
	Stats(ctx context.Context) (domain.DeadLetterStats, error)
	ListForLead(ctx context.Context, leadID string) ([]domain.DeadLetterEntry, error)
}

// QuotaStatus reports today's quota.
type QuotaStatus interface {
	Status(ctx context.Context, now time.Time) (quota.Status, error)
}

// BatchRunner starts orchestrator runs.
type BatchRunner interface {
	ProcessLeads(ctx context.Context, ids []string) (*Result, error)
	RunDailyBatch(ctx context.Context) (*Result, error)
	RunSweep(ctx context.Context) (*SweepReport, error)
}

// Handler handles HTTP requests for the outreach module.
type Handler struct {
	runner      BatchRunner
	leads       Leads
	followups   FollowupStates
	batches     BatchQueries
	deadLetters DeadLetterQueries
	quota       QuotaStatus
	validator   *validator.Validate
}

// HandlerDeps groups the handler's collaborators.
type HandlerDeps struct {
	Runner      BatchRunner
	Leads       Leads
	Followups   FollowupStates
	Batches     BatchQueries
	DeadLetters DeadLetterQueries
	Quota       QuotaStatus
}

// NewHandler creates a new outreach handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		runner:      deps.Runner,
		leads:       deps.Leads,
		followups:   deps.Followups,
		batches:     deps.Batches,
		deadLetters: deps.DeadLetters,
		quota:       deps.Quota,
		validator:   validator.New(),
	}
}

// RegisterReadRoutes registers routes available to viewers.
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/leads/{id}", h.GetLead)
	r.Get("/leads/{id}/followups", h.GetFollowups)
	r.Get("/leads/{id}/dead-letters", h.ListLeadDeadLetters)
	r.Get("/batches", h.ListBatches)
	r.Get("/batches/{id}", h.GetBatch)
	r.Get("/dlq/stats", h.GetDeadLetterStats)
	r.Get("/quota", h.GetQuota)
}

// RegisterOperatorRoutes registers routes that change state.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/leads", h.CreateLead)
	r.Post("/leads/{id}/reply", h.MarkReplied)
	r.Post("/outreach/send", h.Send)
	r.Post("/outreach/daily", h.RunDaily)
	r.Post("/outreach/sweep", h.RunSweep)
	r.Post("/batches/{id}/cancel", h.CancelBatch)
}

var errorMappings = []httputil.ErrorMapping{
	{Error: domain.ErrLeadNotFound, Status: http.StatusNotFound},
	{Error: domain.ErrBatchNotFound, Status: http.StatusNotFound},
	{Error: domain.ErrDuplicateLead, Status: http.StatusConflict},
	{Error: domain.ErrBatchNotRunning, Status: http.StatusConflict},
	{Error: domain.ErrStatusConflict, Status: http.StatusConflict, Message: "lead changed concurrently, retry"},
	{Error: lifecycle.ErrIllegalTransition, Status: http.StatusConflict},
	{Error: ErrDailyBatchNotAllowed, Status: http.StatusConflict},
	{Error: ErrNoLeads, Status: http.StatusBadRequest},
	{Error: ErrTooManyLeads, Status: http.StatusBadRequest},
}

// CreateLeadRequest represents the request body for ingesting a lead.
type CreateLeadRequest struct {
	Email       string `json:"email" validate:"required,email,max=320"`
	Name        string `json:"name" validate:"max=255"`
	Title       string `json:"title" validate:"max=255"`
	CompanyName string `json:"company_name" validate:"required,min=1,max=255"`
	Website     string `json:"website" validate:"omitempty,max=2048"`
	Industry    string `json:"industry" validate:"max=255"`
	Country     string `json:"country" validate:"max=100"`
	Verified    bool   `json:"verified"`
}

// ToDomain converts the request to a domain model.
func (r *CreateLeadRequest) ToDomain() *domain.Lead {
	return &domain.Lead{
		Email:       r.Email,
		Name:        r.Name,
		Title:       r.Title,
		CompanyName: r.CompanyName,
		Website:     r.Website,
		Industry:    r.Industry,
		Country:     r.Country,
		Verified:    r.Verified,
	}
}

// SendRequest represents the request body for a manual outreach batch.
type SendRequest struct {
	LeadIDs []string `json:"lead_ids" validate:"required,min=1,max=500,dive,required,uuid"`
}

// BatchResponse is a batch with its progress percentage.
type BatchResponse struct {
	domain.Batch
	Progress float64 `json:"progress"`
}

func newBatchResponse(b *domain.Batch) BatchResponse {
	return BatchResponse{Batch: *b, Progress: b.Progress()}
}

// CreateLead handles POST /leads.
func (h *Handler) CreateLead(w http.ResponseWriter, r *http.Request) {
	var req CreateLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	lead := req.ToDomain()
	if err := h.leads.CreateLead(r.Context(), lead); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, lead)
}

// GetLead handles GET /leads/{id}.
func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := h.leads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, lead)
}

// GetFollowups handles GET /leads/{id}/followups.
func (h *Handler) GetFollowups(w http.ResponseWriter, r *http.Request) {
	view, err := h.followups.State(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, view)
}

// ListLeadDeadLetters handles GET /leads/{id}/dead-letters.
func (h *Handler) ListLeadDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deadLetters.ListForLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if entries == nil {
		entries = []domain.DeadLetterEntry{}
	}
	httputil.Success(w, http.StatusOK, entries)
}

// MarkReplied handles POST /leads/{id}/reply.
func (h *Handler) MarkReplied(w http.ResponseWriter, r *http.Request) {
	lead, err := h.leads.MarkReplied(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	ctxlog.FromContext(r.Context()).Info("reply recorded",
		"lead_id", lead.ID,
		"operator", httputil.GetUserID(r.Context()),
	)
	httputil.Success(w, http.StatusOK, lead)
}

// Send handles POST /outreach/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.runner.ProcessLeads(r.Context(), req.LeadIDs)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, result)
}

// RunDaily handles POST /outreach/daily.
func (h *Handler) RunDaily(w http.ResponseWriter, r *http.Request) {
	result, err := h.runner.RunDailyBatch(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, result)
}

// RunSweep handles POST /outreach/sweep.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.RunSweep(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, report)
}

// ListBatches handles GET /batches.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	var (
		batches []domain.Batch
		err     error
	)

	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		batches, err = h.batches.Active(r.Context())
	} else {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 1 {
				httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
		}
		batches, err = h.batches.Recent(r.Context(), limit)
	}
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	out := make([]BatchResponse, 0, len(batches))
	for i := range batches {
		out = append(out, newBatchResponse(&batches[i]))
	}
	httputil.Success(w, http.StatusOK, out)
}

// GetBatch handles GET /batches/{id}.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, newBatchResponse(b))
}

// CancelBatch handles POST /batches/{id}/cancel.
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	ctxlog.FromContext(r.Context()).Info("batch cancelled",
		"batch_id", b.ID,
		"operator", httputil.GetUserID(r.Context()),
	)
	httputil.Success(w, http.StatusOK, newBatchResponse(b))
}

// GetDeadLetterStats handles GET /dlq/stats.
func (h *Handler) GetDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deadLetters.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// GetQuota handles GET /quota.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	status, err := h.quota.Status(r.Context(), time.Now())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, status)
}

