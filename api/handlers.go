/*
handlers.go - HTTP API handlers for the dues engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to billing.Engine.

ENDPOINTS:
  Triggers:
    POST   /api/payments/allocate       Apply a completed payment
    POST   /api/jobs/rollover           Close ended months, open current, freeze sweep
    POST   /api/jobs/delinquency        Freeze sweep only
    POST   /api/jobs/suspensions        Non-payment suspension sweep
    POST   /api/jobs/reconcile          Recompute cached totals
    GET    /api/jobs/runs               Rollover run log

  Members:
    GET    /api/members/{id}            Member detail
    GET    /api/members/{id}/balances   Monthly ledger rows
    GET    /api/members/{id}/audit      Ledger audit history
    POST   /api/members/{id}/unfreeze   Unfreeze if fully settled

REQUEST FLOW:
  1. Decode JSON body (empty body allowed for jobs)
  2. Validate with validator/v10 tags
  3. Call the engine
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Member, tab or balance not found
  - 409: Conflict (invalid transition, concurrent modification)
  - 503: Allocation lock held elsewhere, retry later
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Run behind the platform gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Seeder writes the records the engine only reads: members, tabs and
// payments. Optional; without it payments must already be recorded by the
// payment processor and scenarios are unavailable.
type Seeder interface {
	SaveMember(ctx context.Context, m billing.Member) error
	SaveTab(ctx context.Context, t billing.PaymentTab) error
	RecordPayment(ctx context.Context, p billing.Payment) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	Seeder Seeder
	Log    *logrus.Entry

	validate *validator.Validate
	now      func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *billing.Engine, seeder Seeder, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		Engine:   engine,
		Seeder:   seeder,
		Log:      log.WithField("component", "api"),
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) clock() time.Time {
	if h.now == nil {
		return time.Now().UTC()
	}
	return h.now()
}

// Health reports liveness and, when the store supports it, database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Engine.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PAYMENT TRIGGER
// =============================================================================

// AllocatePayment applies a completed payment to the member's ledger.
// POST /api/payments/allocate
func (h *Handler) AllocatePayment(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	paidAt, err := h.parseNow(req.PaidAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paid_at (use RFC3339)", err)
		return
	}

	in := billing.AllocateInput{
		MemberID:       billing.MemberID(req.MemberID),
		TabID:          billing.TabID(req.TabID),
		PaymentID:      billing.PaymentID(req.PaymentID),
		OrganizationID: billing.OrganizationID(req.OrganizationID),
		Amount:         amount,
		At:             paidAt,
	}
	if err := in.Validate(); err != nil {
		h.writeEngineError(w, "Invalid payment", err)
		return
	}

	if h.Seeder != nil {
		// Only record payments that belong to a real tab of the member.
		tab, err := h.Engine.Store.GetTab(r.Context(), in.TabID)
		if err != nil {
			h.writeEngineError(w, "Failed to allocate payment", err)
			return
		}
		if tab.MemberID != in.MemberID {
			writeError(w, http.StatusBadRequest, "Invalid payment", &billing.ValidationError{Field: "tab_id", Message: "tab does not belong to member"})
			return
		}
		err = h.Seeder.RecordPayment(r.Context(), billing.Payment{
			ID:        in.PaymentID,
			MemberID:  in.MemberID,
			TabID:     in.TabID,
			Amount:    in.Amount,
			Status:    billing.PaymentCompleted,
			CreatedAt: paidAt,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to record payment", err)
			return
		}
	}

	result, err := h.Engine.Allocate(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, "Failed to allocate payment", err)
		return
	}

	writeJSON(w, http.StatusOK, toAllocationResultDTO(result))
}

// =============================================================================
// JOB TRIGGERS
// =============================================================================

// TriggerRollover runs the monthly rollover for the current (or given) day.
// POST /api/jobs/rollover
func (h *Handler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	now, ok := h.jobTime(w, r)
	if !ok {
		return
	}

	result, err := h.Engine.RunMonthlyRollover(r.Context(), now)
	if err != nil {
		h.writeEngineError(w, "Rollover failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRolloverResultDTO(result))
}

// TriggerDelinquencySweep runs the freeze sweep on its own.
// POST /api/jobs/delinquency
func (h *Handler) TriggerDelinquencySweep(w http.ResponseWriter, r *http.Request) {
	now, ok := h.jobTime(w, r)
	if !ok {
		return
	}

	result, err := h.Engine.SweepDelinquency(r.Context(), now)
	if err != nil {
		h.writeEngineError(w, "Delinquency sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toFreezeResultDTO(result))
}

// TriggerSuspensions runs the non-payment suspension sweep.
// POST /api/jobs/suspensions
func (h *Handler) TriggerSuspensions(w http.ResponseWriter, r *http.Request) {
	now, ok := h.jobTime(w, r)
	if !ok {
		return
	}

	result, err := h.Engine.SweepSuspensions(r.Context(), now)
	if err != nil {
		h.writeEngineError(w, "Suspension sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSuspensionResultDTO(result))
}

// TriggerReconcile recomputes cached totals.
// POST /api/jobs/reconcile
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	now, err := h.parseNow(req.Now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid now (use RFC3339)", err)
		return
	}

	result, err := h.Engine.Reconcile(r.Context(), billing.MemberID(req.MemberID), now)
	if err != nil {
		h.writeEngineError(w, "Reconcile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResultDTO(result))
}

// ListRolloverRuns returns the most recent rollover runs.
// GET /api/jobs/runs?limit=20
func (h *Handler) ListRolloverRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Engine.Store.ListRolloverRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RolloverRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRolloverRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// GetMember returns a single member.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id := billing.MemberID(chi.URLParam(r, "id"))

	m, err := h.Engine.Store.GetMember(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get member", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*m))
}

// ListBalances returns the member's ledger rows, oldest month first.
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	id := billing.MemberID(chi.URLParam(r, "id"))

	if _, err := h.Engine.Store.GetMember(r.Context(), id); err != nil {
		h.writeEngineError(w, "Failed to get member", err)
		return
	}
	rows, err := h.Engine.Store.ListBalancesByMember(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list balances", err)
		return
	}

	dtos := make([]BalanceDTO, len(rows))
	for i, b := range rows {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListAudit returns the member's ledger audit history.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id := billing.MemberID(chi.URLParam(r, "id"))

	if _, err := h.Engine.Store.GetMember(r.Context(), id); err != nil {
		h.writeEngineError(w, "Failed to get member", err)
		return
	}
	entries, err := h.Engine.Store.ListAudit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UnfreezeMember reactivates a frozen member with no unsettled balances.
// A member who still owes stays frozen; the response says so.
func (h *Handler) UnfreezeMember(w http.ResponseWriter, r *http.Request) {
	id := billing.MemberID(chi.URLParam(r, "id"))

	unfrozen, err := h.Engine.TryUnfreeze(r.Context(), id, h.clock())
	if err != nil {
		h.writeEngineError(w, "Failed to unfreeze member", err)
		return
	}
	m, err := h.Engine.Store.GetMember(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get member", err)
		return
	}

	writeJSON(w, http.StatusOK, UnfreezeDTO{
		MemberID: string(id),
		Unfrozen: unfrozen,
		Status:   string(m.Status),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. With allowEmpty an absent body
// leaves v at its zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) jobTime(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	var req JobRequest
	if !h.decode(w, r, &req, true) {
		return time.Time{}, false
	}
	now, err := h.parseNow(req.Now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid now (use RFC3339)", err)
		return time.Time{}, false
	}
	return now, true
}

func (h *Handler) parseNow(s string) (time.Time, error) {
	if s == "" {
		return h.clock(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// writeEngineError maps billing errors to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, billing.ErrLockNotObtained):
		writeError(w, http.StatusServiceUnavailable, message, err)
	case errors.Is(err, billing.ErrInvalidTransition), errors.Is(err, billing.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.Log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
