/*
handlers.go - HTTP API handlers for the bonus ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response
  and JSON serialization and delegates to ledger.Engine.

ENDPOINTS:
  Customers:
    POST   /api/customers                   Register or refresh a customer
    GET    /api/customers?phone=...         Look up by phone
    GET    /api/customers/{id}              Customer details
    POST   /api/customers/{id}/profile      Complete profile (+ welcome bonus)

  Ledger:
    POST   /api/customers/{id}/accruals     Cashback for a purchase
    POST   /api/customers/{id}/deductions   Redeem points (FIFO by expiry)
    GET    /api/customers/{id}/balance      Live balance summary
    GET    /api/customers/{id}/entries      Entry history

  Admin:
    GET    /api/admin/jobs                  Job triggers and last runs
    POST   /api/admin/jobs/{name}/run       Run a job now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, repeated one-time actions, unknown job
  - 404: Customer not found
  - 503: Store failure (the operation was rolled back; safe to retry)
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/warp/bonus-ledger/ledger"
)

// Pinger is implemented by stores that can report database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Scheduler *JobScheduler
	Health    Pinger
	Log       zerolog.Logger
}

// NewHandler creates a handler around engine. scheduler may be nil when
// scheduled jobs are disabled; manual runs then go straight to the engine.
func NewHandler(engine *ledger.Engine, scheduler *JobScheduler) *Handler {
	h := &Handler{Engine: engine, Scheduler: scheduler, Log: engine.Log}
	if p, ok := engine.Store.(Pinger); ok {
		h.Health = p
	}
	return h
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// UpsertCustomer registers a customer or refreshes their chat identity.
func (h *Handler) UpsertCustomer(w http.ResponseWriter, r *http.Request) {
	var req UpsertCustomerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer", nil)
		return
	}

	ctx := r.Context()
	err := h.Engine.UpsertCustomer(ctx, ledger.Customer{
		ID:        ledger.CustomerID(req.ID),
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to save customer", err)
		return
	}

	c, err := h.Engine.Customer(ctx, ledger.CustomerID(req.ID))
	if err != nil {
		h.writeEngineError(w, r, "Failed to load customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// GetCustomer returns a single customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}
	c, err := h.Engine.Customer(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// FindCustomer looks a customer up by phone.
func (h *Handler) FindCustomer(w http.ResponseWriter, r *http.Request) {
	phone := strings.TrimSpace(r.URL.Query().Get("phone"))
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone query parameter is required", nil)
		return
	}
	c, err := h.Engine.CustomerByPhone(r.Context(), phone)
	if err != nil {
		h.writeEngineError(w, r, "Failed to find customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// CompleteProfile stores personal data and grants the welcome bonus.
func (h *Handler) CompleteProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}
	var req ProfileRequest
	if !decode(w, r, &req) {
		return
	}
	if err := validateProfile(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid profile", err)
		return
	}

	ctx := r.Context()
	if err := h.Engine.CompleteProfile(ctx, id, req.toProfile()); err != nil {
		h.writeEngineError(w, r, "Failed to complete profile", err)
		return
	}
	c, err := h.Engine.Customer(ctx, id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to load customer", err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{Customer: toCustomerDTO(c), BonusGranted: h.Engine.WelcomeBonus})
}

func validateProfile(p ProfileRequest) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if p.Birthday != "" {
		if _, err := time.Parse("02.01.2006", p.Birthday); err != nil {
			return fmt.Errorf("birthday must be DD.MM.YYYY: %w", err)
		}
	}
	if p.Gender != "" && p.Gender != "m" && p.Gender != "f" {
		return fmt.Errorf("gender must be \"m\" or \"f\", got %q", p.Gender)
	}
	if p.Email != "" && !strings.Contains(p.Email, "@") {
		return fmt.Errorf("invalid email %q", p.Email)
	}
	return nil
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// Accrue grants cashback for a purchase.
func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}
	var req AccrualRequest
	if !decode(w, r, &req) {
		return
	}

	credit, err := h.Engine.Accrue(r.Context(), id, req.PurchaseAmount, req.ExpireDays)
	if err != nil {
		h.writeEngineError(w, r, "Failed to accrue cashback", err)
		return
	}
	writeJSON(w, http.StatusCreated, AccrualResponse{Credit: credit})
}

// Deduct redeems points. A partial deduction is a 200 with partial=true.
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}
	var req DeductionRequest
	if !decode(w, r, &req) {
		return
	}

	d, err := h.Engine.Deduct(r.Context(), id, req.Amount)
	if err != nil {
		h.writeEngineError(w, r, "Failed to deduct bonus", err)
		return
	}
	writeJSON(w, http.StatusOK, DeductionResponse{
		Requested: d.Requested,
		Deducted:  d.Deducted,
		Partial:   d.Partial(),
	})
}

// GetBalance returns the live balance summary.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}
	b, err := h.Engine.GetBalance(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetEntries returns every stored entry of the customer.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := h.Engine.Customer(ctx, id); err != nil {
		h.writeEngineError(w, r, "Failed to get customer", err)
		return
	}
	entries, err := h.Engine.Entries(ctx, id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries, h.Engine.Now()))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListCustomerIDs returns every registered customer id.
func (h *Handler) ListCustomerIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Engine.CustomerIDs(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to list customers", err)
		return
	}
	resp := CustomerIDsResponse{IDs: make([]int64, len(ids)), Count: len(ids)}
	for i, id := range ids {
		resp.IDs[i] = int64(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteCustomer removes a customer and their entries.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}
	if err := h.Engine.DeleteCustomer(r.Context(), id); err != nil {
		h.writeEngineError(w, r, "Failed to delete customer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJobs returns each job's trigger and last run.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []JobStatus
	if h.Scheduler != nil {
		statuses = h.Scheduler.Statuses()
	} else {
		for _, j := range ledger.Jobs() {
			statuses = append(statuses, JobStatus{Job: j})
		}
	}

	dtos := make([]JobStatusDTO, len(statuses))
	for i, st := range statuses {
		dtos[i] = JobStatusDTO{Name: string(st.Job), Schedule: st.Schedule, NextRun: formatTime(st.NextRun)}
		if st.LastRun != nil {
			run := toJobRunDTO(*st.LastRun)
			dtos[i].LastRun = &run
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunJob triggers a maintenance job immediately.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if h.Scheduler != nil {
		run, err := h.Scheduler.RunNow(r.Context(), name)
		if err != nil {
			h.writeEngineError(w, r, "Job failed", err)
			return
		}
		writeJSON(w, http.StatusOK, toJobRunDTO(run))
		return
	}

	res, err := h.Engine.RunJob(r.Context(), ledger.Job(name))
	if err != nil {
		h.writeEngineError(w, r, "Job failed", err)
		return
	}
	writeJSON(w, http.StatusOK, JobRunDTO{
		RunID:      middleware.GetReqID(r.Context()),
		Job:        string(res.Job),
		Trigger:    TriggerManual,
		Affected:   res.Affected,
		StartedAt:  formatTime(res.StartedAt),
		FinishedAt: formatTime(res.FinishedAt),
	})
}

// Healthz reports whether the store answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func customerID(w http.ResponseWriter, r *http.Request) (ledger.CustomerID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid customer id", fmt.Errorf("%q is not a positive integer", raw))
		return 0, false
	}
	return ledger.CustomerID(id), true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// writeEngineError maps the ledger error taxonomy onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case ledger.IsClientError(err):
		status = http.StatusBadRequest
	case ledger.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logFor(r, h.Log).Error().Err(err).Int("status", status).Msg(message)
	}
	writeError(w, status, message, err)
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
