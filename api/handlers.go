/*
handlers.go - HTTP API handlers for the recurring-charge engine

PURPOSE:
  Exposes the detection engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Owners:
    POST   /api/owners/{id}/transactions   Ingest synced transactions + run detection
    POST   /api/owners/{id}/detect         Re-run detection over stored history
    GET    /api/owners/{id}/subscriptions  List detected subscriptions
    GET    /api/owners/{id}/savings        Savings projection + monthly ledger

  Subscriptions:
    GET    /api/subscriptions/{id}               Detail with charge history
    DELETE /api/subscriptions/{id}               Explicit owner removal
    POST   /api/subscriptions/{id}/decision      Record keep/reduce/cancel
    GET    /api/subscriptions/{id}/decisions     Decision history
    GET    /api/subscriptions/{id}/alternatives  Cached AI alternatives

TIME:
  Detection never reads the wall clock for domain math. Every mutating
  endpoint accepts an as_of date (query param or body field) and falls
  back to today only at this boundary.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, rejected decisions
  - 404: Subscription not found
  - 409: Duplicate subscription cluster
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/spendwise/recurring-engine/engine"
	"github.com/spendwise/recurring-engine/recurring"
	"github.com/spendwise/recurring-engine/suggest"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       recurring.TxStore
	Engine      *engine.Engine
	Suggestions *suggest.Cache

	// now supplies the fallback as-of date; replaced in tests.
	now func() time.Time
}

// NewHandler creates a new handler over the store and engine.
func NewHandler(store recurring.TxStore, eng *engine.Engine, cache *suggest.Cache) *Handler {
	return &Handler{
		Store:       store,
		Engine:      eng,
		Suggestions: cache,
		now:         time.Now,
	}
}

// asOf resolves the reference date: explicit value first, query param
// second, today last.
func (h *Handler) asOf(r *http.Request, explicit string) (recurring.Date, error) {
	if explicit != "" {
		return recurring.ParseDate(explicit)
	}
	if q := r.URL.Query().Get("as_of"); q != "" {
		return recurring.ParseDate(q)
	}
	return recurring.DateOf(h.now()), nil
}

// =============================================================================
// OWNER HANDLERS
// =============================================================================

// IngestTransactions accepts a batch of synced transactions and runs a
// detection pass over the owner's extended history.
// POST /api/owners/{id}/transactions
func (h *Handler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	owner := recurring.OwnerID(chi.URLParam(r, "id"))

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	asOf, err := h.asOf(r, req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return
	}

	txs := make([]recurring.Transaction, 0, len(req.Transactions))
	for _, in := range req.Transactions {
		tx, err := in.toDomain(owner)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid transaction "+in.ID, err)
			return
		}
		txs = append(txs, tx)
	}

	result, err := h.Engine.Sync(r.Context(), owner, txs, asOf)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncResponse(result))
}

// Detect re-runs detection over the owner's stored history.
// POST /api/owners/{id}/detect
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	owner := recurring.OwnerID(chi.URLParam(r, "id"))

	asOf, err := h.asOf(r, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return
	}

	result, err := h.Engine.Detect(r.Context(), owner, asOf)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncResponse(result))
}

// ListSubscriptions returns the owner's subscriptions, stopped included.
// GET /api/owners/{id}/subscriptions
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	owner := recurring.OwnerID(chi.URLParam(r, "id"))

	subs, err := h.Store.ListSubscriptions(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list subscriptions", err)
		return
	}

	dtos := make([]SubscriptionDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSubscriptionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSavings returns the owner's savings projection and monthly ledger.
// GET /api/owners/{id}/savings
func (h *Handler) GetSavings(w http.ResponseWriter, r *http.Request) {
	owner := recurring.OwnerID(chi.URLParam(r, "id"))
	ctx := r.Context()

	decisions, err := h.Store.ListDecisionsByOwner(ctx, owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load decisions", err)
		return
	}
	entries, err := h.Store.ListLedgerEntries(ctx, owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load ledger", err)
		return
	}

	summary := recurring.Summarize(decisions)
	dto := SavingsDTO{
		ProjectedMonthly:    summary.ProjectedMonthly.StringFixed(2),
		ProjectedAnnual:     summary.ProjectedAnnual.StringFixed(2),
		VerifiedMonthly:     summary.VerifiedMonthly.StringFixed(2),
		TotalDecisions:      summary.TotalDecisions,
		PendingVerification: summary.PendingVerification,
		Ledger:              make([]LedgerEntryDTO, len(entries)),
	}
	for i, e := range entries {
		dto.Ledger[i] = LedgerEntryDTO{
			Period:        string(e.Period),
			ClaimedTotal:  e.ClaimedTotal.StringFixed(2),
			VerifiedTotal: e.VerifiedTotal.StringFixed(2),
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// SUBSCRIPTION HANDLERS
// =============================================================================

// GetSubscription returns one subscription with its charge history.
// GET /api/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id := recurring.SubscriptionID(chi.URLParam(r, "id"))

	sub, err := h.Store.GetSubscription(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDetailDTO(sub))
}

// DeleteSubscription is the explicit owner-removal path. Decision history
// survives the removal.
// DELETE /api/subscriptions/{id}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := recurring.SubscriptionID(chi.URLParam(r, "id"))

	if err := h.Store.DeleteSubscription(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordDecision records a keep/reduce/cancel decision against a
// subscription.
// POST /api/subscriptions/{id}/decision
func (h *Handler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	id := recurring.SubscriptionID(chi.URLParam(r, "id"))

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	decidedAt, err := h.asOf(r, req.DecidedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid decided_at date", err)
		return
	}

	recommended := decimal.Zero
	if req.RecommendedAmount != "" {
		if recommended, err = decimal.NewFromString(req.RecommendedAmount); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid recommended_amount", err)
			return
		}
	}

	decision, err := h.Engine.RecordDecision(r.Context(),
		id, recurring.DecisionAction(req.Action), recommended, decidedAt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDecisionDTO(decision))
}

// ListDecisions returns a subscription's full decision history.
// GET /api/subscriptions/{id}/decisions
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	id := recurring.SubscriptionID(chi.URLParam(r, "id"))

	decisions, err := h.Store.ListDecisionsBySubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list decisions", err)
		return
	}

	dtos := make([]DecisionDTO, len(decisions))
	for i, d := range decisions {
		dtos[i] = toDecisionDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAlternatives serves the cached AI suggestion for a subscription. A
// cache miss kicks off a background refresh and returns 202: the client
// polls, the engine never blocks on the collaborator.
// GET /api/subscriptions/{id}/alternatives
func (h *Handler) GetAlternatives(w http.ResponseWriter, r *http.Request) {
	id := recurring.SubscriptionID(chi.URLParam(r, "id"))
	ctx := r.Context()

	sub, err := h.Store.GetSubscription(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	asOf, err := h.asOf(r, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return
	}

	suggestion, err := h.Suggestions.Get(ctx, id, asOf)
	if errors.Is(err, suggest.ErrCacheMiss) {
		h.Engine.RefreshSuggestion(sub)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load suggestion", err)
		return
	}

	writeJSON(w, http.StatusOK, SuggestionDTO{
		SubscriptionID: string(suggestion.SubscriptionID),
		Options:        suggestion.Options,
		GeneratedAt:    suggestion.GeneratedAt.String(),
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func toSyncResponse(result *engine.SyncResult) SyncResponse {
	resp := SyncResponse{
		Subscriptions: make([]SubscriptionDTO, 0, len(result.Subscriptions)),
		Events:        make([]EventDTO, 0, len(result.Events)),
	}
	for _, s := range result.Subscriptions {
		resp.Subscriptions = append(resp.Subscriptions, toSubscriptionDTO(s))
	}
	for _, ev := range result.Events {
		resp.Events = append(resp.Events, EventDTO{
			Type:           string(ev.Type),
			SubscriptionID: string(ev.SubscriptionID),
			MerchantKey:    string(ev.MerchantKey),
			At:             ev.At.String(),
		})
	}
	for _, rej := range result.Rejections {
		resp.Rejections = append(resp.Rejections, RejectionDTO{
			MerchantKey: string(rej.MerchantKey),
			Reason:      rej.Reason.Error(),
		})
	}
	return resp
}

// writeEngineError maps domain errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case recurring.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Subscription not found", err)
	case errors.Is(err, recurring.ErrDuplicateSubscription):
		writeError(w, http.StatusConflict, "Duplicate subscription", err)
	case recurring.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
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
