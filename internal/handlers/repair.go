package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/PortNumber53/pegasus/internal/reconcile"
)

type fixSubscriptionsRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// FixSubscriptions repairs one user's checkouts. Operator only.
func (h *Handler) FixSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !h.isOperator(r) {
		h.fail(w, r, http.StatusUnauthorized, codeUnauthorized, "Operator token required")
		return
	}
	var req fixSubscriptionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, http.StatusBadRequest, codeMissingFields, "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, http.StatusBadRequest, codeMissingFields, validationMessage(err))
		return
	}

	results, err := h.reconciler.RepairCheckoutSessions(r.Context(), req.UserID)
	if err != nil {
		log.Printf("[Repair][User] user=%s: %v", req.UserID, err)
		h.fail(w, r, http.StatusInternalServerError, codeInternal, "Repair failed")
		return
	}
	h.respond(w, r, http.StatusOK, map[string]any{"results": results})
}

type fixAllRequest struct {
	AttachOrphans  bool `json:"attach_orphans"`
	AllowHeuristic bool `json:"allow_heuristic"`
}

// FixAllSubscriptions repairs every user and optionally attaches orphans.
// Operator only.
func (h *Handler) FixAllSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !h.isOperator(r) {
		h.fail(w, r, http.StatusUnauthorized, codeUnauthorized, "Operator token required")
		return
	}
	var req fixAllRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, http.StatusBadRequest, codeMissingFields, "Invalid JSON body")
		return
	}

	sum, err := reconcile.RunAll(r.Context(), h.reconciler, req.AttachOrphans, req.AllowHeuristic)
	if err != nil {
		log.Printf("[Repair][All] %v", err)
		h.fail(w, r, http.StatusInternalServerError, codeInternal, "Repair failed")
		return
	}
	h.respond(w, r, http.StatusOK, map[string]any{
		"repaired": sum.Repaired,
		"attached": sum.Attached,
	})
}
