package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autorouter/autorouter/internal/compensation"
	"github.com/autorouter/autorouter/internal/domain"
)

// listCompensationRules implements "GET /api/admin/compensation-rules".
func (h *Handlers) listCompensationRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Compensation.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rules})
}

// getCompensationRule implements "GET /api/admin/compensation-rules/{id}".
func (h *Handlers) getCompensationRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, err := h.Compensation.Get(r.Context(), id)
	if errors.Is(err, compensation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "compensation rule not found: "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// createCompensationRule implements "POST /api/admin/compensation-rules".
func (h *Handlers) createCompensationRule(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}
	if err := validateCompensationRuleBody(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid compensation rule: "+err.Error())
		return
	}
	var rule domain.CompensationRule
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if rule.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if rule.Mode == "" {
		rule.Mode = domain.CompensationModeMissingOnly
	}
	created, err := h.Compensation.Create(r.Context(), rule)
	if errors.Is(err, compensation.ErrNameCollision) {
		writeError(w, http.StatusConflict, "compensation rule id already exists: "+rule.ID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.CompensationEngine.Invalidate(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// updateCompensationRule implements "PUT /api/admin/compensation-rules/{id}".
func (h *Handlers) updateCompensationRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}
	if err := validateCompensationRuleBody(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid compensation rule: "+err.Error())
		return
	}
	var rule domain.CompensationRule
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	updated, err := h.Compensation.Update(r.Context(), id, rule)
	switch {
	case errors.Is(err, compensation.ErrNotFound):
		writeError(w, http.StatusNotFound, "compensation rule not found: "+id)
		return
	case errors.Is(err, compensation.ErrBuiltinImmutable):
		writeError(w, http.StatusForbidden, "built-in compensation rules may only have their enabled flag toggled")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.CompensationEngine.Invalidate(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// deleteCompensationRule implements "DELETE /api/admin/compensation-rules/{id}".
func (h *Handlers) deleteCompensationRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Compensation.Delete(r.Context(), id)
	switch {
	case errors.Is(err, compensation.ErrNotFound):
		writeError(w, http.StatusNotFound, "compensation rule not found: "+id)
		return
	case errors.Is(err, compensation.ErrBuiltinImmutable):
		writeError(w, http.StatusForbidden, "built-in compensation rules cannot be deleted")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.CompensationEngine.Invalidate(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
