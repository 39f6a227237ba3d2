package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Shexroz002/rate-limit/limiter"
	"github.com/Shexroz002/rate-limit/policy"
)

// ruleRequest is the body of create and override requests.
type ruleRequest struct {
	Path          string            `json:"path"`
	Method        string            `json:"method"`
	Algorithm     limiter.Algorithm `json:"algorithm"`
	Limit         int               `json:"limit"`
	WindowSeconds int               `json:"window_seconds"`
	KeyType       string            `json:"key_type"`
	IsActive      *bool             `json:"is_active"`
	Priority      int               `json:"priority"`
}

// rule normalizes and validates the request.
func (req ruleRequest) rule() (policy.Rule, error) {
	r := policy.Rule{
		Path:          req.Path,
		Method:        req.Method,
		Algorithm:     req.Algorithm,
		Limit:         req.Limit,
		WindowSeconds: req.WindowSeconds,
		KeyType:       req.KeyType,
		IsActive:      req.IsActive == nil || *req.IsActive,
		Priority:      req.Priority,
	}
	r.Normalize()
	if err := r.Validate(); err != nil {
		return policy.Rule{}, err
	}
	return r, nil
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := req.rule()
	if err != nil {
		writeRuleError(w, r, err)
		return
	}

	created, err := s.repo.Create(r.Context(), rule)
	if err != nil {
		writeRuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.repo.ListActive(r.Context())
	if err != nil {
		writeRuleError(w, r, err)
		return
	}
	if rules == nil {
		rules = []policy.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := s.repo.Get(r.Context(), id)
	if err != nil {
		writeRuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var update policy.RuleUpdate
	if !decodeJSON(w, r, &update) {
		return
	}

	current, err := s.repo.Get(r.Context(), id)
	if err != nil {
		writeRuleError(w, r, err)
		return
	}
	next, err := update.Apply(current)
	if err != nil {
		writeRuleError(w, r, err)
		return
	}
	updated, err := s.repo.Update(r.Context(), next)
	if err != nil {
		writeRuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.repo.Delete(r.Context(), id); err != nil {
		writeRuleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "id must be a positive integer", Field: "id"})
		return 0, false
	}
	return id, true
}
