package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Shexroz002/rate-limit/policy"
)

func (s *Server) currentLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "This endpoint is rate limited",
		"current_limits": s.snapshots.Current(r.Context()),
	})
}

// overrideLimits publishes the posted rules as the snapshot until the next sync.
func (s *Server) overrideLimits(w http.ResponseWriter, r *http.Request) {
	var reqs []ruleRequest
	if !decodeJSON(w, r, &reqs) {
		return
	}

	rules := make([]policy.Rule, 0, len(reqs))
	for _, req := range reqs {
		rule, err := req.rule()
		if err != nil {
			writeRuleError(w, r, err)
			return
		}
		rules = append(rules, rule)
	}

	snapshot, err := s.syncer.Override(r.Context(), rules)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Rate limits updated",
		"current_limits": snapshot,
	})
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	n, err := s.syncer.Sync(r.Context())
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"published": n})
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrSyncInProgress), errors.Is(err, policy.ErrNotLeader):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("snapshot publish failed")
		writeError(w, http.StatusServiceUnavailable, "failed to publish rate limits")
	}
}
