package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
)

// defaultHistory is the number of past months returned by GET /budget.
const defaultHistory = 12

type killSwitchResponse struct {
	roastguard.SwitchState
	FetchedAt time.Time `json:"fetched_at"`
}

func (s *server) handleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	// Operators want the durable value, not this process's snapshot.
	if err := s.deps.Switch.Refresh(r.Context()); err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", roastguard.ErrStoreUnavailable, err))
		return
	}
	state, at := s.deps.Switch.Snapshot()
	writeJSON(w, http.StatusOK, killSwitchResponse{SwitchState: state, FetchedAt: at})
}

type setKillSwitchRequest struct {
	Engaged  *bool  `json:"engaged"`
	Operator string `json:"operator"`
}

func (s *server) handleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req setKillSwitchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Operator = strings.TrimSpace(req.Operator)
	if req.Engaged == nil || req.Operator == "" {
		writeError(w, r, fmt.Errorf("%w: engaged and operator are required", roastguard.ErrBadRequest))
		return
	}
	state, err := s.deps.Switch.Set(r.Context(), *req.Engaged, req.Operator)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", roastguard.ErrStoreUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, killSwitchResponse{SwitchState: state, FetchedAt: s.now()})
}

func (s *server) handleBudget(w http.ResponseWriter, r *http.Request) {
	history := defaultHistory
	if v := r.URL.Query().Get("history"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, fmt.Errorf("%w: history must be a non-negative integer", roastguard.ErrBadRequest))
			return
		}
		history = n
	}
	sum, err := s.deps.Budget.Summarize(r.Context(), s.now(), history)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", roastguard.ErrStoreUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Admission.Audit(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", roastguard.ErrStoreUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("policy reload is not configured"))
		return
	}
	if err := s.deps.Reload(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
