package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/admission"
)

type admitRequest struct {
	SessionKey string `json:"session_key"`
	IP         string `json:"ip"`     // raw client address, hashed before use
	IPKey      string `json:"ip_key"` // pre-hashed alternative to IP
	Model      string `json:"model"`
	InputBytes int64  `json:"input_bytes"`
}

type admitResponse struct {
	Admitted       bool              `json:"admitted"`
	Handle         string            `json:"handle,omitempty"`
	EstimateMicros roastguard.Micros `json:"estimate_micros,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Reason         roastguard.Reason `json:"reason,omitempty"`
	Retryable      bool              `json:"retryable,omitempty"`
	RetryAfter     *time.Time        `json:"retry_after,omitempty"`
	Hint           string            `json:"hint,omitempty"`
}

func (s *server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := roastguard.Identity{SessionKey: req.SessionKey, IPKey: req.IPKey}
	if req.IP != "" {
		id.IPKey = roastguard.HashIP(req.IP)
	}
	if s.deps.Burst != nil && id.IPKey != "" {
		if res := s.deps.Burst.Allow(id.IPKey); !res.Allowed {
			secs := int64(res.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			var e apiError
			e.Error.Message = "too many admit requests from this address"
			e.Error.Type = "rate_limit_error"
			writeJSON(w, http.StatusTooManyRequests, e)
			return
		}
	}
	if limit := s.deps.Admission.Pricing().MaxInputBytes; limit > 0 && req.InputBytes > limit {
		writeError(w, r, fmt.Errorf("%w: input_bytes exceeds %d", roastguard.ErrBadRequest, limit))
		return
	}

	d, err := s.deps.Admission.Admit(r.Context(), admission.Request{
		Identity:   id,
		Model:      req.Model,
		InputBytes: req.InputBytes,
	})
	if err != nil && d.Reason == "" {
		writeError(w, r, err)
		return
	}

	if d.Admitted {
		resp := admitResponse{
			Admitted:       true,
			Handle:         d.Handle.ID,
			EstimateMicros: d.Handle.Estimate,
		}
		if s.deps.ReservationTimeout > 0 {
			exp := d.Handle.CreatedAt.Add(s.deps.ReservationTimeout)
			resp.ExpiresAt = &exp
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp := admitResponse{
		Reason:    d.Reason,
		Retryable: d.Reason.Retryable(),
		Hint:      d.Hint,
	}
	if !d.RetryAfter.IsZero() {
		resp.RetryAfter = &d.RetryAfter
		secs := int64(d.RetryAfter.Sub(s.now()).Seconds())
		w.Header().Set("Retry-After", strconv.FormatInt(max(secs, 1), 10))
	}
	writeJSON(w, denialStatus(d.Reason), resp)
}

func denialStatus(r roastguard.Reason) int {
	switch r {
	case roastguard.ReasonServiceDisabled, roastguard.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusTooManyRequests
	}
}

type confirmRequest struct {
	ActualCostUSD string             `json:"actual_cost_usd"`
	ActualMicros  *roastguard.Micros `json:"actual_micros"`
	Model         string             `json:"model"`
	Usage         json.RawMessage    `json:"usage"`
}

type settleResponse struct {
	Handle         string                      `json:"handle"`
	State          roastguard.ReservationState `json:"state"`
	ActualMicros   *roastguard.Micros          `json:"actual_micros,omitempty"`
	EstimateMicros *roastguard.Micros          `json:"estimate_micros,omitempty"`
	// Overrun flags an actual cost above the reserved estimate. The spend
	// is still recorded; the caller's cost reporting or the price table
	// needs attention.
	Overrun bool `json:"overrun,omitempty"`
}

func (s *server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req confirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var actual roastguard.Micros
	switch {
	case req.ActualMicros != nil:
		actual = *req.ActualMicros
	case req.ActualCostUSD != "":
		m, err := roastguard.ParseUSD(req.ActualCostUSD)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: actual_cost_usd: %v", roastguard.ErrBadRequest, err))
			return
		}
		actual = m
	case len(req.Usage) > 0:
		m, _, err := s.deps.Admission.Pricing().CostFromUsage(req.Model, req.Usage)
		if err != nil {
			writeError(w, r, err)
			return
		}
		actual = m
	default:
		writeError(w, r, fmt.Errorf("%w: one of actual_cost_usd, actual_micros or usage is required", roastguard.ErrBadRequest))
		return
	}
	if actual < 0 {
		writeError(w, r, fmt.Errorf("%w: actual cost must not be negative", roastguard.ErrBadRequest))
		return
	}

	a, err := s.deps.Admission.Confirm(r.Context(), id, actual)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{
		Handle:         id,
		State:          roastguard.StateConfirmed,
		ActualMicros:   &actual,
		EstimateMicros: &a.Estimate,
		Overrun:        actual > a.Estimate,
	})
}

func (s *server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Admission.Release(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{Handle: id, State: roastguard.StateReleased})
}

func (s *server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := roastguard.Identity{SessionKey: q.Get("session_key"), IPKey: q.Get("ip_key")}
	if ip := q.Get("ip"); ip != "" {
		id.IPKey = roastguard.HashIP(ip)
	}
	if id.SessionKey == "" {
		writeError(w, r, fmt.Errorf("%w: session_key is required", roastguard.ErrBadRequest))
		return
	}
	rem, err := s.deps.Admission.Remaining(r.Context(), id)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", roastguard.ErrStoreUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, rem)
}
