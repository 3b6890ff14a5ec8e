package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	roastguard "github.com/eugener/roastguard/internal"
)

// maxBody is the maximum allowed request body size (1 MB).
const maxBody = 1 << 20

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, roastguard.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, roastguard.ErrNotFound), errors.Is(err, roastguard.ErrUnknownReservation):
		return http.StatusNotFound
	case errors.Is(err, roastguard.ErrReservationSettled):
		return http.StatusConflict
	case errors.Is(err, roastguard.ErrBadRequest), errors.Is(err, roastguard.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, roastguard.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server-side failures and returns a sanitized message so
// SQLite errors never reach the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch status {
	case http.StatusNotFound:
		writeJSON(w, status, errorResponse("unknown reservation"))
	case http.StatusConflict:
		writeJSON(w, status, errorResponse("reservation already settled"))
	case http.StatusBadRequest:
		writeJSON(w, status, errorResponse(err.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}
