package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"tessera/apperr"
)

// errorEnvelope is the wire form of every failure.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses and renders the
// envelope. Unclassified errors surface as opaque 500s; server-side detail
// stays in the logs.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	appErr := apperr.AsError(err)
	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperr.BadRequest:
		status = http.StatusBadRequest
	case apperr.Unauthorized:
		status = http.StatusUnauthorized
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Validation:
		status = http.StatusUnprocessableEntity
	case apperr.RateLimited:
		status = http.StatusTooManyRequests
	}
	body := errorBody{Code: string(appErr.Kind), Message: appErr.Message, Details: appErr.Details}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
		body = errorBody{Code: string(apperr.Internal), Message: "internal error"}
	}
	s.writeJSON(w, status, errorEnvelope{Error: body})
}

func badRequestf(format string, args ...any) error {
	return apperr.New(apperr.BadRequest, format, args...)
}

// decodeJSON parses a request body into v, rejecting malformed payloads.
// An empty body leaves v at its zero value.
func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyNotAllowed) {
			return nil
		}
		return apperr.New(apperr.Validation, "invalid JSON payload: %v", err)
	}
	return nil
}
