package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"adaptivx/internal/apperr"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalid:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExpired, apperr.KindStale:
		return http.StatusConflict
	case apperr.KindUpstream:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Kind:      string(apperr.KindOf(err)),
		Retryable: apperr.Retryable(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a JSON body of at most 1 MiB into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return apperr.Invalid("api.decode", "read body: %v", err)
	}
	if len(body) == 0 {
		return apperr.Invalid("api.decode", "request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return apperr.Invalid("api.decode", "malformed JSON at offset %d", syntax.Offset)
		}
		return apperr.Invalid("api.decode", "%v", err)
	}
	return nil
}
