package api

import (
	"encoding/json"
	"net/http"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/box"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes not derived from an apperr kind.
const (
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeAuthorized     = "authorized"
	ErrCodeNotFound       = "not_found"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBodyTooLarge   = "body_too_large"
)

// kindStatus maps each error kind to its HTTP status.
var kindStatus = map[apperr.Kind]int{
	apperr.Validation:         http.StatusBadRequest,
	apperr.NotFound:           http.StatusNotFound,
	apperr.Auth:               http.StatusForbidden,
	apperr.Duplicate:          http.StatusConflict,
	apperr.Conflict:           http.StatusConflict,
	apperr.UnknownModel:       http.StatusUnprocessableEntity,
	apperr.TemplateRead:       http.StatusInternalServerError,
	apperr.OutputWrite:        http.StatusInternalServerError,
	apperr.StorageUnavailable: http.StatusServiceUnavailable,
	apperr.DeadlineExceeded:   http.StatusGatewayTimeout,
	apperr.Internal:           http.StatusInternalServerError,
}

// statusFor returns the HTTP status for err.
func statusFor(err error) int {
	if status, ok := kindStatus[apperr.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSONAs(w, status, "application/json", v)
}

// writeJSONAs is writeJSON with an explicit content type.
func writeJSONAs(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeErrorCode writes a structured error response.
func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeError maps err to a response. Server-side failures are logged and
// reported to the notifier at most once per minute.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := apperr.CodeOf(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"code", code,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		if s.errNotify.Allow() {
			s.notifier.Notify(r.Context(), box.NotifyTitle,
				"Server error "+http.StatusText(status)+" on "+r.Method+" "+r.URL.Path+": "+code)
		}
	}

	writeErrorCode(w, status, code, apperr.MessageOf(err))
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeErrorCode(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}
