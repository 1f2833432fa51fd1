package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interdesk/internal/core"
)

// Envelope codes. Zero is success; failures reuse the HTTP status number.
const (
	CodeOK         = 0
	CodeInvalid    = http.StatusBadRequest
	CodeDenied     = http.StatusForbidden
	CodeNotFound   = http.StatusNotFound
	CodeConflict   = http.StatusConflict
	CodeInternal   = http.StatusInternalServerError
	CodeNotAllowed = http.StatusMethodNotAllowed
)

// Envelope wraps every response body.
type Envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Envelope{Code: CodeOK, Msg: "ok", Data: data})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, Envelope{Code: CodeNotAllowed, Msg: "method not allowed"})
}

// writeError classifies err into an envelope code. A denial carries the
// current assignee as data.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *core.DeniedError
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, Envelope{Code: CodeDenied, Msg: denied.Error(), Data: denied.Assignee})
	case errors.Is(err, core.ErrBlacklisted), errors.Is(err, core.ErrTenantMismatch):
		writeJSON(w, http.StatusForbidden, Envelope{Code: CodeDenied, Msg: err.Error()})
	case errors.Is(err, core.ErrValidation):
		writeJSON(w, http.StatusBadRequest, Envelope{Code: CodeInvalid, Msg: err.Error()})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Envelope{Code: CodeNotFound, Msg: err.Error()})
	case errors.Is(err, core.ErrConflict):
		writeJSON(w, http.StatusConflict, Envelope{Code: CodeConflict, Msg: err.Error()})
	default:
		log.Error().Err(err).Str("component", "http").Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, Envelope{Code: CodeInternal, Msg: "internal error"})
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.Invalid("malformed request body")
	}
	return nil
}
