package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/logger"
)

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// requireField writes a 400 error and returns false when value is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		writeError(w, http.StatusBadRequest, fieldName+" is required")
		return false
	}
	return true
}

// queryStatuses parses a comma-separated "status" query parameter.
func queryStatuses(r *http.Request) ([]task.Status, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, nil
	}
	var out []task.Status
	for _, s := range strings.Split(raw, ",") {
		st, err := task.ParseStatus(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// domainStatus maps a domain sentinel to the status it answers with. A
// blank message means err.Error() is safe to show the client.
var domainStatus = []struct {
	target  error
	status  int
	message string
}{
	{domain.ErrNotFound, http.StatusNotFound, ""},
	{domain.ErrConflict, http.StatusConflict, "resource was modified by another request"},
	{domain.ErrValidation, http.StatusBadRequest, ""},
}

// writeDomainError answers with the status mapped to err's sentinel. Not
// found errors use notFoundMsg; anything unmapped is logged and hidden
// behind a 500 carrying the request id.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, notFoundMsg string) {
	for _, m := range domainStatus {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := m.message
		switch {
		case m.target == domain.ErrNotFound:
			msg = notFoundMsg
		case msg == "":
			msg = err.Error()
		}
		writeError(w, m.status, msg)
		return
	}
	writeInternalError(w, r, err)
}

// writeInternalError logs err against the request and answers 500 with a
// generic message.
func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	msg := "request failed"
	if errors.Is(err, domain.ErrProtocol) {
		msg = "protocol violation"
	}
	slog.ErrorContext(ctx, msg, "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:     "internal server error",
		RequestID: logger.RequestID(ctx),
	})
}
