package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"mediaenhancer/internal/jobs"
	"mediaenhancer/internal/log"
	"mediaenhancer/internal/pipeline"
)

// Error kinds produced by the API itself in addition to pipeline.Kind values.
const (
	KindNotFound     = "not_found"
	KindNotReady     = "not_ready"
	KindShuttingDown = "shutting_down"
)

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// classify maps an error to its kind and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return KindNotFound, http.StatusNotFound
	case errors.Is(err, jobs.ErrFinished):
		return KindNotReady, http.StatusConflict
	case errors.Is(err, jobs.ErrShuttingDown):
		return KindShuttingDown, http.StatusServiceUnavailable
	}

	kind := pipeline.Kind(err)
	switch kind {
	case pipeline.KindInvalidRequest:
		return kind, http.StatusBadRequest
	case pipeline.KindFetch:
		return kind, http.StatusBadGateway
	case pipeline.KindUnreadableMedia, pipeline.KindFilter:
		return kind, http.StatusUnprocessableEntity
	case pipeline.KindCancelled:
		return kind, http.StatusServiceUnavailable
	case pipeline.KindTimeout:
		return kind, http.StatusGatewayTimeout
	default:
		return kind, http.StatusInternalServerError
	}
}

// writeError renders err as {kind, message, stage}.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := classify(err)
	writeJSON(w, status, errorBody{
		Kind:      kind,
		Message:   err.Error(),
		Stage:     string(pipeline.StageOf(err)),
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeJSON(w, status, errorBody{
		Kind:      kind,
		Message:   message,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}
