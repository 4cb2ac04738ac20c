package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/storage"
	"github.com/kalambet/cmdsched/internal/task"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// classify maps a domain error onto an HTTP status and error type.
func classify(err error) (int, string) {
	var (
		verr *task.ValidationError
		serr *task.SchedulingError
		terr *task.TransitionError
		rerr *retrieval.RetrievalError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.As(err, &serr):
		return http.StatusUnprocessableEntity, "scheduling_error"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &terr):
		return http.StatusConflict, "conflict"
	case errors.As(err, &rerr):
		return http.StatusBadGateway, "retrieval_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, typ := classify(err)
	httpError(w, code, typ, "%s", err.Error())
}
