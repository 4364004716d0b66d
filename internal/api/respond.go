package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/adapter"
	"github.com/sells-group/service-ingest/internal/pipeline"
	"github.com/sells-group/service-ingest/internal/store"
)

type errorBody struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeFailure maps a pipeline or store error to a status code.
func writeFailure(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		body := errorBody{Error: "invalid job spec"}
		for _, fe := range verrs {
			body.Fields = append(body.Fields, fieldMessage(fe))
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, pipeline.ErrJobNotFound), errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, adapter.ErrUnknownSource):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, pipeline.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrNoSink):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gte":
		return field + " must be >= " + fe.Param()
	case "lte":
		return field + " must be <= " + fe.Param()
	}
	return field + " failed " + fe.Tag()
}
