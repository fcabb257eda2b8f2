package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
)

type errorResponse struct {
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP status codes. Anything unrecognised
// is a 500 with a generic message; the cause is only logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation   *domain.ValidationError
		insufficient *domain.InsufficientFundsError
		notFound     *domain.NotFoundError
		conflict     *domain.ConflictError
		unavailable  *domain.ServiceUnavailableError
		invalid      validator.ValidationErrors
	)

	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request", Fields: fieldErrors(invalid)})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Message})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   insufficient.Error(),
			Details: map[string]any{"available": insufficient.Available.StringFixed(2), "currency": insufficient.Currency},
		})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: notFound.Error()})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: conflict.Message})
	case errors.As(err, &unavailable):
		if unavailable.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(unavailable.RetryAfter.Seconds()))))
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: fmt.Sprintf("%s is temporarily unavailable, try again later", unavailable.Service)})
	default:
		logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out[strings.ToLower(fe.Field())] = msg
	}
	return out
}
