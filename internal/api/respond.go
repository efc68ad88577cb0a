package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"fitsched/internal/action"
	"fitsched/internal/queue"
	"fitsched/internal/schedule"
	logx "fitsched/pkg/logx"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Total   *int   `json:"total,omitempty"`
	Error   string `json:"error,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Message: msg, Data: data})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schedule.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, schedule.ErrNotFound),
		errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, action.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueue):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := envelope{Message: http.StatusText(status), Error: err.Error()}
	var ve *schedule.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if status >= 500 {
		h.log.Error("request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, envelope{Message: http.StatusText(http.StatusBadRequest), Error: fmt.Sprintf(format, args...)})
}

// decode reads a single JSON object, rejecting unknown fields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}
