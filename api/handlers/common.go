// Package handlers implements the runbridge HTTP handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/runbridge/bridge"
)

// Response is the envelope for every JSON response.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 envelope around data.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError maps a bridge error to its HTTP status and writes the error
// envelope.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status, code := classifyError(err)

	if logger != nil {
		logger.Error("API error",
			zap.String("code", code),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: err.Error()},
		Timestamp: time.Now(),
	})
}

func classifyError(err error) (int, string) {
	var persistErr *bridge.PersistenceError
	switch {
	case errors.Is(err, bridge.ErrRunNotFound):
		return http.StatusNotFound, "run_not_found"
	case errors.Is(err, bridge.ErrMalformedResume):
		return http.StatusBadRequest, "malformed_resume"
	case errors.Is(err, bridge.ErrAlreadySuspended):
		return http.StatusConflict, "already_suspended"
	case errors.Is(err, bridge.ErrRunCancelled):
		return http.StatusConflict, "run_cancelled"
	case errors.As(err, &persistErr):
		return http.StatusInternalServerError, "persistence_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteErrorMessage writes an error envelope with an explicit status.
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}

// DecodeJSONBody decodes a JSON request body into dst, rejecting unknown
// fields. An absent body leaves dst zeroed. Writes the error response
// itself when decoding fails.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		WriteErrorMessage(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return err
	}
	return nil
}

// ResponseWriter wraps http.ResponseWriter to capture the status code for
// request logging.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer so http.ResponseController can reach
// Hijacker and Flusher through the wrapper. Websocket upgrades depend on it.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
