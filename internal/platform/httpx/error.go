package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/bookhaven/api/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxIDLen      = 80

	defaultBodyLimit = 64 << 10
)

// Error is the JSON error envelope: {"error", "message", "status", "request_id", "trace_id"} plus any
// details merged at the top level.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	Details   map[string]any
}

// NewError builds an envelope. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: oneLine(code, maxCodeLen), Message: oneLine(message, maxMessageLen), Status: status}
}

// WithRequestID pins the request id instead of taking it from the chi middleware.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = oneLine(id, maxIDLen)
	return e
}

// WithDetails attaches extra fields, e.g. the rejected transition of an order.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) > 0 {
		e.Details = maps.Clone(details)
	}
	return e
}

func (e Error) payload(ctx context.Context) map[string]any {
	body := make(map[string]any, 5+len(e.Details))
	maps.Copy(body, e.Details)
	body["error"] = e.Code
	body["message"] = e.Message
	body["status"] = e.Status

	requestID := e.RequestID
	if requestID == "" {
		requestID = oneLine(middleware.GetReqID(ctx), maxIDLen)
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	if traceID := oneLine(requestctx.TraceID(ctx), maxIDLen); traceID != "" {
		body["trace_id"] = traceID
	}
	return body
}

// WriteError renders err with request and trace correlation ids taken from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	WriteJSON(w, err.Status, err.payload(ctx))
}

// oneLine collapses control characters to spaces and truncates to limit bytes.
func oneLine(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}

// ErrBodyTooLarge is returned by DecodeJSON when the request body exceeds the limit.
var ErrBodyTooLarge = errors.New("httpx: request body too large")

// WriteJSON writes payload as a JSON response with the given status. A nil payload writes no body.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// DecodeJSON reads at most limit bytes from the request body into dst, rejecting unknown fields.
// An empty body leaves dst untouched.
func DecodeJSON(r *http.Request, dst any, limit int64) error {
	if r == nil || r.Body == nil {
		return nil
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return fmt.Errorf("httpx: read body: %w", err)
	}
	if int64(len(data)) > limit {
		return ErrBodyTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("httpx: decode body: %w", err)
	}
	return nil
}
