package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bookhaven/api/internal/platform/auth"
	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxBodyBytes      = 1 << 20
)

type middlewareConfig struct {
	headerName  string
	ttl         time.Duration
	methods     map[string]struct{}
	clock       func() time.Time
	logger      *zap.Logger
	keyOptional bool
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header name used to extract the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL configures how long completed idempotency records are retained.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods restricts the HTTP methods guarded by the middleware.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		set := make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				set[method] = struct{}{}
			}
		}
		if len(set) > 0 {
			cfg.methods = set
		}
	}
}

// WithLogger injects a logger for store failures.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithOptionalKey lets requests without the header through unguarded instead of rejecting them.
func WithOptionalKey() MiddlewareOption {
	return func(cfg *middlewareConfig) { cfg.keyOptional = true }
}

// Middleware replays stored responses for repeated mutating requests carrying the same key.
// Server errors are not stored so that clients may retry them.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		methods: map[string]struct{}{
			http.MethodPost: {}, http.MethodPut: {}, http.MethodPatch: {}, http.MethodDelete: {},
		},
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		g := &guard{cfg: cfg, store: store, next: next}
		return http.HandlerFunc(g.serve)
	}
}

type guard struct {
	cfg   middlewareConfig
	store Store
	next  http.Handler
}

// claim identifies one guarded request in the store.
type claim struct {
	key         string
	scoped      string
	fingerprint string
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request) {
	if _, guarded := g.cfg.methods[r.Method]; !guarded {
		g.next.ServeHTTP(w, r)
		return
	}

	key := strings.TrimSpace(r.Header.Get(g.cfg.headerName))
	if key == "" {
		if g.cfg.keyOptional {
			g.next.ServeHTTP(w, r)
			return
		}
		g.fail(w, r, "idempotency_key_required", "missing idempotency key header", http.StatusBadRequest)
		return
	}

	body, err := readAndReplayBody(r)
	switch {
	case errors.Is(err, httpx.ErrBodyTooLarge):
		g.fail(w, r, "payload_too_large", "request body too large", http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		g.fail(w, r, "idempotency_read_body_failed", "unable to read request body", http.StatusBadRequest)
		return
	}

	requester := extractRequester(r)
	c := claim{key: key, scoped: scopedKey(key, requester), fingerprint: requestFingerprint(r, body, requester)}

	reservation, err := g.store.Reserve(r.Context(), c.scoped, c.fingerprint, g.cfg.clock().UTC(), g.cfg.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		g.fail(w, r, "idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict)
	case err != nil:
		loggerFor(r, g.cfg.logger).Error("idempotency reserve failed", zap.Error(err))
		g.fail(w, r, "idempotency_store_error", "unable to process idempotency key", http.StatusInternalServerError)
	case reservation.State == ReservationStateCompleted:
		writeStoredResponse(w, reservation.Record)
	case reservation.State == ReservationStatePending:
		g.fail(w, r, "idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict)
	default:
		g.execute(w, r, c)
	}
}

// execute runs the handler once for a fresh claim and stores its response unless it failed with 5xx.
func (g *guard) execute(w http.ResponseWriter, r *http.Request, c claim) {
	ctx := r.Context()
	logger := loggerFor(r, g.cfg.logger)

	recorder := newResponseRecorder(w)
	g.next.ServeHTTP(recorder, r.WithContext(requestctx.WithIdempotencyKey(ctx, c.key)))

	if recorder.Status() >= http.StatusInternalServerError {
		g.release(ctx, logger, c)
		_ = recorder.Commit()
		return
	}

	response := Response{Status: recorder.Status(), Headers: recorder.header.Clone(), Body: recorder.Body()}
	if err := g.store.SaveResponse(ctx, c.scoped, c.fingerprint, response, g.cfg.clock().UTC(), g.cfg.ttl); err != nil {
		logger.Error("idempotency save failed", zap.Error(err))
		g.release(ctx, logger, c)
		g.fail(w, r, "idempotency_store_error", "unable to persist idempotency state", http.StatusInternalServerError)
		return
	}
	if err := recorder.Commit(); err != nil {
		logger.Warn("idempotency flush failed", zap.Error(err))
	}
}

func (g *guard) release(ctx context.Context, logger *zap.Logger, c claim) {
	if err := g.store.Release(ctx, c.scoped, c.fingerprint); err != nil {
		logger.Warn("idempotency release failed", zap.Error(err))
	}
}

func (g *guard) fail(w http.ResponseWriter, r *http.Request, code, message string, status int) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func loggerFor(r *http.Request, fallback *zap.Logger) *zap.Logger {
	return requestctx.LoggerOr(r.Context(), fallback)
}

func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	if len(data) > maxBodyBytes {
		return nil, httpx.ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint binds a key to method, path, query, requester and body hash.
func requestFingerprint(r *http.Request, body []byte, requester string) string {
	bodyHash := ""
	if len(body) > 0 {
		bodyHash = sha256Hex(body)
	}
	parts := []string{strings.ToUpper(r.Method), r.URL.Path, r.URL.RawQuery, requester, bodyHash}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

func extractRequester(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && !identity.IsGuest() {
		return identity.UID
	}
	return "guest"
}

func scopedKey(key, requester string) string {
	return strings.TrimSpace(key) + "|" + requester
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

type responseRecorder struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder(parent http.ResponseWriter) *responseRecorder {
	return &responseRecorder{parent: parent, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Body() []byte {
	if r.body.Len() == 0 {
		return nil
	}
	return append([]byte(nil), r.body.Bytes()...)
}

func (r *responseRecorder) Commit() error {
	dst := r.parent.Header()
	for key, values := range r.header {
		dst[key] = append([]string(nil), values...)
	}
	r.parent.WriteHeader(r.Status())
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.parent.Write(r.body.Bytes())
	return err
}
