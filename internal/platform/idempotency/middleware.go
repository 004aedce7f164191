package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storekit/coupons/internal/platform/httpx"
	"github.com/storekit/coupons/internal/platform/requestctx"
)

const (
	// HeaderName is the default header carrying the client-chosen key.
	HeaderName = "Idempotency-Key"
	// ReplayHeaderName marks replayed responses.
	ReplayHeaderName = "Idempotent-Replayed"

	maxKeyLength = 255
)

// ScopeFunc derives the namespace a key lives in, e.g. the store addressed by the route.
type ScopeFunc func(*http.Request) string

type middlewareConfig struct {
	header      string
	ttl         time.Duration
	requireKey  bool
	scope       ScopeFunc
	clock       func() time.Time
	maxBodySize int64
}

type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL configures how long completed responses are replayed.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// RequireKey rejects requests without the header. By default they pass through.
func RequireKey() MiddlewareOption {
	return func(cfg *middlewareConfig) { cfg.requireKey = true }
}

// WithScope namespaces keys so two tenants choosing the same key never collide.
func WithScope(fn ScopeFunc) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if fn != nil {
			cfg.scope = fn
		}
	}
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithMaxBodySize caps how much of the body is buffered for fingerprinting.
func WithMaxBodySize(n int64) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if n > 0 {
			cfg.maxBodySize = n
		}
	}
}

var (
	errKeyRequired  = httpx.NewError("idempotency_key_required", "missing idempotency key header", http.StatusBadRequest)
	errKeyInvalid   = httpx.NewError("idempotency_key_invalid", "idempotency key must be 1-255 printable ASCII characters", http.StatusBadRequest)
	errKeyConflict  = httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusUnprocessableEntity)
	errInProgress   = httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict)
	errStoreFailure = httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable)
)

// Middleware replays the stored response when a request repeats an Idempotency-Key with
// the same method, path and body. Server errors are not stored so clients can retry them.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := middlewareConfig{
		header:      HeaderName,
		ttl:         DefaultTTL,
		scope:       func(*http.Request) string { return "" },
		clock:       time.Now,
		maxBodySize: 1 << 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := requestctx.Logger(ctx)

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				if cfg.requireKey {
					httpx.WriteError(ctx, w, errKeyRequired)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if !validKey(key) {
				httpx.WriteError(ctx, w, errKeyInvalid)
				return
			}

			body, err := bufferBody(w, r, cfg.maxBodySize)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					httpx.WriteError(ctx, w, httpx.ErrBodyTooLarge)
					return
				}
				httpx.WriteError(ctx, w, httpx.ErrInvalidRequest)
				return
			}

			scoped := cfg.scope(r) + "|" + key
			fingerprint := requestFingerprint(r, body)
			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, errKeyConflict)
				return
			case err != nil:
				logger.Warn("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, errStoreFailure)
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				replay(w, reservation.Record)
				return
			case ReservationStatePending:
				httpx.WriteError(ctx, w, errInProgress)
				return
			}

			rec := newBufferedWriter()
			next.ServeHTTP(rec, r)

			if rec.Status() >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			} else {
				resp := Response{Status: rec.Status(), Headers: rec.header, Body: rec.body.Bytes()}
				if err := store.SaveResponse(ctx, scoped, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
					logger.Warn("idempotency save failed", zap.Error(err))
					if err := store.Release(ctx, scoped, fingerprint); err != nil {
						logger.Warn("idempotency release failed", zap.Error(err))
					}
				}
			}
			rec.flushTo(w)
		})
	}
}

func validKey(key string) bool {
	if len(key) > maxKeyLength {
		return false
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}

func bufferBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('|')
	b.WriteString(r.URL.Path)
	b.WriteByte('|')
	b.WriteString(r.URL.RawQuery)
	b.WriteByte('|')
	b.WriteString(sha256Hex(body))
	return sha256Hex([]byte(b.String()))
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// bufferedWriter holds the handler output until it has been persisted.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(data []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedWriter) Status() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.Status())
	if b.body.Len() > 0 {
		_, _ = w.Write(b.body.Bytes())
	}
}
