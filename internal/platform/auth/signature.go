// Package auth verifies signed server-to-server calls such as order finalization.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storekit/coupons/internal/platform/httpx"
	"github.com/storekit/coupons/internal/platform/requestctx"
)

const (
	DefaultSignatureHeader = "X-Coupons-Signature"
	DefaultTimestampHeader = "X-Coupons-Timestamp"
	DefaultNonceHeader     = "X-Coupons-Nonce"

	defaultClockSkew    = 5 * time.Minute
	defaultNonceTTL     = 10 * time.Minute
	defaultMaxBodyBytes = 256 << 10
)

// SecretProvider resolves the shared signing secret by name.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore remembers nonces until they expire. UseNonce reports false for a replay.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if nonce == "" {
		return false, errors.New("auth: nonce is required")
	}
	key := scope + "::" + nonce
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// SignatureVerifier checks HMAC-SHA256 signatures over method, path, timestamp, nonce and
// body digest. Nonces are scoped per store.
type SignatureVerifier struct {
	provider   SecretProvider
	secretName string
	nonces     NonceStore
	now        func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
	maxBodyBytes    int64

	mu     sync.Mutex
	secret []byte
}

type SignatureOption func(*SignatureVerifier)

func WithNonceStore(store NonceStore) SignatureOption {
	return func(v *SignatureVerifier) {
		if store != nil {
			v.nonces = store
		}
	}
}

func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(v *SignatureVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithSignatureHeaders overrides header names; empty values keep the defaults.
func WithSignatureHeaders(signature, timestamp, nonce string) SignatureOption {
	return func(v *SignatureVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

func WithClockSkew(d time.Duration) SignatureOption {
	return func(v *SignatureVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithSignatureMaxBody(n int64) SignatureOption {
	return func(v *SignatureVerifier) {
		if n > 0 {
			v.maxBodyBytes = n
		}
	}
}

// NewSignatureVerifier builds a verifier for the named secret.
func NewSignatureVerifier(provider SecretProvider, secretName string, opts ...SignatureOption) (*SignatureVerifier, error) {
	if provider == nil {
		return nil, errors.New("auth: secret provider is required")
	}
	secretName = strings.TrimSpace(secretName)
	if secretName == "" {
		return nil, errors.New("auth: secret name is required")
	}
	v := &SignatureVerifier{
		provider:        provider,
		secretName:      secretName,
		nonces:          NewMemoryNonceStore(),
		now:             time.Now,
		signatureHeader: DefaultSignatureHeader,
		timestampHeader: DefaultTimestampHeader,
		nonceHeader:     DefaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
		maxBodyBytes:    defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Middleware rejects requests whose signature is missing, stale, replayed or wrong.
func (v *SignatureVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := requestctx.Logger(ctx)

		secret, err := v.loadSecret(ctx)
		if err != nil {
			logger.Warn("signing secret unavailable", zap.Error(err))
			reject(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "signature verification is unavailable")
			return
		}

		signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
		timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
		nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
		if signatureValue == "" || timestampValue == "" || nonce == "" {
			reject(ctx, w, http.StatusUnauthorized, "signature_missing", "signature headers are required")
			return
		}

		timestamp, err := parseTimestamp(timestampValue)
		if err != nil {
			reject(ctx, w, http.StatusUnauthorized, "timestamp_invalid", "signature timestamp is invalid")
			return
		}
		now := v.now()
		if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
			reject(ctx, w, http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
			return
		}

		body, err := v.readBody(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				reject(ctx, w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			reject(ctx, w, http.StatusBadRequest, "invalid_request", "unable to read request body")
			return
		}

		signature, err := decodeSignature(signatureValue)
		if err != nil {
			reject(ctx, w, http.StatusUnauthorized, "signature_invalid", "signature encoding is invalid")
			return
		}
		if !hmac.Equal(signature, Sign(secret, r.Method, r.URL.EscapedPath(), timestampValue, nonce, body)) {
			reject(ctx, w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
			return
		}

		stored, err := v.nonces.UseNonce(ctx, requestctx.StoreID(ctx), nonce, now.Add(v.nonceTTL))
		if err != nil {
			logger.Warn("nonce store error", zap.Error(err))
			reject(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "signature verification is unavailable")
			return
		}
		if !stored {
			reject(ctx, w, http.StatusUnauthorized, "nonce_replay", "signature nonce already used")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *SignatureVerifier) loadSecret(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.secret) > 0 {
		return v.secret, nil
	}
	raw, err := v.provider.GetSecret(ctx, v.secretName)
	if err != nil {
		return nil, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("auth: secret %q is empty", v.secretName)
	}
	v.secret = []byte(raw)
	return v.secret, nil
}

func (v *SignatureVerifier) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, v.maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > v.maxBodyBytes {
		return nil, &http.MaxBytesError{Limit: v.maxBodyBytes}
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// Sign computes the signature a caller must send for the given request parts.
func Sign(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n")
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func reject(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
