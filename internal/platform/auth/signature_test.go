package auth

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/storekit/coupons/internal/platform/requestctx"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func staticSecret(value string) SecretProvider {
	return SecretProviderFunc(func(context.Context, string) (string, error) { return value, nil })
}

func newVerifier(t *testing.T, provider SecretProvider, opts ...SignatureOption) *SignatureVerifier {
	t.Helper()
	opts = append([]SignatureOption{WithSignatureClock(func() time.Time { return fixedNow })}, opts...)
	v, err := NewSignatureVerifier(provider, "secret://finalize-signing", opts...)
	if err != nil {
		t.Fatalf("NewSignatureVerifier: %v", err)
	}
	return v
}

func signedRequest(secret, body, nonce string, ts time.Time) *http.Request {
	const path = "/api/v1/demo/orders/ord-1/finalize-coupons"
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(DefaultTimestampHeader, stamp)
	req.Header.Set(DefaultNonceHeader, nonce)
	req.Header.Set(DefaultSignatureHeader, hex.EncodeToString(Sign([]byte(secret), http.MethodPost, path, stamp, nonce, []byte(body))))
	return req.WithContext(requestctx.WithStoreID(req.Context(), "demo"))
}

func serve(v *SignatureVerifier, req *http.Request) (*httptest.ResponseRecorder, string) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	v.Middleware(next).ServeHTTP(rec, req)
	return rec, seen
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	code, _ := payload["error"].(string)
	return code
}

func TestSignatureVerifierAcceptsValidRequest(t *testing.T) {
	v := newVerifier(t, staticSecret("top-secret"))
	body := `{"cart":{"currency":"USD"}}`

	rec, seen := serve(v, signedRequest("top-secret", body, "n-1", fixedNow.Add(-time.Minute)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if seen != body {
		t.Fatalf("expected body to be restored for the handler, got %q", seen)
	}
}

func TestSignatureVerifierRejections(t *testing.T) {
	cases := []struct {
		name   string
		build  func() *http.Request
		status int
		code   string
	}{
		{
			name: "missing headers",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{}"))
			},
			status: http.StatusUnauthorized,
			code:   "signature_missing",
		},
		{
			name: "wrong secret",
			build: func() *http.Request {
				return signedRequest("other", "{}", "n-2", fixedNow)
			},
			status: http.StatusUnauthorized,
			code:   "signature_mismatch",
		},
		{
			name: "stale timestamp",
			build: func() *http.Request {
				return signedRequest("top-secret", "{}", "n-3", fixedNow.Add(-time.Hour))
			},
			status: http.StatusUnauthorized,
			code:   "timestamp_skew",
		},
		{
			name: "tampered body",
			build: func() *http.Request {
				req := signedRequest("top-secret", "{}", "n-4", fixedNow)
				req.Body = io.NopCloser(strings.NewReader(`{"x":1}`))
				return req
			},
			status: http.StatusUnauthorized,
			code:   "signature_mismatch",
		},
		{
			name: "bad encoding",
			build: func() *http.Request {
				req := signedRequest("top-secret", "{}", "n-5", fixedNow)
				req.Header.Set(DefaultSignatureHeader, "!!")
				return req
			},
			status: http.StatusUnauthorized,
			code:   "signature_invalid",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newVerifier(t, staticSecret("top-secret"))
			rec, _ := serve(v, tc.build())
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if got := errorCode(t, rec); got != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, got)
			}
		})
	}
}

func TestSignatureVerifierRejectsReplayedNonce(t *testing.T) {
	v := newVerifier(t, staticSecret("top-secret"))

	if rec, _ := serve(v, signedRequest("top-secret", "{}", "same", fixedNow)); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}
	rec, _ := serve(v, signedRequest("top-secret", "{}", "same", fixedNow))
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "nonce_replay" {
		t.Fatalf("expected nonce_replay, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSignatureVerifierSecretUnavailable(t *testing.T) {
	provider := SecretProviderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("secret manager down")
	})
	v := newVerifier(t, provider)

	rec, _ := serve(v, signedRequest("top-secret", "{}", "n-6", fixedNow))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSignatureVerifierBodyLimit(t *testing.T) {
	v := newVerifier(t, staticSecret("top-secret"), WithSignatureMaxBody(8))

	rec, _ := serve(v, signedRequest("top-secret", strings.Repeat("a", 32), "n-7", fixedNow))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMemoryNonceStoreExpires(t *testing.T) {
	store := NewMemoryNonceStore()
	now := fixedNow
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, err := store.UseNonce(ctx, "demo", "n", now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("first use: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.UseNonce(ctx, "other", "n", now.Add(time.Minute)); !ok {
		t.Fatalf("expected nonces to be scoped per store")
	}
	if ok, _ := store.UseNonce(ctx, "demo", "n", now.Add(time.Minute)); ok {
		t.Fatalf("expected replay to be rejected")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := store.UseNonce(ctx, "demo", "n", now.Add(time.Minute)); !ok {
		t.Fatalf("expected expired nonce to be reusable")
	}
}

func TestNewSignatureVerifierRequiresSecret(t *testing.T) {
	if _, err := NewSignatureVerifier(nil, "x"); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewSignatureVerifier(staticSecret("s"), " "); err == nil {
		t.Fatalf("expected error for blank secret name")
	}
}
