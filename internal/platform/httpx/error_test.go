package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/storekit/coupons/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "trace-1"})

	rec := httptest.NewRecorder()
	WriteError(ctx, rec, NewError("store_not_found", "store not found\n", http.StatusNotFound).
		WithDetails(map[string]any{"store": "acme", "error": "ignored"}))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] != "store_not_found" || payload["message"] != "store not found" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload["request_id"] != "req-1" || payload["trace_id"] != "trace-1" {
		t.Fatalf("expected identifiers, got %#v", payload)
	}
	if payload["store"] != "acme" || payload["status"].(float64) != 404 {
		t.Fatalf("expected details merged, got %#v", payload)
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	cases := []struct {
		name     string
		input    string
		limit    int64
		wantCode string
	}{
		{name: "ok", input: `{"name":"x"}`, limit: 1024},
		{name: "empty", input: ``, limit: 1024, wantCode: "invalid_request"},
		{name: "unknown field", input: `{"nam":"x"}`, limit: 1024, wantCode: "invalid_request"},
		{name: "trailing", input: `{"name":"x"}{}`, limit: 1024, wantCode: "invalid_request"},
		{name: "too large", input: `{"name":"` + strings.Repeat("a", 64) + `"}`, limit: 16, wantCode: "request_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.input))
			var dst body
			err := DecodeJSON(httptest.NewRecorder(), req, tc.limit, &dst)
			if tc.wantCode == "" {
				if err != nil || dst.Name != "x" {
					t.Fatalf("expected success, got %v (%#v)", err, dst)
				}
				return
			}
			var envelope Error
			if !errors.As(err, &envelope) || envelope.Code != tc.wantCode {
				t.Fatalf("expected %s, got %v", tc.wantCode, err)
			}
		})
	}
}
