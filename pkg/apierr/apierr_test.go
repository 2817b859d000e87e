package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("body %q: %v", ctx.Response.Body(), err)
	}
	return env.Error
}

func TestWriteError_ZeroStatusAndBadDetails(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteError(&ctx, APIError{Message: "boom", Details: json.RawMessage("{not json")})

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	got := decode(t, &ctx)
	if got.Status != 500 || got.Details != nil {
		t.Errorf("error = %+v", got)
	}
}

func TestWriteProviderError(t *testing.T) {
	tests := []struct {
		in, wantStatus int
		wantCode       string
		retryAfter     string
	}{
		{429, 429, CodeRateLimitExceeded, "60"},
		{404, 404, CodeModelNotFound, ""},
		{400, 400, CodeProviderError, ""},
		{503, 502, CodeProviderError, ""},
		{0, 502, CodeProviderError, ""},
	}
	for _, tt := range tests {
		var ctx fasthttp.RequestCtx
		WriteProviderError(&ctx, APIError{Message: "x", Status: tt.in, UpstreamRequestID: "up-1"})

		if ctx.Response.StatusCode() != tt.wantStatus {
			t.Errorf("%d: status = %d, want %d", tt.in, ctx.Response.StatusCode(), tt.wantStatus)
		}
		if got := decode(t, &ctx); got.Code != tt.wantCode || got.UpstreamRequestID != "up-1" {
			t.Errorf("%d: error = %+v", tt.in, got)
		}
		if got := string(ctx.Response.Header.Peek("Retry-After")); got != tt.retryAfter {
			t.Errorf("%d: Retry-After = %q", tt.in, got)
		}
		if got := string(ctx.Response.Header.Peek("X-Upstream-Request-ID")); got != "up-1" {
			t.Errorf("%d: X-Upstream-Request-ID = %q", tt.in, got)
		}
	}
}

func TestWriteRateLimit_DefaultRetry(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx, 0)
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestWriteAuthRequired(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteAuthRequired(&ctx)
	if got := decode(t, &ctx); got.Code != CodeAuthRequired || got.Status != 401 {
		t.Errorf("error = %+v", got)
	}
}

func TestMarshal(t *testing.T) {
	body := Marshal(APIError{Message: "m", Type: TypeServerError, Code: CodeInternalError, Status: 500})
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Code != CodeInternalError {
		t.Errorf("marshal = %s (%v)", body, err)
	}
}
