package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/unichat-gateway/internal/logger"
)

// --- recovery middleware ----------------------------------------------------

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("mock panic")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json content type, got %s",
			string(ctx.Response.Header.ContentType()))
	}
	if code := errorCode(t, ctx.Response.Body()); code != "internal_error" {
		t.Errorf("code = %q", code)
	}
}

// --- requestID middleware ---------------------------------------------------

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("request_id").(string)
		if id == "" {
			t.Error("request_id should be generated")
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	respID := string(ctx.Response.Header.Peek("X-Request-ID"))
	if respID == "" {
		t.Error("X-Request-ID response header should be set")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("request_id").(string)
		if id != "custom-id-123" {
			t.Errorf("expected preserved ID, got %s", id)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "custom-id-123")
	handler(ctx)

	respID := string(ctx.Response.Header.Peek("X-Request-ID"))
	if respID != "custom-id-123" {
		t.Errorf("expected 'custom-id-123' in response, got %s", respID)
	}
}

func TestRequestID_ReplacesInvalid(t *testing.T) {
	for _, in := range []string{strings.Repeat("a", maxRequestIDLen+1), "has space"} {
		var seen string
		handler := requestID(func(ctx *fasthttp.RequestCtx) {
			seen, _ = ctx.UserValue("request_id").(string)
		})

		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("X-Request-ID", in)
		handler(ctx)

		if _, err := uuid.Parse(seen); err != nil {
			t.Errorf("id %q: replacement %q is not a uuid", in, seen)
		}
	}
}

// --- timing middleware ------------------------------------------------------

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	rt := string(ctx.Response.Header.Peek("X-Response-Time"))
	if rt == "" {
		t.Error("X-Response-Time header should be set")
	}
}

// --- securityHeaders middleware ---------------------------------------------

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
	}

	for header, want := range expected {
		got := string(ctx.Response.Header.Peek(header))
		if got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}

	pp := string(ctx.Response.Header.Peek("Permissions-Policy"))
	if pp == "" {
		t.Error("Permissions-Policy header should be set")
	}
}

// --- corsHandler middleware -------------------------------------------------

func TestCORS_Wildcard(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	origin := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	if origin != "*" {
		t.Errorf("expected wildcard origin, got %q", origin)
	}
}

func TestCORS_WildcardExplicit(t *testing.T) {
	handler := corsHandler([]string{"*"})(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	origin := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	if origin != "*" {
		t.Errorf("expected wildcard, got %q", origin)
	}
}

func TestCORS_SpecificOrigins(t *testing.T) {
	origins := []string{"https://chat.uni.example", "https://admin.uni.example/"}
	handler := corsHandler(origins)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	tests := []struct {
		origin      string
		wantOrigin  string
		wantCookies bool
	}{
		{"https://chat.uni.example", "https://chat.uni.example", true},
		{"https://admin.uni.example", "https://admin.uni.example", true},
		{"https://evil.example", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.SetMethod("GET")
		if tt.origin != "" {
			ctx.Request.Header.Set("Origin", tt.origin)
		}
		handler(ctx)

		if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tt.wantOrigin {
			t.Errorf("origin %q: allow-origin = %q, want %q", tt.origin, got, tt.wantOrigin)
		}
		creds := string(ctx.Response.Header.Peek("Access-Control-Allow-Credentials")) == "true"
		if creds != tt.wantCookies {
			t.Errorf("origin %q: credentials = %v, want %v", tt.origin, creds, tt.wantCookies)
		}
	}
}

func TestCORS_WildcardNeverAllowsCredentials(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.Header.Set("Origin", "https://chat.uni.example")
	handler(ctx)

	if len(ctx.Response.Header.Peek("Access-Control-Allow-Credentials")) != 0 {
		t.Error("wildcard CORS must not allow credentials")
	}
}

func TestCORS_ExposesModelHeaders(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("POST")
	handler(ctx)

	exposed := string(ctx.Response.Header.Peek("Access-Control-Expose-Headers"))
	for _, h := range []string{headerModelUsed, headerModelRequested, headerProvider} {
		if !strings.Contains(exposed, h) {
			t.Errorf("expected %q in Expose-Headers, got %q", h, exposed)
		}
	}
}

func TestCORS_PreflightReturns204(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("should not be reached")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("OPTIONS")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight should return 204, got %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Error("preflight should have empty body")
	}
}

func TestCORS_AllowedHeaders(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	allowHeaders := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	for _, h := range []string{"Authorization", "Content-Type", "X-Request-ID"} {
		if !strings.Contains(allowHeaders, h) {
			t.Errorf("expected %q in Allow-Headers, got %q", h, allowHeaders)
		}
	}
}

func TestCORS_AllowedMethods(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	methods := string(ctx.Response.Header.Peek("Access-Control-Allow-Methods"))
	for _, m := range []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"} {
		if !strings.Contains(methods, m) {
			t.Errorf("expected %q in Allow-Methods, got %q", m, methods)
		}
	}
}

// --- applyMiddleware --------------------------------------------------------

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string

	mw1 := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			order = append(order, "mw1-before")
			next(ctx)
			order = append(order, "mw1-after")
		}
	}
	mw2 := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			order = append(order, "mw2-before")
			next(ctx)
			order = append(order, "mw2-after")
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw1, mw2)

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	// mw1 is outermost, mw2 is inner.
	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %q, got %q", i, v, order[i])
		}
	}
}

func TestApplyMiddleware_NoMiddlewares(t *testing.T) {
	called := false
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		called = true
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if !called {
		t.Error("handler should be called even with no middlewares")
	}
}

// --- request log ids --------------------------------------------------------

func TestLogEntryID(t *testing.T) {
	id := uuid.New()
	if got := logEntryID(id.String()); got != id {
		t.Errorf("uuid request id not reused: %s", got)
	}
	for _, in := range []string{"client-abc", ""} {
		if got := logEntryID(in); got == uuid.Nil {
			t.Errorf("id %q: got the zero uuid", in)
		}
	}
}

func TestLogRequest_KeepsClientRequestID(t *testing.T) {
	var buf bytes.Buffer
	reqLog, err := logger.New(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))
	if err != nil {
		t.Fatal(err)
	}
	gw := newTestGateway(t, newStubProvider(), GatewayOptions{})
	gw.SetLogger(reqLog)

	gw.logRequest(nil, "client-abc", &logger.RequestLog{Route: routeChat, Status: 200}, time.Now())
	if err := reqLog.Close(); err != nil {
		t.Fatal(err)
	}

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("log %q: %v", buf.String(), err)
	}
	if rec["request_id"] != "client-abc" {
		t.Errorf("request_id = %v", rec["request_id"])
	}
	id, _ := rec["id"].(string)
	if parsed, err := uuid.Parse(id); err != nil || parsed == uuid.Nil {
		t.Errorf("id = %q, want a non-zero uuid", id)
	}
}
