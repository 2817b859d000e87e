package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/unichat-gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the gateway routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full routed handler with middleware applied.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/api/chat", g.instrument(routeChat, g.limited(g.handleChat)))
	r.POST("/api/chat/stream", g.instrument(routeChatStream, g.limited(g.handleChatStream)))
	r.GET("/api/models", g.instrument(routeModels, g.handleModels))

	if g.backend != nil {
		r.GET("/api/profile", g.instrument(routeProfile, g.handleProfile))
		r.GET("/api/conversations", g.instrument(routeConversations, g.handleListConversations))
		r.POST("/api/conversations", g.instrument(routeConversations, g.handleCreateConversation))
		r.GET("/api/conversations/{id}", g.instrument(routeConversation, g.handleGetConversation))
		r.PATCH("/api/conversations/{id}", g.instrument(routeConversation, g.handleUpdateConversation))
		r.DELETE("/api/conversations/{id}", g.instrument(routeConversation, g.handleDeleteConversation))
		r.POST("/api/conversations/{id}/messages", g.instrument(routeMessages, g.limited(g.handleSendMessage)))
	}
	r.POST("/api/auth/logout", g.instrument(routeLogout, g.handleLogout))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "route not found",
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// StartWithRoutes serves on addr until Shutdown is called.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	g.server = &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// Streams are bounded by StreamTimeout, not by the write deadline.
		WriteTimeout:       g.streamTimeout + 10*time.Second,
		IdleTimeout:        120 * time.Second,
		MaxRequestBodySize: 4 << 20,
		Name:               "unichat-gateway",
	}
	return g.server.ListenAndServe(addr)
}

// Shutdown gracefully stops the server started by StartWithRoutes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.ShutdownWithContext(ctx)
}

// instrument records in-flight count, status, latency and sizes for route.
// Streamed responses report only their setup time and no response size.
func (g *Gateway) instrument(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	if g.metrics == nil {
		return h
	}
	return func(ctx *fasthttp.RequestCtx) {
		g.metrics.IncInFlight()
		start := time.Now()
		h(ctx)
		g.metrics.DecInFlight()

		respBytes := 0
		if !ctx.Response.IsBodyStream() {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start),
			len(ctx.PostBody()), respBytes)
	}
}

// limited applies the per-client RPM limit. Limiter failures let the request
// through.
func (g *Gateway) limited(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.rpmLimiter == nil {
			h(ctx)
			return
		}
		d, err := g.rpmLimiter.Allow(ctx, clientKey(ctx))
		switch {
		case err != nil:
			g.log.WarnContext(ctx, "rate_limit_unavailable",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("error", err.Error()),
			)
			g.recordRateLimit("error")
		case !d.Allowed:
			g.recordRateLimit("limited")
			apierr.WriteRateLimit(ctx, int(math.Ceil(d.RetryAfter.Seconds())))
			return
		default:
			g.recordRateLimit("allowed")
		}
		h(ctx)
	}
}

func (g *Gateway) recordRateLimit(result string) {
	if g.metrics != nil {
		g.metrics.RecordRateLimit(result)
	}
}

// clientKey identifies the caller for rate limiting: the first
// X-Forwarded-For hop when present, else the socket address.
func clientKey(ctx *fasthttp.RequestCtx) string {
	if xff := string(ctx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	return ctx.RemoteIP().String()
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
