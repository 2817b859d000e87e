// Package proxy is the gateway request pipeline.
//
// A Gateway receives chat requests from the UI, resolves the model (with one
// fallback when the provider rejects it), calls the configured provider, and
// either returns the completion document or normalizes the upstream stream
// into this gateway's SSE framing. Session-bound routes proxy the university
// backend through the session refresh wrapper.
//
//   - Logger, metrics, rate limiter and request log are optional and nil-safe.
//   - All upstream I/O takes a context; streams are cancelled when the
//     client goes away.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/unichat-gateway/internal/backend"
	"github.com/nulpointcorp/unichat-gateway/internal/cache"
	"github.com/nulpointcorp/unichat-gateway/internal/logger"
	"github.com/nulpointcorp/unichat-gateway/internal/metrics"
	"github.com/nulpointcorp/unichat-gateway/internal/providers"
	"github.com/nulpointcorp/unichat-gateway/internal/ratelimit"
	"github.com/nulpointcorp/unichat-gateway/internal/session"
	"github.com/nulpointcorp/unichat-gateway/internal/stream"
	"github.com/nulpointcorp/unichat-gateway/pkg/apierr"
)

const (
	routeChat          = "chat"
	routeChatStream    = "chat_stream"
	routeModels        = "models"
	routeProfile       = "profile"
	routeConversations = "conversations"
	routeConversation  = "conversation"
	routeMessages      = "messages"
	routeLogout        = "logout"

	headerModelUsed      = "X-Model-Used"
	headerModelRequested = "X-Model-Requested"
	headerProvider       = "X-Provider"
	headerUpstreamID     = "X-Upstream-Request-ID"

	defaultProviderTimeout = 60 * time.Second
	defaultStreamTimeout   = 5 * time.Minute
)

// Backend is the session-bearing university API.
type Backend interface {
	Profile(ctx context.Context, token string) (json.RawMessage, error)
	ListConversations(ctx context.Context, token, query string) (json.RawMessage, error)
	CreateConversation(ctx context.Context, token string, body []byte) (json.RawMessage, error)
	Conversation(ctx context.Context, token, id string) (json.RawMessage, error)
	UpdateConversation(ctx context.Context, token, id string, body []byte) (json.RawMessage, error)
	DeleteConversation(ctx context.Context, token, id string) (json.RawMessage, error)
	SendMessage(ctx context.Context, token, id string, body []byte) (*backend.Stream, error)
}

// GatewayOptions holds optional settings. Zero values use defaults.
type GatewayOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// DefaultModel is used when the request names no model.
	DefaultModel string
	// Slot stores the last-known-good model. Nil disables the slot step.
	Slot *cache.Slot
	// SlotReady reports whether the slot storage is reachable.
	SlotReady func() bool

	// ProviderTimeout bounds non-streaming upstream and backend calls.
	ProviderTimeout time.Duration
	// StreamTimeout bounds a whole stream.
	StreamTimeout time.Duration

	// StreamFormat is the upstream framing; auto detects it per response.
	StreamFormat stream.Format
	// StreamOutput is the framing of /api/chat/stream responses.
	StreamOutput stream.Output

	// Backend enables the session routes. Refresher defaults to Backend
	// when it implements session.Refresher.
	Backend      Backend
	Refresher    session.Refresher
	BackendReady func(context.Context) error
	CookieSecure bool
}

// Gateway serves the chat and session routes.
type Gateway struct {
	provider providers.Provider
	resolver *Resolver
	backend  Backend
	guard    *session.Guard
	health   *HealthChecker

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	providerTimeout time.Duration
	streamTimeout   time.Duration
	streamFormat    stream.Format
	streamOutput    stream.Output
	cookieSecure    bool

	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. ["*"] or empty allows all.
	corsOrigins []string

	server *fasthttp.Server
}

// NewGateway returns a Gateway for prov and starts its health checker.
func NewGateway(baseCtx context.Context, prov providers.Provider, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if prov == nil {
		panic("gateway: provider must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	streamTimeout := opts.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}
	output := opts.StreamOutput
	if output == "" {
		output = stream.OutputSSE
	}

	g := &Gateway{
		provider:        prov,
		resolver:        NewResolver(prov, opts.DefaultModel, opts.Slot, opts.Metrics, log),
		backend:         opts.Backend,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: providerTimeout,
		streamTimeout:   streamTimeout,
		streamFormat:    opts.StreamFormat,
		streamOutput:    output,
		cookieSecure:    opts.CookieSecure,
	}

	if opts.Backend != nil {
		refresher := opts.Refresher
		if refresher == nil {
			refresher, _ = opts.Backend.(session.Refresher)
		}
		if refresher == nil {
			panic("gateway: backend requires a session refresher")
		}
		gopts := []session.GuardOption{session.WithLogger(log)}
		if g.metrics != nil {
			gopts = append(gopts, session.WithObserver(g.metrics.RecordSessionRefresh))
		}
		g.guard = session.NewGuard(refresher, gopts...)
	}

	g.health = NewHealthChecker(baseCtx, prov, opts.SlotReady, opts.BackendReady, g.metrics)
	return g
}

// SetRateLimiter injects the per-client RPM limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request log.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// Close stops background probes.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Chat ─────────────────────────────────────────────────────────────────────

type chatRequest struct {
	Model         string              `json:"model"`
	Messages      []providers.Message `json:"messages"`
	Temperature   *float64            `json:"temperature"`
	MaxTokens     *int                `json:"max_tokens"`
	MaxTokensAlt  *int                `json:"maxTokens"`
	ThinkingLevel string              `json:"thinkingLevel"`
}

// parseChat decodes and validates the body, writing a 400 on failure.
func parseChat(ctx *fasthttp.RequestCtx) (*providers.CompletionRequest, bool) {
	var in chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	if in.MaxTokens == nil {
		in.MaxTokens = in.MaxTokensAlt
	}

	req := &providers.CompletionRequest{
		Model:         strings.TrimSpace(in.Model),
		Messages:      in.Messages,
		Temperature:   in.Temperature,
		MaxTokens:     in.MaxTokens,
		ThinkingLevel: strings.ToLower(strings.TrimSpace(in.ThinkingLevel)),
	}
	if err := req.Validate(); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	return req, true
}

// handleChat serves POST /api/chat.
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID := requestIDOf(ctx)
	entry := logger.RequestLog{Route: routeChat, Provider: g.provider.Name()}
	defer func() { g.logRequest(ctx, reqID, &entry, start) }()

	req, ok := parseChat(ctx)
	if !ok {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	res, err := g.resolver.Resolve(callCtx, req.Model)
	if err != nil {
		g.failUpstream(ctx, reqID, "resolve", err)
		return
	}
	entry.RequestedModel = res.Requested

	g.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.String("provider", g.provider.Name()),
		slog.String("model", res.Used),
		slog.String("model_source", string(res.Source)),
		slog.Int("messages", len(req.Messages)),
	)

	comp, err := withModelFallback(callCtx, g, routeChat, reqID, &res,
		func(ctx context.Context, model string) (*providers.Completion, error) {
			return g.provider.Complete(ctx, req.WithModel(model))
		})
	entry.UsedModel, entry.Fallback = res.Used, res.FellBack
	if err != nil {
		entry.UpstreamRequestID = upstreamRequestID(err)
		g.failUpstream(ctx, reqID, "complete", err)
		return
	}
	entry.UpstreamRequestID = comp.RequestID

	usage := gjson.GetManyBytes(comp.Body, "usage.prompt_tokens", "usage.completion_tokens")
	entry.InputTokens, entry.OutputTokens = int(usage[0].Int()), int(usage[1].Int())
	if g.metrics != nil {
		g.metrics.AddTokens(g.provider.Name(), entry.InputTokens, entry.OutputTokens)
	}

	g.setModelHeaders(ctx, res, comp.RequestID)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(annotateCompletion(comp.Body, res, g.provider.Name()))
}

// handleChatStream serves POST /api/chat/stream. Fallback happens before any
// byte is written; once streaming starts failures are reported in-band.
func (g *Gateway) handleChatStream(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID := requestIDOf(ctx)
	entry := logger.RequestLog{Route: routeChatStream, Provider: g.provider.Name(), Streamed: true}

	req, ok := parseChat(ctx)
	if !ok {
		g.logRequest(ctx, reqID, &entry, start)
		return
	}

	// The stream outlives this handler, so it hangs off the base context.
	streamCtx, cancel := context.WithTimeout(g.baseCtx, g.streamTimeout)

	res, err := g.resolver.Resolve(streamCtx, req.Model)
	if err != nil {
		cancel()
		g.failUpstream(ctx, reqID, "resolve", err)
		g.logRequest(ctx, reqID, &entry, start)
		return
	}
	entry.RequestedModel = res.Requested

	g.log.InfoContext(ctx, "chat_stream_request",
		slog.String("request_id", reqID),
		slog.String("provider", g.provider.Name()),
		slog.String("model", res.Used),
		slog.String("model_source", string(res.Source)),
	)

	sr, err := withModelFallback(streamCtx, g, routeChatStream, reqID, &res,
		func(ctx context.Context, model string) (*providers.StreamResponse, error) {
			return g.provider.Stream(ctx, req.WithModel(model))
		})
	entry.UsedModel, entry.Fallback = res.Used, res.FellBack
	if err != nil {
		cancel()
		entry.UpstreamRequestID = upstreamRequestID(err)
		g.failUpstream(ctx, reqID, "stream", err)
		g.logRequest(ctx, reqID, &entry, start)
		return
	}
	entry.UpstreamRequestID = sr.RequestID

	g.setModelHeaders(ctx, res, sr.RequestID)
	format := stream.Resolve(g.streamFormat, sr.ContentType)

	g.pipeStream(ctx, streamPipe{
		route:  routeChatStream,
		reqID:  reqID,
		body:   sr.Body,
		format: format,
		output: g.streamOutput,
		cancel: cancel,
		onEnd: func(sum streamSummary) {
			entry.Deltas = sum.deltas
			entry.Status = fasthttp.StatusOK
			g.logRequest(nil, reqID, &entry, start)
		},
	})
}

// handleModels serves GET /api/models.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	reqID := requestIDOf(ctx)
	callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	ids, err := g.provider.ListModels(callCtx)
	if err == nil && len(ids) == 0 {
		err = &providers.EmptyCatalogError{Provider: g.provider.Name()}
	}
	if err != nil {
		g.failUpstream(ctx, reqID, "list_models", err)
		return
	}

	type model struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	out := struct {
		Object   string  `json:"object"`
		Provider string  `json:"provider"`
		Data     []model `json:"data"`
	}{Object: "list", Provider: g.provider.Name(), Data: make([]model, len(ids))}
	for i, id := range ids {
		out.Data[i] = model{ID: id, Object: "model"}
	}
	writeJSON(ctx, out)
}

func (g *Gateway) setModelHeaders(ctx *fasthttp.RequestCtx, res Resolution, upstreamID string) {
	h := &ctx.Response.Header
	h.Set(headerModelUsed, res.Used)
	h.Set(headerModelRequested, res.Requested)
	h.Set(headerProvider, g.provider.Name())
	if upstreamID != "" {
		h.Set(headerUpstreamID, upstreamID)
	}
}

// annotateCompletion adds the requested and used model to an upstream
// completion object. Non-object bodies are returned unchanged.
func annotateCompletion(body []byte, res Resolution, provider string) []byte {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body
	}
	out := body
	for _, kv := range [...]struct {
		path  string
		value any
	}{
		{"requestedModel", res.Requested},
		{"modelUsed", res.Used},
		{"provider", provider},
		{"fallback", res.FellBack},
	} {
		if b, err := sjson.SetBytes(out, kv.path, kv.value); err == nil {
			out = b
		}
	}
	return out
}

// failUpstream logs err and writes the matching error envelope.
func (g *Gateway) failUpstream(ctx *fasthttp.RequestCtx, reqID, stage string, err error) {
	g.log.ErrorContext(ctx, "upstream_error",
		slog.String("request_id", reqID),
		slog.String("provider", g.provider.Name()),
		slog.String("stage", stage),
		slog.String("reason", classifyError(err)),
		slog.String("error", err.Error()),
	)
	handleProviderError(ctx, err)
}

// handleProviderError maps the provider error taxonomy to HTTP responses.
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	var (
		inv   *providers.InvalidRequestError
		cfg   *providers.ConfigError
		empty *providers.EmptyCatalogError
		cat   *providers.CatalogError
		up    *providers.UpstreamError
	)
	switch {
	case errors.As(err, &inv):
		apierr.Write(ctx, fasthttp.StatusBadRequest, inv.Message,
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case errors.As(err, &cfg):
		apierr.Write(ctx, fasthttp.StatusInternalServerError, cfg.Error(),
			apierr.TypeConfigurationErr, apierr.CodeMissingAPIKey)
	case errors.As(err, &empty):
		apierr.Write(ctx, fasthttp.StatusInternalServerError, empty.Error(),
			apierr.TypeProviderError, apierr.CodeEmptyCatalog)
	case errors.As(err, &cat):
		attempts := make([]string, 0, len(cat.Attempts))
		for _, a := range cat.Attempts {
			attempts = append(attempts, a.Error())
		}
		details, _ := json.Marshal(map[string]any{"attempts": attempts})
		apierr.WriteError(ctx, apierr.APIError{
			Message: "no model catalog endpoint answered",
			Type:    apierr.TypeProviderError,
			Code:    apierr.CodeCatalogExhausted,
			Status:  fasthttp.StatusBadGateway,
			Details: details,
		})
	case errors.As(err, &up):
		apierr.WriteProviderError(ctx, apierr.APIError{
			Message:           up.Message,
			Status:            up.StatusCode,
			Details:           up.Details,
			UpstreamRequestID: up.RequestID,
		})
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
			apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

func upstreamRequestID(err error) string {
	var up *providers.UpstreamError
	if errors.As(err, &up) {
		return up.RequestID
	}
	return ""
}

// ── Request log ──────────────────────────────────────────────────────────────

// logRequest enqueues entry to the async request log. When ctx is non-nil
// the response status is taken from it.
func (g *Gateway) logRequest(ctx *fasthttp.RequestCtx, reqID string, entry *logger.RequestLog, start time.Time) {
	if g.reqLogger == nil {
		return
	}
	if ctx != nil {
		entry.Status = ctx.Response.StatusCode()
	}
	entry.ID = logEntryID(reqID)
	entry.RequestID = reqID
	entry.Latency = time.Since(start)
	entry.CreatedAt = time.Now()
	g.reqLogger.Log(*entry)
}

// logEntryID reuses a UUID request id. Client-chosen ids that are not UUIDs
// get a fresh one and stay visible through RequestLog.RequestID.
func logEntryID(reqID string) uuid.UUID {
	if id, err := uuid.Parse(reqID); err == nil {
		return id
	}
	return uuid.New()
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}
