package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/unichat-gateway/internal/backend"
	"github.com/nulpointcorp/unichat-gateway/internal/logger"
	"github.com/nulpointcorp/unichat-gateway/internal/providers"
	"github.com/nulpointcorp/unichat-gateway/internal/session"
	"github.com/nulpointcorp/unichat-gateway/internal/stream"
	"github.com/nulpointcorp/unichat-gateway/pkg/apierr"
)

// backendCall is one session-bound call against the backend.
type backendCall func(ctx context.Context, token string) (json.RawMessage, error)

// sessionJSON runs call through the refresh wrapper and writes the backend's
// JSON document as the response.
func (g *Gateway) sessionJSON(ctx *fasthttp.RequestCtx, op string, call backendCall) {
	callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	store := session.NewCookieStore(ctx, g.cookieSecure)
	doc, err := session.Do(callCtx, g.guard, store, call)
	g.recordBackend(op, err)
	if err != nil {
		g.failBackend(ctx, store, op, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	if len(doc) == 0 {
		doc = json.RawMessage("{}")
	}
	ctx.SetBody(doc)
}

func (g *Gateway) handleProfile(ctx *fasthttp.RequestCtx) {
	g.sessionJSON(ctx, routeProfile, func(c context.Context, token string) (json.RawMessage, error) {
		return g.backend.Profile(c, token)
	})
}

func (g *Gateway) handleListConversations(ctx *fasthttp.RequestCtx) {
	query := string(ctx.QueryArgs().QueryString())
	g.sessionJSON(ctx, routeConversations, func(c context.Context, token string) (json.RawMessage, error) {
		return g.backend.ListConversations(c, token, query)
	})
}

func (g *Gateway) handleCreateConversation(ctx *fasthttp.RequestCtx) {
	body := append([]byte(nil), ctx.PostBody()...)
	g.sessionJSON(ctx, routeConversations, func(c context.Context, token string) (json.RawMessage, error) {
		return g.backend.CreateConversation(c, token, body)
	})
}

func (g *Gateway) handleGetConversation(ctx *fasthttp.RequestCtx) {
	id := conversationID(ctx)
	g.sessionJSON(ctx, routeConversation, func(c context.Context, token string) (json.RawMessage, error) {
		return g.backend.Conversation(c, token, id)
	})
}

func (g *Gateway) handleUpdateConversation(ctx *fasthttp.RequestCtx) {
	id := conversationID(ctx)
	body := append([]byte(nil), ctx.PostBody()...)
	g.sessionJSON(ctx, routeConversation, func(c context.Context, token string) (json.RawMessage, error) {
		return g.backend.UpdateConversation(c, token, id, body)
	})
}

func (g *Gateway) handleDeleteConversation(ctx *fasthttp.RequestCtx) {
	id := conversationID(ctx)
	g.sessionJSON(ctx, routeConversation, func(c context.Context, token string) (json.RawMessage, error) {
		return g.backend.DeleteConversation(c, token, id)
	})
}

// handleSendMessage forwards a user message and streams the backend's reply,
// normalized into SSE.
func (g *Gateway) handleSendMessage(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID := requestIDOf(ctx)
	entry := logger.RequestLog{Route: routeMessages, Provider: "backend", Streamed: true}

	id := conversationID(ctx)
	body := append([]byte(nil), ctx.PostBody()...)

	streamCtx, cancel := context.WithTimeout(g.baseCtx, g.streamTimeout)
	store := session.NewCookieStore(ctx, g.cookieSecure)
	st, err := session.Do(streamCtx, g.guard, store, func(c context.Context, token string) (*backend.Stream, error) {
		return g.backend.SendMessage(c, token, id, body)
	})
	g.recordBackend(routeMessages, err)
	if err != nil {
		cancel()
		g.failBackend(ctx, store, routeMessages, err)
		g.logRequest(ctx, reqID, &entry, start)
		return
	}

	g.pipeStream(ctx, streamPipe{
		route:  routeMessages,
		reqID:  reqID,
		body:   st.Body,
		format: backendStreamFormat(st.ContentType),
		output: stream.OutputSSE,
		cancel: cancel,
		onEnd: func(sum streamSummary) {
			entry.Deltas = sum.deltas
			entry.Status = fasthttp.StatusOK
			g.logRequest(nil, reqID, &entry, start)
		},
	})
}

// handleLogout clears the session cookies. It never calls the backend.
func (g *Gateway) handleLogout(ctx *fasthttp.RequestCtx) {
	session.NewCookieStore(ctx, g.cookieSecure).Clear()
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// backendStreamFormat treats anything the backend does not label as SSE or
// plain text as JSON-Lines.
func backendStreamFormat(contentType string) stream.Format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case "text/event-stream", "text/plain":
		return stream.Detect(mt)
	default:
		return stream.FormatJSONL
	}
}

func conversationID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("id").(string)
	return id
}

func (g *Gateway) recordBackend(op string, err error) {
	if g.metrics == nil {
		return
	}
	status := fasthttp.StatusOK
	if err != nil {
		status = providers.StatusOf(err)
	}
	g.metrics.RecordBackendCall(op, status)
}

// failBackend writes the error for a failed session-bound call. Any 401 that
// survives the refresh protocol drops the session and asks the UI to sign in
// again; tokens the backend just rejected must not be handed back.
func (g *Gateway) failBackend(ctx *fasthttp.RequestCtx, store session.Store, op string, err error) {
	if session.IsUnauthorized(err) {
		store.Clear()
		apierr.WriteAuthRequired(ctx)
		return
	}

	g.log.ErrorContext(ctx, "backend_error",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)

	var se *backend.StatusError
	switch {
	case errors.As(err, &se):
		status := se.Status
		if status < 400 || status >= 500 {
			status = fasthttp.StatusBadGateway
		}
		code := apierr.CodeBackendError
		if se.Status == fasthttp.StatusNotFound {
			code = apierr.CodeNotFound
		}
		apierr.WriteError(ctx, apierr.APIError{
			Message: se.Message,
			Type:    apierr.TypeBackendError,
			Code:    code,
			Status:  status,
			Details: se.Body,
		})
	case errors.Is(err, context.DeadlineExceeded):
		apierr.Write(ctx, fasthttp.StatusGatewayTimeout, "backend request timed out",
			apierr.TypeBackendError, apierr.CodeRequestTimeout)
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, "backend unavailable",
			apierr.TypeBackendError, apierr.CodeBackendError)
	}
}
