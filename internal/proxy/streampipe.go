package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/unichat-gateway/internal/stream"
	"github.com/nulpointcorp/unichat-gateway/pkg/apierr"
)

// Stream end reasons, used as log fields and metric labels.
const (
	endDone          = "done"
	endUpstreamError = "upstream_error"
	endProtocolError = "protocol_error"
	endReadError     = "read_error"
	endClientGone    = "client_gone"
)

type streamSummary struct {
	reason    string
	deltas    int
	tools     int
	textBytes int
}

type streamPipe struct {
	route  string
	reqID  string
	body   io.ReadCloser
	format stream.Format
	output stream.Output
	// cancel releases the upstream request once the pipe is finished.
	cancel context.CancelFunc
	onEnd  func(streamSummary)
}

// pipeStream commits the response headers and copies normalized events from
// p.body to the client as they arrive. It returns immediately; the copy runs
// in fasthttp's body stream writer after the handler returns.
func (g *Gateway) pipeStream(ctx *fasthttp.RequestCtx, p streamPipe) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(p.output.ContentType())
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		r := stream.NewReader(p.body, stream.NewParser(p.format))
		sw := stream.NewWriter(w, p.output)
		defer func() {
			_ = r.Close()
			if p.cancel != nil {
				p.cancel()
			}
		}()

		sum := g.copyEvents(r, sw, p)
		sum.deltas = sw.Deltas()
		sum.textBytes = sw.TextBytes()

		if g.metrics != nil {
			g.metrics.RecordStreamEvents(p.route, string(stream.KindDelta), sum.deltas)
			g.metrics.RecordStreamEvents(p.route, string(stream.KindTool), sum.tools)
			g.metrics.RecordStreamEnd(p.route, sum.reason)
		}
		lvl := slog.LevelInfo
		if sum.reason != endDone {
			lvl = slog.LevelWarn
		}
		g.log.Log(g.baseCtx, lvl, "stream_end",
			slog.String("request_id", p.reqID),
			slog.String("route", p.route),
			slog.String("format", string(p.format)),
			slog.String("reason", sum.reason),
			slog.Int("deltas", sum.deltas),
			slog.Int("text_bytes", sum.textBytes),
		)
		if p.onEnd != nil {
			p.onEnd(sum)
		}
	})
}

func (g *Gateway) copyEvents(r *stream.Reader, sw *stream.Writer, p streamPipe) streamSummary {
	var sum streamSummary
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			sum.reason = endDone
			return sum
		}
		if err != nil {
			sum.reason = streamErrorReason(err)
			g.log.Warn("stream_failed",
				slog.String("request_id", p.reqID),
				slog.String("route", p.route),
				slog.String("error", err.Error()),
			)
			if werr := sw.WriteError(apierr.Marshal(streamErrorEnvelope(err))); werr != nil {
				sum.reason = endClientGone
			}
			return sum
		}
		if ev.Kind == stream.KindTool {
			sum.tools++
		}
		if err := sw.WriteEvent(ev); err != nil {
			sum.reason = endClientGone
			return sum
		}
	}
}

func streamErrorReason(err error) string {
	var (
		up    *stream.UpstreamError
		proto *stream.ProtocolError
	)
	switch {
	case errors.As(err, &up):
		return endUpstreamError
	case errors.As(err, &proto):
		return endProtocolError
	default:
		return endReadError
	}
}

// streamErrorEnvelope builds the in-band error sent after headers are committed.
func streamErrorEnvelope(err error) apierr.APIError {
	var (
		up    *stream.UpstreamError
		proto *stream.ProtocolError
	)
	switch {
	case errors.As(err, &up):
		return apierr.APIError{
			Message: up.Message,
			Type:    apierr.TypeProviderError,
			Code:    apierr.CodeProviderError,
			Status:  fasthttp.StatusBadGateway,
			Details: up.Details,
		}
	case errors.As(err, &proto):
		return apierr.APIError{
			Message: proto.Msg,
			Type:    apierr.TypeProviderError,
			Code:    apierr.CodeProviderError,
			Status:  fasthttp.StatusBadGateway,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.APIError{
			Message: "stream timed out",
			Type:    apierr.TypeProviderError,
			Code:    apierr.CodeRequestTimeout,
			Status:  fasthttp.StatusGatewayTimeout,
		}
	default:
		return apierr.APIError{
			Message: "upstream stream interrupted",
			Type:    apierr.TypeProviderError,
			Code:    apierr.CodeProviderError,
			Status:  fasthttp.StatusBadGateway,
		}
	}
}
