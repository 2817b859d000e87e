package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/unichat-gateway/internal/providers"
)

// withModelFallback runs call with res.Used. When the provider rejects that
// model as nonexistent, it rediscovers a model excluding the rejected one and
// runs call exactly once more. Other failures are returned as-is. res is
// updated to reflect the model that was finally used.
func withModelFallback[T any](
	ctx context.Context,
	g *Gateway,
	route, reqID string,
	res *Resolution,
	call func(ctx context.Context, model string) (T, error),
) (T, error) {
	var zero T
	provider := g.provider.Name()

	out, err := attempt(ctx, g, route, func(ctx context.Context) (T, error) { return call(ctx, res.Used) })
	if err == nil || !providers.IsModelNotFound(err) {
		return out, err
	}

	rejected := res.Used
	g.log.WarnContext(ctx, "model_rejected",
		slog.String("request_id", reqID),
		slog.String("provider", provider),
		slog.String("model", rejected),
		slog.String("error", err.Error()),
	)

	next, derr := g.resolver.Discover(ctx, rejected)
	if derr != nil {
		if g.metrics != nil {
			g.metrics.RecordFallback(provider, "failed")
		}
		return zero, fmt.Errorf("fallback after %q was rejected: %w", rejected, derr)
	}

	res.Used = next
	res.FellBack = true

	out, err = attempt(ctx, g, route, func(ctx context.Context) (T, error) { return call(ctx, next) })
	if g.metrics != nil {
		outcome := "recovered"
		if err != nil {
			outcome = "failed"
		}
		g.metrics.RecordFallback(provider, outcome)
	}
	if err != nil {
		return zero, err
	}

	g.log.InfoContext(ctx, "model_fallback",
		slog.String("request_id", reqID),
		slog.String("provider", provider),
		slog.String("from", rejected),
		slog.String("to", next),
	)
	return out, nil
}

// attempt runs one upstream call and records its outcome.
func attempt[T any](ctx context.Context, g *Gateway, route string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	out, err := fn(ctx)
	if g.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = classifyError(err)
			g.metrics.RecordError(g.provider.Name(), outcome)
		}
		g.metrics.ObserveUpstreamAttempt(g.provider.Name(), route, outcome, time.Since(start))
	}
	return out, err
}

// classifyError converts an error into a short category used in log fields
// and metric labels.
func classifyError(err error) string {
	var (
		cfg   *providers.ConfigError
		inv   *providers.InvalidRequestError
		up    *providers.UpstreamError
		empty *providers.EmptyCatalogError
		cat   *providers.CatalogError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &cfg):
		return "config"
	case errors.As(err, &inv):
		return "invalid_request"
	case errors.As(err, &empty):
		return "empty_catalog"
	case errors.As(err, &cat):
		return "catalog_unavailable"
	case errors.As(err, &up):
		if up.ModelNotFound {
			return "model_not_found"
		}
		return fmt.Sprintf("http_%d", up.StatusCode)
	}
	return "unknown"
}
