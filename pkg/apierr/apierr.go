// Package apierr provides structured API error types and HTTP status mapping
// for the gateway's JSON error envelope.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeConfigurationErr  = "configuration_error"
	TypeBackendError      = "backend_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeAuthRequired      = "auth_required"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeModelNotFound     = "model_not_found"
	CodeCatalogExhausted  = "catalog_unavailable"
	CodeEmptyCatalog      = "empty_catalog"
	CodeMissingAPIKey     = "missing_api_key"
	CodeBackendError      = "backend_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message           string          `json:"message"`
		Type              string          `json:"type"`
		Code              string          `json:"code"`
		Status            int             `json:"status"`
		Details           json.RawMessage `json:"details,omitempty"`
		UpstreamRequestID string          `json:"upstream_request_id,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteError(ctx, APIError{
		Message: message,
		Type:    errType,
		Code:    code,
		Status:  status,
	})
}

// WriteError writes a fully populated APIError. e.Status is used as the HTTP
// status; a zero status becomes 500.
func WriteError(ctx *fasthttp.RequestCtx, e APIError) {
	if e.Status == 0 {
		e.Status = fasthttp.StatusInternalServerError
	}
	if len(e.Details) > 0 && !json.Valid(e.Details) {
		e.Details = nil
	}
	ctx.SetStatusCode(e.Status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// Marshal returns the JSON envelope for e without writing it anywhere.
// Used by stream writers that report failures in-band.
func Marshal(e APIError) []byte {
	body, _ := json.Marshal(envelope{Error: e})
	return body
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 404  → 404 (model rejected after fallback)
//	Provider 5xx  → 502
//	Default       → provider status for other 4xx, else 502
func WriteProviderError(ctx *fasthttp.RequestCtx, e APIError) {
	providerStatus := e.Status
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		e.Type, e.Code = TypeRateLimitError, CodeRateLimitExceeded
	case providerStatus == fasthttp.StatusNotFound:
		e.Type, e.Code = TypeProviderError, CodeModelNotFound
	case providerStatus >= 400 && providerStatus < 500:
		e.Type, e.Code = TypeProviderError, CodeProviderError
	default:
		e.Status = fasthttp.StatusBadGateway
		e.Type, e.Code = TypeProviderError, CodeProviderError
	}
	if e.UpstreamRequestID != "" {
		ctx.Response.Header.Set("X-Upstream-Request-ID", e.UpstreamRequestID)
	}
	WriteError(ctx, e)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteAuthRequired writes the 401 that tells the UI to re-authenticate.
func WriteAuthRequired(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "authentication required", TypeAuthenticationErr, CodeAuthRequired)
}
