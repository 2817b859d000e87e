// Package openaicompat implements the chat-completion client shared by every
// OpenAI-compatible upstream. Provider differences (headers, catalog
// endpoints, error shapes, model-rejection wording) are described by a
// Profile; the request/response algorithm lives here once.
//
// Transport goes through the openai-go SDK with raw destinations so upstream
// documents and streams reach the gateway untouched.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nulpointcorp/unichat-gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
)

const (
	completionsPath = "chat/completions"
	streamAccept    = "text/event-stream, application/x-ndjson, text/plain;q=0.9, */*;q=0.5"
	healthTimeout   = 5 * time.Second
)

// Profile describes one OpenAI-compatible provider.
type Profile struct {
	// Name is the provider identifier used in logs, metrics and headers.
	Name string
	// APIKeyEnv names the setting reported in ConfigError when the key is empty.
	APIKeyEnv      string
	DefaultBaseURL string
	// Headers are sent on every request (identification headers and the like).
	Headers map[string]string
	// RequestIDHeaders are checked in order for the upstream correlation id.
	RequestIDHeaders []string
	// DetailsField is the key under "error" holding provider-specific details.
	DetailsField string
	// ModelNotFound patterns flag a rejected model regardless of status.
	ModelNotFound []*regexp.Regexp
	// ModelEndpoints are tried in order by ListModels.
	ModelEndpoints []string
	// ThinkingPath is the sjson path that receives the thinking level.
	// Empty disables forwarding.
	ThinkingPath string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the profile's default API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient replaces the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHeader adds a static header to every request. Empty values are ignored.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if value != "" {
			c.headers[key] = value
		}
	}
}

// Client is an OpenAI-compatible upstream client.
type Client struct {
	profile    Profile
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	client     openaiSDK.Client
}

// New creates a Client for profile. An empty apiKey is accepted: every call
// then fails with a ConfigError without touching the network.
func New(profile Profile, apiKey string, opts ...Option) *Client {
	c := &Client{
		profile:    profile,
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    profile.DefaultBaseURL,
		headers:    make(map[string]string, len(profile.Headers)),
		httpClient: &http.Client{},
	}
	for k, v := range profile.Headers {
		if v != "" {
			c.headers[k] = v
		}
	}
	for _, o := range opts {
		o(c)
	}

	sdkOpts := []option.RequestOption{
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(c.httpClient),
		// Retries belong to the gateway's fallback protocol, not the SDK.
		option.WithMaxRetries(0),
	}
	if c.apiKey != "" {
		sdkOpts = append(sdkOpts, option.WithAPIKey(c.apiKey))
	}
	for k, v := range c.headers {
		sdkOpts = append(sdkOpts, option.WithHeader(k, v))
	}
	c.client = openaiSDK.NewClient(sdkOpts...)
	return c
}

func (c *Client) Name() string { return c.profile.Name }

// BaseURL returns the effective API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Complete performs a non-streaming chat completion and returns the upstream
// JSON document unchanged.
func (c *Client) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if err := c.preflight(req); err != nil {
		return nil, err
	}

	var (
		raw      []byte
		httpResp *http.Response
	)
	opts := append(c.requestOptions(req),
		option.WithResponseBodyInto(&raw),
		option.WithResponseInto(&httpResp),
	)
	if _, err := c.client.Chat.Completions.New(ctx, c.buildParams(req), opts...); err != nil {
		return nil, c.toUpstreamError(err, httpResp)
	}

	return &providers.Completion{Body: raw, RequestID: c.requestID(httpResp)}, nil
}

// Stream opens a streaming chat completion. The returned body is the raw
// upstream byte stream in whatever framing the provider chose.
func (c *Client) Stream(ctx context.Context, req *providers.CompletionRequest) (*providers.StreamResponse, error) {
	if err := c.preflight(req); err != nil {
		return nil, err
	}

	var httpResp *http.Response
	opts := append(c.requestOptions(req),
		option.WithJSONSet("stream", true),
		option.WithHeader("Accept", streamAccept),
		option.WithResponseBodyInto(&httpResp),
	)
	if _, err := c.client.Chat.Completions.New(ctx, c.buildParams(req), opts...); err != nil {
		return nil, c.toUpstreamError(err, httpResp)
	}
	if httpResp == nil || httpResp.Body == nil {
		return nil, fmt.Errorf("%s: stream: empty response", c.profile.Name)
	}

	return &providers.StreamResponse{
		Body:        httpResp.Body,
		ContentType: httpResp.Header.Get("Content-Type"),
		RequestID:   c.requestID(httpResp),
	}, nil
}

// HealthCheck probes the first catalog endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.checkKey(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	endpoint := "models"
	if len(c.profile.ModelEndpoints) > 0 {
		endpoint = c.profile.ModelEndpoints[0]
	}
	if _, err := c.listEndpoint(ctx, endpoint); err != nil {
		return fmt.Errorf("%s: health check: %w", c.profile.Name, err)
	}
	return nil
}

func (c *Client) preflight(req *providers.CompletionRequest) error {
	if err := c.checkKey(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(req.Model) == "" {
		return &providers.InvalidRequestError{Message: "model must be resolved before calling " + c.profile.Name}
	}
	return nil
}

func (c *Client) checkKey() error {
	if c.apiKey == "" {
		return &providers.ConfigError{Provider: c.profile.Name, Setting: c.profile.APIKeyEnv}
	}
	return nil
}

func (c *Client) buildParams(req *providers.CompletionRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}
	return params
}

func (c *Client) requestOptions(req *providers.CompletionRequest) []option.RequestOption {
	var opts []option.RequestOption
	if req.ThinkingLevel != "" && c.profile.ThinkingPath != "" {
		opts = append(opts, option.WithJSONSet(c.profile.ThinkingPath, req.ThinkingLevel))
	}
	return opts
}

func (c *Client) requestID(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	for _, h := range c.profile.RequestIDHeaders {
		if v := resp.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}

// toUpstreamError converts SDK and transport failures into the provider
// error taxonomy. httpResp is the captured response, possibly nil.
func (c *Client) toUpstreamError(err error, httpResp *http.Response) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var body []byte
	if httpResp != nil && httpResp.StatusCode >= 400 {
		status = httpResp.StatusCode
		if httpResp.Body != nil {
			body, _ = io.ReadAll(httpResp.Body)
			_ = httpResp.Body.Close()
		}
	}

	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) && status == 0 {
		status = sdkErr.StatusCode
	}
	if status == 0 {
		return fmt.Errorf("%s: %w", c.profile.Name, err)
	}

	ue := &providers.UpstreamError{
		Provider:   c.profile.Name,
		StatusCode: status,
		RequestID:  c.requestID(httpResp),
	}
	ue.Message, ue.Details = c.parseErrorBody(body)
	if ue.Message == "" && sdkErr != nil {
		ue.Message = sdkErr.Message
	}
	if ue.Message == "" {
		ue.Message = http.StatusText(status)
	}
	ue.ModelNotFound = status == http.StatusNotFound || c.matchesModelNotFound(ue.Message)
	return ue
}

// parseErrorBody extracts message and details from {"error":{...}} bodies.
// Anything else is returned as raw text.
func (c *Client) parseErrorBody(body []byte) (string, []byte) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", nil
	}
	if !gjson.ValidBytes(body) {
		return text, nil
	}

	errField := gjson.GetBytes(body, "error")
	switch {
	case errField.Type == gjson.String:
		return errField.String(), nil
	case errField.IsObject():
		msg := strings.TrimSpace(errField.Get("message").String())
		var details []byte
		if c.profile.DetailsField != "" {
			if d := errField.Get(c.profile.DetailsField); d.Exists() && d.Type != gjson.Null {
				details = []byte(d.Raw)
			}
		}
		if msg == "" {
			msg = text
		}
		return msg, details
	}

	if m := gjson.GetBytes(body, "message"); m.Type == gjson.String && m.String() != "" {
		return m.String(), nil
	}
	return text, nil
}

func (c *Client) matchesModelNotFound(msg string) bool {
	for _, re := range c.profile.ModelNotFound {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch role {
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
