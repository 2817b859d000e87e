// Package backend is the client for the university backend API, which owns
// user profiles, conversations and the session tokens.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/unichat-gateway/internal/session"
)

const (
	pathProfile       = "/api/v1/users/me"
	pathConversations = "/api/v1/conversations"
	pathRefresh       = "/api/v1/auth/refresh"

	maxErrorBody = 64 << 10
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Status  int
	Message string
	Body    json.RawMessage
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
}

func (e *StatusError) HTTPStatus() int { return e.Status }

// Stream is a streaming backend response. The caller must close Body.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
}

// Client talks to one backend base URL.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout bounds non-streaming calls. Zero means no bound beyond ctx.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// New returns a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Profile returns the signed-in user.
func (c *Client) Profile(ctx context.Context, token string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, pathProfile, token, nil)
}

// ListConversations returns the user's conversations. query is forwarded
// verbatim (pagination and search are backend concerns).
func (c *Client) ListConversations(ctx context.Context, token, query string) (json.RawMessage, error) {
	p := pathConversations
	if query != "" {
		p += "?" + query
	}
	return c.doJSON(ctx, http.MethodGet, p, token, nil)
}

// CreateConversation creates a conversation from a JSON body.
func (c *Client) CreateConversation(ctx context.Context, token string, body []byte) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPost, pathConversations, token, body)
}

// Conversation returns one conversation with its messages.
func (c *Client) Conversation(ctx context.Context, token, id string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, conversationPath(id), token, nil)
}

// UpdateConversation patches a conversation (title, pin state).
func (c *Client) UpdateConversation(ctx context.Context, token, id string, body []byte) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPatch, conversationPath(id), token, body)
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, token, id string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodDelete, conversationPath(id), token, nil)
}

// SendMessage posts a user message and returns the assistant's reply stream.
// The stream lives as long as ctx.
func (c *Client) SendMessage(ctx context.Context, token, id string, body []byte) (*Stream, error) {
	req, err := c.newRequest(ctx, http.MethodPost, conversationPath(id)+"/messages", token, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: send message: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return &Stream{Body: resp.Body, ContentType: resp.Header.Get("Content-Type")}, nil
}

// Refresh exchanges a refresh token for a new pair. It implements
// session.Refresher. A response without a refresh token keeps the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.Tokens, error) {
	body, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	raw, err := c.doJSON(ctx, http.MethodPost, pathRefresh, "", body)
	if err != nil {
		return session.Tokens{}, err
	}
	doc := gjson.ParseBytes(raw)
	t := session.Tokens{
		AccessToken:  firstOf(doc, "access_token", "accessToken", "data.access_token"),
		RefreshToken: firstOf(doc, "refresh_token", "refreshToken", "data.refresh_token"),
	}
	if t.AccessToken == "" {
		return session.Tokens{}, fmt.Errorf("backend: refresh response carries no access token")
	}
	return t, nil
}

// Ping checks that the backend answers at all. Any HTTP status counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: ping: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body []byte) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, method, path, token, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	return raw, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// statusError decodes {"error":{"message"}}, {"message"} or {"detail"},
// falling back to the raw text.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{Status: resp.StatusCode}

	if gjson.ValidBytes(raw) {
		doc := gjson.ParseBytes(raw)
		se.Body = json.RawMessage(raw)
		se.Message = firstOf(doc, "error.message", "message", "detail", "error")
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(raw))
	}
	if se.Message == "" {
		se.Message = http.StatusText(resp.StatusCode)
	}
	return se
}

func firstOf(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func conversationPath(id string) string {
	return pathConversations + "/" + url.PathEscape(id)
}
