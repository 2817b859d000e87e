package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/nulpointcorp/unichat-gateway/internal/backend"
	"github.com/nulpointcorp/unichat-gateway/internal/session"
)

// stubBackend accepts only the "fresh" access token unless valid is set.
type stubBackend struct {
	mu sync.Mutex

	valid      string
	refreshErr error
	docErr     error
	stream     string
	streamCT   string

	tokens    []string
	refreshes int
	lastID    string
	lastQuery string
	lastBody  string
}

func newStubBackend() *stubBackend {
	return &stubBackend{valid: "fresh"}
}

func (b *stubBackend) check(token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = append(b.tokens, token)
	if token != b.valid {
		return &backend.StatusError{Status: http.StatusUnauthorized, Message: "token expired"}
	}
	return b.docErr
}

func (b *stubBackend) doc(token string, v string) (json.RawMessage, error) {
	if err := b.check(token); err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}

func (b *stubBackend) Profile(_ context.Context, token string) (json.RawMessage, error) {
	return b.doc(token, `{"name":"Sara","studentId":"4001"}`)
}

func (b *stubBackend) ListConversations(_ context.Context, token, query string) (json.RawMessage, error) {
	b.mu.Lock()
	b.lastQuery = query
	b.mu.Unlock()
	return b.doc(token, `{"items":[]}`)
}

func (b *stubBackend) CreateConversation(_ context.Context, token string, body []byte) (json.RawMessage, error) {
	b.mu.Lock()
	b.lastBody = string(body)
	b.mu.Unlock()
	return b.doc(token, `{"id":"c1"}`)
}

func (b *stubBackend) Conversation(_ context.Context, token, id string) (json.RawMessage, error) {
	b.mu.Lock()
	b.lastID = id
	b.mu.Unlock()
	return b.doc(token, `{"id":"`+id+`"}`)
}

func (b *stubBackend) UpdateConversation(_ context.Context, token, id string, body []byte) (json.RawMessage, error) {
	b.mu.Lock()
	b.lastID, b.lastBody = id, string(body)
	b.mu.Unlock()
	return b.doc(token, `{"id":"`+id+`","title":"renamed"}`)
}

func (b *stubBackend) DeleteConversation(_ context.Context, token, id string) (json.RawMessage, error) {
	b.mu.Lock()
	b.lastID = id
	b.mu.Unlock()
	return b.doc(token, `{}`)
}

func (b *stubBackend) SendMessage(_ context.Context, token, id string, body []byte) (*backend.Stream, error) {
	if err := b.check(token); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.lastID, b.lastBody = id, string(body)
	b.mu.Unlock()
	return &backend.Stream{Body: io.NopCloser(strings.NewReader(b.stream)), ContentType: b.streamCT}, nil
}

func (b *stubBackend) Refresh(_ context.Context, refreshToken string) (session.Tokens, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	if b.refreshErr != nil {
		return session.Tokens{}, b.refreshErr
	}
	return session.Tokens{AccessToken: "fresh", RefreshToken: "r2"}, nil
}

func (b *stubBackend) counts() (calls, refreshes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens), b.refreshes
}

func newSessionGateway(t *testing.T, b *stubBackend) *http.Client {
	t.Helper()
	return serveGateway(t, newTestGateway(t, newStubProvider(), GatewayOptions{Backend: b}))
}

func sessionRequest(t *testing.T, client *http.Client, method, path, body, cookie string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://test"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func cookieValue(resp *http.Response, name string) (string, bool) {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

func TestSession_NoCookieIsAuthRequired(t *testing.T) {
	b := newStubBackend()
	client := newSessionGateway(t, b)

	resp := sessionRequest(t, client, http.MethodGet, "/api/profile", "", "")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "auth_required" {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if calls, _ := b.counts(); calls != 0 {
		t.Errorf("backend calls = %d, want 0", calls)
	}
}

func TestSession_ValidTokenPassesThrough(t *testing.T) {
	b := newStubBackend()
	client := newSessionGateway(t, b)

	resp := sessionRequest(t, client, http.MethodGet, "/api/profile", "", "access_token=fresh")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || string(body) != `{"name":"Sara","studentId":"4001"}` {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if _, ok := cookieValue(resp, session.AccessCookie); ok {
		t.Error("cookies must not be rewritten when no refresh happened")
	}
}

func TestSession_RefreshesExpiredToken(t *testing.T) {
	b := newStubBackend()
	client := newSessionGateway(t, b)

	resp := sessionRequest(t, client, http.MethodGet, "/api/profile", "",
		"access_token=stale; refresh_token=r1")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}

	calls, refreshes := b.counts()
	if calls != 2 || refreshes != 1 {
		t.Errorf("calls = %d refreshes = %d, want 2 and 1", calls, refreshes)
	}
	if v, _ := cookieValue(resp, session.AccessCookie); v != "fresh" {
		t.Errorf("access cookie = %q", v)
	}
	if v, _ := cookieValue(resp, session.RefreshCookie); v != "r2" {
		t.Errorf("refresh cookie = %q", v)
	}
}

func TestSession_RefreshFailureClearsCookies(t *testing.T) {
	b := newStubBackend()
	b.refreshErr = errors.New("refresh token revoked")
	client := newSessionGateway(t, b)

	resp := sessionRequest(t, client, http.MethodGet, "/api/conversations", "",
		"access_token=stale; refresh_token=r1")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "auth_required" {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if v, ok := cookieValue(resp, session.AccessCookie); !ok || v != "" {
		t.Errorf("access cookie must be cleared, got %q (set=%v)", v, ok)
	}
	if calls, refreshes := b.counts(); calls != 1 || refreshes != 1 {
		t.Errorf("calls = %d refreshes = %d", calls, refreshes)
	}
}

func TestSession_RetryStillUnauthorized(t *testing.T) {
	b := newStubBackend()
	b.valid = "never"
	client := newSessionGateway(t, b)

	resp := sessionRequest(t, client, http.MethodGet, "/api/profile", "",
		"access_token=stale; refresh_token=r1")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "auth_required" {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if calls, refreshes := b.counts(); calls != 2 || refreshes != 1 {
		t.Errorf("calls = %d refreshes = %d, want exactly one retry", calls, refreshes)
	}
	for _, name := range []string{session.AccessCookie, session.RefreshCookie} {
		if v, ok := cookieValue(resp, name); !ok || v != "" {
			t.Errorf("%s must be cleared, got %q (set=%v)", name, v, ok)
		}
	}
}

func TestSession_SendMessageRetryStillUnauthorized(t *testing.T) {
	b := newStubBackend()
	b.valid = "never"
	client := newSessionGateway(t, b)

	resp := sessionRequest(t, client, http.MethodPost, "/api/conversations/c1/messages",
		`{"content":"hi"}`, "access_token=stale; refresh_token=r1")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "auth_required" {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	for _, name := range []string{session.AccessCookie, session.RefreshCookie} {
		if v, ok := cookieValue(resp, name); !ok || v != "" {
			t.Errorf("%s must be cleared, got %q (set=%v)", name, v, ok)
		}
	}
}

func TestSession_BackendErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", &backend.StatusError{Status: 404, Message: "no such conversation"}, 404, "not_found"},
		{"forbidden", &backend.StatusError{Status: 403, Message: "not yours"}, 403, "backend_error"},
		{"server error", &backend.StatusError{Status: 500, Message: "db down"}, 502, "backend_error"},
		{"deadline", context.DeadlineExceeded, 504, "request_timeout"},
		{"transport", errors.New("dial tcp: refused"), 502, "backend_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newStubBackend()
			b.docErr = tt.err
			client := newSessionGateway(t, b)

			resp := sessionRequest(t, client, http.MethodGet, "/api/conversations/c9", "", "access_token=fresh")
			body := readBody(t, resp)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.wantStatus, body)
			}
			if code := errorCode(t, body); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if _, refreshes := b.counts(); refreshes != 0 {
				t.Error("non-auth errors must not trigger a refresh")
			}
		})
	}
}

func TestSession_ConversationRoutes(t *testing.T) {
	b := newStubBackend()
	client := newSessionGateway(t, b)
	const cookie = "access_token=fresh"

	resp := sessionRequest(t, client, http.MethodGet, "/api/conversations?page=2&limit=10", "", cookie)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK || b.lastQuery != "page=2&limit=10" {
		t.Errorf("list: status = %d query = %q", resp.StatusCode, b.lastQuery)
	}

	resp = sessionRequest(t, client, http.MethodPost, "/api/conversations", `{"title":"t"}`, cookie)
	if body := readBody(t, resp); string(body) != `{"id":"c1"}` || b.lastBody != `{"title":"t"}` {
		t.Errorf("create: body = %s sent = %q", body, b.lastBody)
	}

	resp = sessionRequest(t, client, http.MethodPatch, "/api/conversations/c7", `{"title":"renamed"}`, cookie)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK || b.lastID != "c7" {
		t.Errorf("update: status = %d id = %q", resp.StatusCode, b.lastID)
	}

	resp = sessionRequest(t, client, http.MethodDelete, "/api/conversations/c8", "", cookie)
	if body := readBody(t, resp); string(body) != `{}` || b.lastID != "c8" {
		t.Errorf("delete: body = %s id = %q", body, b.lastID)
	}
}

func TestSession_SendMessageStreamsJSONL(t *testing.T) {
	b := newStubBackend()
	b.stream = "{\"content\":\"Hel\"}\n{\"content\":\"lo\",\"reasoning\":\"think\"}\n{\"type\":\"done\"}\n"
	b.streamCT = "application/x-ndjson"
	client := newSessionGateway(t, b)

	resp := sessionRequest(t, client, http.MethodPost, "/api/conversations/c1/messages",
		`{"content":"hi"}`, "access_token=stale; refresh_token=r1")
	body := string(readBody(t, resp))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	want := "event: token\ndata: {\"text\":\"Hel\"}\n\n" +
		"event: reasoning\ndata: {\"text\":\"think\"}\n\n" +
		"event: token\ndata: {\"text\":\"lo\"}\n\n" +
		"event: done\ndata: {}\n\n"
	if body != want {
		t.Fatalf("body:\n%s\nwant:\n%s", body, want)
	}
	if v, _ := cookieValue(resp, session.AccessCookie); v != "fresh" {
		t.Error("refreshed cookies must be committed with the stream headers")
	}
	if b.lastID != "c1" || b.lastBody != `{"content":"hi"}` {
		t.Errorf("id = %q body = %q", b.lastID, b.lastBody)
	}
}

func TestSession_Logout(t *testing.T) {
	b := newStubBackend()
	client := newSessionGateway(t, b)

	resp := sessionRequest(t, client, http.MethodPost, "/api/auth/logout", "", "access_token=fresh; refresh_token=r1")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || string(body) != `{"status":"ok"}` {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	for _, name := range []string{session.AccessCookie, session.RefreshCookie} {
		if v, ok := cookieValue(resp, name); !ok || v != "" {
			t.Errorf("%s must be cleared, got %q (set=%v)", name, v, ok)
		}
	}
	if calls, _ := b.counts(); calls != 0 {
		t.Error("logout must not call the backend")
	}
}

func TestSession_RoutesDisabledWithoutBackend(t *testing.T) {
	client := serveGateway(t, newTestGateway(t, newStubProvider(), GatewayOptions{}))

	resp := sessionRequest(t, client, http.MethodGet, "/api/profile", "", "access_token=fresh")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
}

func TestBackendStreamFormat(t *testing.T) {
	tests := map[string]string{
		"application/x-ndjson":      "jsonl",
		"application/json":          "jsonl",
		"":                          "jsonl",
		"text/event-stream":         "sse",
		"text/plain; charset=utf-8": "plain",
	}
	for ct, want := range tests {
		if got := backendStreamFormat(ct); string(got) != want {
			t.Errorf("%q: got %q, want %q", ct, got, want)
		}
	}
}
