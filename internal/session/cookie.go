package session

import (
	"time"

	"github.com/valyala/fasthttp"
)

// Cookie names shared with the UI.
const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

const refreshCookieTTL = 30 * 24 * time.Hour

// CookieStore keeps tokens in HttpOnly cookies on a fasthttp request.
// Saved tokens are visible to later Loads on the same request.
type CookieStore struct {
	ctx    *fasthttp.RequestCtx
	secure bool

	tokens Tokens
	loaded bool
}

// NewCookieStore returns a Store bound to ctx.
func NewCookieStore(ctx *fasthttp.RequestCtx, secure bool) *CookieStore {
	return &CookieStore{ctx: ctx, secure: secure}
}

func (s *CookieStore) Load() Tokens {
	if !s.loaded {
		s.tokens = Tokens{
			AccessToken:  string(s.ctx.Request.Header.Cookie(AccessCookie)),
			RefreshToken: string(s.ctx.Request.Header.Cookie(RefreshCookie)),
		}
		s.loaded = true
	}
	return s.tokens
}

func (s *CookieStore) Save(t Tokens) {
	s.tokens, s.loaded = t, true
	s.set(AccessCookie, t.AccessToken, 0)
	if t.RefreshToken != "" {
		s.set(RefreshCookie, t.RefreshToken, refreshCookieTTL)
	}
}

func (s *CookieStore) Clear() {
	s.tokens, s.loaded = Tokens{}, true
	for _, name := range []string{AccessCookie, RefreshCookie} {
		c := s.cookie(name, "")
		c.SetExpire(fasthttp.CookieExpireDelete)
		c.SetMaxAge(-1)
		s.ctx.Response.Header.SetCookie(c)
		fasthttp.ReleaseCookie(c)
	}
}

func (s *CookieStore) set(name, value string, ttl time.Duration) {
	c := s.cookie(name, value)
	if ttl > 0 {
		c.SetMaxAge(int(ttl.Seconds()))
	}
	s.ctx.Response.Header.SetCookie(c)
	fasthttp.ReleaseCookie(c)
}

func (s *CookieStore) cookie(name, value string) *fasthttp.Cookie {
	c := fasthttp.AcquireCookie()
	c.SetKey(name)
	c.SetValue(value)
	c.SetPath("/")
	c.SetHTTPOnly(true)
	c.SetSecure(s.secure)
	c.SetSameSite(fasthttp.CookieSameSiteLaxMode)
	return c
}
