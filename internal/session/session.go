// Package session implements the refresh-and-retry protocol used by every
// call to the session-bearing university backend.
package session

import (
	"context"
	"errors"
	"log/slog"
)

// Tokens is the pair of credentials a browser session carries.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Store holds the tokens of one session. Implementations are per request and
// need not be safe for concurrent use.
type Store interface {
	Load() Tokens
	Save(Tokens)
	Clear()
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// authError is returned when the caller has to sign in again.
type authError struct{}

func (*authError) Error() string   { return "session: authentication required" }
func (*authError) HTTPStatus() int { return 401 }

// ErrAuthRequired means no usable session exists. It maps to HTTP 401.
var ErrAuthRequired error = &authError{}

// Refresh outcomes reported to the observer.
const (
	OutcomeRefreshed      = "refreshed"
	OutcomeRefreshFailed  = "refresh_failed"
	OutcomeNoRefreshToken = "no_refresh_token"
)

// Guard carries the collaborators shared by all wrapped calls.
type Guard struct {
	refresher Refresher
	observe   func(outcome string)
	logger    *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithObserver registers fn to be called once per refresh decision.
func WithObserver(fn func(outcome string)) GuardOption {
	return func(g *Guard) { g.observe = fn }
}

// WithLogger sets the logger used for refresh events.
func WithLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard returns a Guard that refreshes through r.
func NewGuard(r Refresher, opts ...GuardOption) *Guard {
	g := &Guard{refresher: r, logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) report(outcome string) {
	if g.observe != nil {
		g.observe(outcome)
	}
}

// Do runs call with the session's access token. On a 401 it refreshes the
// tokens at most once and retries call at most once; the result of the retry
// is returned as-is. Any other failure is returned unchanged.
func Do[T any](ctx context.Context, g *Guard, store Store, call func(ctx context.Context, accessToken string) (T, error)) (T, error) {
	var zero T

	tokens := store.Load()
	if tokens.AccessToken == "" {
		return zero, ErrAuthRequired
	}

	res, err := call(ctx, tokens.AccessToken)
	if err == nil || !IsUnauthorized(err) {
		return res, err
	}
	if cerr := ctx.Err(); cerr != nil {
		return zero, cerr
	}

	if tokens.RefreshToken == "" {
		g.report(OutcomeNoRefreshToken)
		store.Clear()
		return zero, ErrAuthRequired
	}

	fresh, rerr := g.refresher.Refresh(ctx, tokens.RefreshToken)
	if rerr != nil || fresh.AccessToken == "" {
		if cerr := ctx.Err(); cerr != nil {
			return zero, cerr
		}
		g.report(OutcomeRefreshFailed)
		g.logger.WarnContext(ctx, "session_refresh_failed", slog.Any("error", rerr))
		store.Clear()
		return zero, ErrAuthRequired
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tokens.RefreshToken
	}
	store.Save(fresh)
	g.report(OutcomeRefreshed)
	g.logger.DebugContext(ctx, "session_refreshed")

	if cerr := ctx.Err(); cerr != nil {
		return zero, cerr
	}
	return call(ctx, fresh.AccessToken)
}

// IsUnauthorized reports whether err carries HTTP status 401.
func IsUnauthorized(err error) bool {
	var sc interface{ HTTPStatus() int }
	return errors.As(err, &sc) && sc.HTTPStatus() == 401
}

// MemoryStore is a Store backed by a plain value, used by tests and
// non-HTTP callers.
type MemoryStore struct {
	Tokens  Tokens
	Cleared bool
}

func (m *MemoryStore) Load() Tokens { return m.Tokens }

func (m *MemoryStore) Save(t Tokens) {
	m.Tokens = t
	m.Cleared = false
}

func (m *MemoryStore) Clear() {
	m.Tokens = Tokens{}
	m.Cleared = true
}
