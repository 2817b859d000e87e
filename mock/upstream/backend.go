package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// backendState is an in-memory university backend: one user, short-lived
// access tokens and a conversation store.
type backendState struct {
	cfg Config

	mu            sync.Mutex
	access        map[string]time.Time // token → expiry
	refresh       map[string]bool
	conversations map[string]map[string]any
}

// newBackendHandler simulates the session-bearing backend. A refresh token
// is issued by POST /api/v1/auth/login so sessions can be seeded by hand.
func newBackendHandler(cfg Config) http.Handler {
	s := &backendState{
		cfg:           cfg,
		access:        make(map[string]time.Time),
		refresh:       make(map[string]bool),
		conversations: make(map[string]map[string]any),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", s.login)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.refreshTokens)
	mux.HandleFunc("GET /api/v1/users/me", s.authed(s.profile))
	mux.HandleFunc("GET /api/v1/conversations", s.authed(s.list))
	mux.HandleFunc("POST /api/v1/conversations", s.authed(s.create))
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.authed(s.get))
	mux.HandleFunc("PATCH /api/v1/conversations/{id}", s.authed(s.update))
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.authed(s.remove))
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", s.authed(s.message))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *backendState) issue() map[string]string {
	access, refresh := uuid.NewString(), uuid.NewString()
	s.mu.Lock()
	s.access[access] = time.Now().Add(s.cfg.TokenTTL)
	s.refresh[refresh] = true
	s.mu.Unlock()
	return map[string]string{"access_token": access, "refresh_token": refresh}
}

func (s *backendState) login(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.issue())
}

// refreshTokens rotates the refresh token.
func (s *backendState) refreshTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	ok := s.refresh[req.RefreshToken]
	delete(s.refresh, req.RefreshToken)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid refresh token"})
		return
	}
	writeJSON(w, http.StatusOK, s.issue())
}

func (s *backendState) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		exp, ok := s.access[token]
		s.mu.Unlock()
		if !ok || time.Now().After(exp) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "token expired"})
			return
		}
		applyLatency(s.cfg)
		if shouldError(s.cfg) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "mock backend error"})
			return
		}
		h(w, r)
	}
}

func (s *backendState) profile(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         "student-1",
		"name":       "دانشجوی نمونه",
		"student_id": "40012345",
	})
}

func (s *backendState) list(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	items := make([]map[string]any, 0, len(s.conversations))
	for _, c := range s.conversations {
		items = append(items, c)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *backendState) create(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body == nil {
		body = map[string]any{}
	}
	id := uuid.NewString()
	body["id"] = id
	body["created_at"] = time.Now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	s.conversations[id] = body
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, body)
}

func (s *backendState) lookup(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	s.mu.Lock()
	c, ok := s.conversations[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "conversation not found"})
	}
	return c, ok
}

func (s *backendState) get(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *backendState) update(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var patch map[string]any
	_ = json.NewDecoder(r.Body).Decode(&patch)

	s.mu.Lock()
	for k, v := range patch {
		if k != "id" {
			c[k] = v
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, c)
}

func (s *backendState) remove(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookup(w, r); !ok {
		return
	}
	s.mu.Lock()
	delete(s.conversations, r.PathValue("id"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// message answers with a JSONL stream, the backend's native framing.
func (s *backendState) message(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookup(w, r); !ok {
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	for _, word := range strings.Fields(fakeSentence(s.cfg.StreamWords)) {
		data, _ := json.Marshal(map[string]string{"content": word + " "})
		fmt.Fprintf(w, "%s\n", data)
		flush(w)
	}
	fmt.Fprint(w, "{\"type\":\"done\"}\n")
	flush(w)
}
