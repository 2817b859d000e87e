package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newUpstreamHandler simulates an OpenAI-compatible chat provider.
// Models listed in MOCK_RETIRED_MODELS answer 404 model_not_found so the
// gateway's fallback path can be exercised end to end.
func newUpstreamHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing api key", "invalid_api_key")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if cfg.RetiredModels[req.Model] {
			writeError(w, http.StatusNotFound,
				fmt.Sprintf("The model `%s` does not exist", req.Model), "model_not_found")
			return
		}

		id := "chatcmpl-" + uuid.NewString()
		content := fakeSentence(cfg.StreamWords)
		w.Header().Set("X-Request-Id", id)

		if req.Stream {
			serveStream(w, cfg.StreamFormat, id, req.Model, content)
			return
		}

		inTokens := 10
		outTokens := cfg.StreamWords
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]any, 0, len(cfg.Models))
		for _, m := range cfg.Models {
			data = append(data, map[string]any{"id": m, "object": "model", "created": 1710000000})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// serveStream writes content word by word in the requested framing.
func serveStream(w http.ResponseWriter, format, id, model, content string) {
	switch format {
	case "plain":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	case "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
	default:
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(http.StatusOK)

	for _, word := range strings.Fields(content) {
		piece := word + " "
		switch format {
		case "plain":
			fmt.Fprint(w, piece)
		case "jsonl":
			data, _ := json.Marshal(map[string]string{"content": piece})
			fmt.Fprintf(w, "%s\n", data)
		default:
			data, _ := json.Marshal(chunk(id, model, piece))
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		flush(w)
	}

	switch format {
	case "jsonl":
		fmt.Fprint(w, "{\"type\":\"done\"}\n")
	case "sse":
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	flush(w)
}

func chunk(id, model, text string) map[string]any {
	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]string{"content": text}},
		},
	}
}
