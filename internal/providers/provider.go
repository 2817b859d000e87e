// Package providers defines the upstream chat-completion contract shared by
// the AvalAI and OpenRouter clients.
//
// Exactly one Provider is configured per process. Implementations return raw
// upstream payloads: the JSON document for completions and the byte stream
// for streaming calls. Interpretation of stream framing is left to the
// stream package.
package providers

import (
	"context"
	"io"
	"strconv"
	"strings"
)

// Roles accepted in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Thinking levels forwarded to providers that support reasoning effort.
const (
	ThinkingLow    = "low"
	ThinkingMedium = "medium"
	ThinkingHigh   = "high"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// CompletionRequest is the normalized client request. Model may be empty;
	// the proxy resolves it before any upstream call.
	CompletionRequest struct {
		Model         string
		Messages      []Message
		Temperature   *float64
		MaxTokens     *int
		ThinkingLevel string
	}

	// Completion is a successful non-streaming upstream response.
	Completion struct {
		// Body is the upstream JSON document, untouched.
		Body []byte
		// RequestID is the upstream correlation id, when the provider sent one.
		RequestID string
	}

	// StreamResponse is an open upstream stream. The caller must Close Body.
	StreamResponse struct {
		Body        io.ReadCloser
		ContentType string
		RequestID   string
	}
)

// Provider is an upstream chat-completion provider.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	Stream(ctx context.Context, req *CompletionRequest) (*StreamResponse, error)
	// ListModels returns model ids from the provider catalog, in catalog order.
	ListModels(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// Validate checks the request shape before it leaves the gateway.
func (r *CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return &InvalidRequestError{Message: "messages must not be empty"}
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return &InvalidRequestError{Message: "messages[" + strconv.Itoa(i) + "].role must be system, user or assistant"}
		}
		if strings.TrimSpace(m.Content) == "" {
			return &InvalidRequestError{Message: "messages[" + strconv.Itoa(i) + "].content must not be empty"}
		}
	}
	switch r.ThinkingLevel {
	case "", ThinkingLow, ThinkingMedium, ThinkingHigh:
	default:
		return &InvalidRequestError{Message: "thinkingLevel must be low, medium or high"}
	}
	return nil
}

// WithModel returns a shallow copy of r targeting model.
func (r *CompletionRequest) WithModel(model string) *CompletionRequest {
	cp := *r
	cp.Model = model
	return &cp
}
