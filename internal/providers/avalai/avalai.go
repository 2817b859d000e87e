// Package avalai configures the AvalAI upstream (https://avalai.ir), an
// OpenAI-compatible chat-completion API.
package avalai

import (
	"regexp"

	"github.com/nulpointcorp/unichat-gateway/internal/providers/openaicompat"
)

const (
	// Name is the provider identifier.
	Name = "avalai"

	// DefaultBaseURL is the public AvalAI API endpoint.
	DefaultBaseURL = "https://api.avalai.ir/v1"
)

// Profile describes AvalAI's dialect of the OpenAI API.
func Profile() openaicompat.Profile {
	return openaicompat.Profile{
		Name:             Name,
		APIKeyEnv:        "AVALAI_API_KEY",
		DefaultBaseURL:   DefaultBaseURL,
		RequestIDHeaders: []string{"x-request-id", "x-avalai-request-id"},
		DetailsField:     "details",
		ModelNotFound: []*regexp.Regexp{
			regexp.MustCompile(`(?i)requested resource.*does not exist`),
			regexp.MustCompile(`(?i)model\s+\S*\s*(does not exist|not found)`),
		},
		ModelEndpoints: []string{"models", "engines"},
		ThinkingPath:   "reasoning_effort",
	}
}

// Option configures the AvalAI client.
type Option = openaicompat.Option

// WithBaseURL overrides the API base URL (mock servers, regional endpoints).
func WithBaseURL(u string) Option { return openaicompat.WithBaseURL(u) }

// New creates an AvalAI client. An empty apiKey yields a client whose calls
// fail with a configuration error.
func New(apiKey string, opts ...Option) *openaicompat.Client {
	return openaicompat.New(Profile(), apiKey, opts...)
}
