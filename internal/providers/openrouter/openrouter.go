// Package openrouter configures the OpenRouter upstream
// (https://openrouter.ai), an OpenAI-compatible model router.
package openrouter

import (
	"regexp"

	"github.com/nulpointcorp/unichat-gateway/internal/providers/openaicompat"
)

const (
	// Name is the provider identifier.
	Name = "openrouter"

	// DefaultBaseURL is the public OpenRouter API endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"
)

// Profile describes OpenRouter's dialect of the OpenAI API.
func Profile() openaicompat.Profile {
	return openaicompat.Profile{
		Name:             Name,
		APIKeyEnv:        "OPENROUTER_API_KEY",
		DefaultBaseURL:   DefaultBaseURL,
		RequestIDHeaders: []string{"x-request-id", "x-openrouter-request-id", "x-generation-id"},
		DetailsField:     "metadata",
		ModelNotFound: []*regexp.Regexp{
			regexp.MustCompile(`(?i)requested resource.*does not exist`),
			regexp.MustCompile(`(?i)no endpoints found`),
			regexp.MustCompile(`(?i)is not a valid model id`),
		},
		ModelEndpoints: []string{"models", "models/user"},
		ThinkingPath:   "reasoning.effort",
	}
}

// Option configures the OpenRouter client.
type Option = openaicompat.Option

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option { return openaicompat.WithBaseURL(u) }

// WithSiteURL sets the HTTP-Referer header OpenRouter uses for app attribution.
func WithSiteURL(u string) Option { return openaicompat.WithHeader("HTTP-Referer", u) }

// WithAppName sets the X-Title header shown on OpenRouter dashboards.
func WithAppName(name string) Option { return openaicompat.WithHeader("X-Title", name) }

// New creates an OpenRouter client.
func New(apiKey string, opts ...Option) *openaicompat.Client {
	return openaicompat.New(Profile(), apiKey, opts...)
}
