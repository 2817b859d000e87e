package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ErrEmptyCatalog is returned when a provider lists zero models.
var ErrEmptyCatalog = &EmptyCatalogError{}

// ConfigError reports a missing or invalid provider setting. It is raised
// before any network call and is never retried.
type ConfigError struct {
	Provider string
	Setting  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s is not configured", e.Provider, e.Setting)
}

func (e *ConfigError) HTTPStatus() int { return http.StatusInternalServerError }

// InvalidRequestError rejects a malformed client request.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

func (e *InvalidRequestError) HTTPStatus() int { return http.StatusBadRequest }

// UpstreamError is a non-success response from the provider.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
	// Details is the provider-specific error details object, when present.
	Details   json.RawMessage
	RequestID string
	// ModelNotFound marks a rejection of the requested model (404 or a
	// provider message saying the resource does not exist).
	ModelNotFound bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// CatalogError is returned when every catalog listing endpoint failed.
type CatalogError struct {
	Provider string
	Attempts []error
}

func (e *CatalogError) Error() string {
	msgs := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		msgs = append(msgs, a.Error())
	}
	return fmt.Sprintf("%s: model catalog unavailable after %d attempt(s): %s",
		e.Provider, len(e.Attempts), strings.Join(msgs, "; "))
}

func (e *CatalogError) HTTPStatus() int { return http.StatusBadGateway }

func (e *CatalogError) Unwrap() []error { return e.Attempts }

// EmptyCatalogError reports a catalog that listed zero models.
type EmptyCatalogError struct {
	Provider string
}

func (e *EmptyCatalogError) Error() string {
	if e.Provider == "" {
		return "model catalog is empty"
	}
	return e.Provider + ": model catalog is empty"
}

func (e *EmptyCatalogError) HTTPStatus() int { return http.StatusInternalServerError }

func (e *EmptyCatalogError) Is(target error) bool {
	_, ok := target.(*EmptyCatalogError)
	return ok
}

// IsModelNotFound reports whether err is an upstream rejection of the model.
func IsModelNotFound(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.ModelNotFound
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}
