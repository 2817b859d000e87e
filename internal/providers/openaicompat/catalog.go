package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/unichat-gateway/internal/providers"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
)

// catalogPaths are the document shapes accepted from a listing endpoint.
var catalogPaths = []string{"data.#.id", "models.#.id", "#.id"}

// ListModels queries the profile's listing endpoints in order and returns the
// ids of the first endpoint that answers with a non-empty catalog.
//
// An endpoint that answers with zero models does not stop the walk. When no
// endpoint lists any model the result is EmptyCatalogError if at least one of
// them answered, otherwise CatalogError with every attempt attached.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if err := c.checkKey(); err != nil {
		return nil, err
	}

	endpoints := c.profile.ModelEndpoints
	if len(endpoints) == 0 {
		endpoints = []string{"models"}
	}

	var (
		attempts []error
		answered bool
	)
	for _, ep := range endpoints {
		ids, err := c.listEndpoint(ctx, ep)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			attempts = append(attempts, fmt.Errorf("%s: %w", ep, err))
			continue
		}
		answered = true
		if len(ids) > 0 {
			return ids, nil
		}
	}

	if answered {
		return nil, &providers.EmptyCatalogError{Provider: c.profile.Name}
	}
	return nil, &providers.CatalogError{Provider: c.profile.Name, Attempts: attempts}
}

func (c *Client) listEndpoint(ctx context.Context, endpoint string) ([]string, error) {
	var (
		raw      []byte
		httpResp *http.Response
	)
	err := c.client.Get(ctx, strings.TrimLeft(endpoint, "/"), nil, &raw,
		option.WithResponseInto(&httpResp),
	)
	if err != nil {
		return nil, c.toUpstreamError(err, httpResp)
	}
	return parseCatalog(raw)
}

// parseCatalog extracts model ids from an OpenAI-style listing document.
func parseCatalog(raw []byte) ([]string, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("catalog response is not valid JSON")
	}

	for _, path := range catalogPaths {
		res := gjson.GetBytes(raw, path)
		if !res.IsArray() {
			continue
		}
		ids := collectIDs(res.Array())
		if len(ids) > 0 {
			return ids, nil
		}
	}

	// Bare array of ids.
	root := gjson.ParseBytes(raw)
	if root.IsArray() {
		return collectIDs(root.Array()), nil
	}
	if root.Get("data").IsArray() || root.Get("models").IsArray() {
		return nil, nil
	}
	return nil, errors.New("catalog response has no model list")
}

func collectIDs(values []gjson.Result) []string {
	ids := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v.Type != gjson.String {
			continue
		}
		id := strings.TrimSpace(v.String())
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
