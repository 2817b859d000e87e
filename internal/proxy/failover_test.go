package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nulpointcorp/unichat-gateway/internal/providers"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("wrapped: %w", context.Canceled), "canceled"},
		{&providers.ConfigError{Provider: "avalai", Setting: "AVALAI_API_KEY"}, "config"},
		{&providers.InvalidRequestError{Message: "x"}, "invalid_request"},
		{&providers.EmptyCatalogError{}, "empty_catalog"},
		{&providers.CatalogError{Attempts: []error{errors.New("a")}}, "catalog_unavailable"},
		{modelNotFound("m"), "model_not_found"},
		{&providers.UpstreamError{StatusCode: 503}, "http_503"},
		{errors.New("dial tcp"), "unknown"},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestWithModelFallback_OtherErrorsNotRetried(t *testing.T) {
	p := newStubProvider()
	p.models = []string{"x"}
	gw := newTestGateway(t, p, GatewayOptions{})
	res := Resolution{Requested: "m", Used: "m"}

	calls := 0
	_, err := withModelFallback(context.Background(), gw, routeChat, "rid", &res,
		func(_ context.Context, model string) (string, error) {
			calls++
			return "", &providers.UpstreamError{StatusCode: 500, Message: "boom"}
		})
	if err == nil || calls != 1 {
		t.Fatalf("calls = %d err = %v", calls, err)
	}
	if _, _, list := p.calls(); list != 0 {
		t.Error("a non-404 failure must not consult the catalog")
	}
	if res.FellBack || res.Used != "m" {
		t.Errorf("resolution changed: %+v", res)
	}
}

func TestWithModelFallback_UpdatesResolution(t *testing.T) {
	p := newStubProvider()
	p.models = []string{"gone", "next"}
	gw := newTestGateway(t, p, GatewayOptions{})
	res := Resolution{Requested: "gone", Used: "gone"}

	var seen []string
	out, err := withModelFallback(context.Background(), gw, routeChat, "rid", &res,
		func(_ context.Context, model string) (string, error) {
			seen = append(seen, model)
			if model == "gone" {
				return "", modelNotFound(model)
			}
			return "answer from " + model, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if out != "answer from next" {
		t.Errorf("out = %q", out)
	}
	if res.Requested != "gone" || res.Used != "next" || !res.FellBack {
		t.Errorf("resolution = %+v", res)
	}
	if len(seen) != 2 {
		t.Errorf("attempts = %v", seen)
	}
}

func TestWithModelFallback_CatalogFailureWrapped(t *testing.T) {
	p := newStubProvider()
	p.listErr = &providers.CatalogError{Provider: "avalai", Attempts: []error{errors.New("503")}}
	gw := newTestGateway(t, p, GatewayOptions{})
	res := Resolution{Requested: "gone", Used: "gone"}

	_, err := withModelFallback(context.Background(), gw, routeChat, "rid", &res,
		func(_ context.Context, model string) (int, error) { return 0, modelNotFound(model) })

	var cat *providers.CatalogError
	if !errors.As(err, &cat) {
		t.Fatalf("err = %v, want a catalog error", err)
	}
	if res.FellBack {
		t.Error("no fallback model was used")
	}
}
