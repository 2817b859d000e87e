package providers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCompletionRequest_Validate(t *testing.T) {
	ok := []Message{{Role: RoleUser, Content: "hi"}}

	tests := []struct {
		name    string
		req     CompletionRequest
		wantErr bool
	}{
		{"valid", CompletionRequest{Messages: ok}, false},
		{"empty messages", CompletionRequest{}, true},
		{"bad role", CompletionRequest{Messages: []Message{{Role: "tool", Content: "x"}}}, true},
		{"blank content", CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "  "}}}, true},
		{"thinking level", CompletionRequest{Messages: ok, ThinkingLevel: ThinkingHigh}, false},
		{"bad thinking level", CompletionRequest{Messages: ok, ThinkingLevel: "max"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && StatusOf(err) != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", StatusOf(err))
			}
		})
	}
}

func TestWithModel_DoesNotMutate(t *testing.T) {
	req := &CompletionRequest{Model: "a", Messages: []Message{{Role: RoleUser, Content: "x"}}}
	cp := req.WithModel("b")
	if req.Model != "a" || cp.Model != "b" {
		t.Fatalf("got original=%q copy=%q", req.Model, cp.Model)
	}
}

func TestIsModelNotFound_Wrapped(t *testing.T) {
	err := fmt.Errorf("attempt 1: %w", &UpstreamError{StatusCode: 404, ModelNotFound: true})
	if !IsModelNotFound(err) {
		t.Fatal("expected wrapped model-not-found to be detected")
	}
	if IsModelNotFound(&UpstreamError{StatusCode: 500}) {
		t.Fatal("500 must not be model-not-found")
	}
	if StatusOf(err) != 404 {
		t.Fatalf("StatusOf = %d", StatusOf(err))
	}
}

func TestCatalogError_Unwrap(t *testing.T) {
	first := errors.New("models: 502")
	err := &CatalogError{Provider: "avalai", Attempts: []error{first, errors.New("engines: 500")}}
	if !errors.Is(err, first) {
		t.Fatal("expected attempts to be reachable via errors.Is")
	}
	if err.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("status = %d", err.HTTPStatus())
	}
}

func TestEmptyCatalog_Is(t *testing.T) {
	err := fmt.Errorf("resolve: %w", &EmptyCatalogError{Provider: "openrouter"})
	if !errors.Is(err, ErrEmptyCatalog) {
		t.Fatal("expected errors.Is to match ErrEmptyCatalog")
	}
}
