package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/unichat-gateway/internal/cache"
	"github.com/nulpointcorp/unichat-gateway/internal/metrics"
	"github.com/nulpointcorp/unichat-gateway/internal/providers"
)

// Source names the resolution step that produced a model.
type Source string

const (
	SourceRequest    Source = "request"
	SourceDefault    Source = "default"
	SourceCached     Source = "cached"
	SourceDiscovered Source = "discovered"
)

// Resolution is the model decision for one request.
type Resolution struct {
	// Requested is the model first chosen for the request.
	Requested string
	// Used is the model actually sent upstream; it differs from Requested
	// after a fallback.
	Used     string
	Source   Source
	FellBack bool
}

// Resolver picks the model for a request:
// request model, configured default, last-known-good slot, catalog discovery.
type Resolver struct {
	provider     providers.Provider
	defaultModel string
	slot         *cache.Slot
	metrics      *metrics.Registry
	log          *slog.Logger
}

// NewResolver returns a Resolver for p. slot may be nil.
func NewResolver(p providers.Provider, defaultModel string, slot *cache.Slot, met *metrics.Registry, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		provider:     p,
		defaultModel: strings.TrimSpace(defaultModel),
		slot:         slot,
		metrics:      met,
		log:          log,
	}
}

// Resolve returns a non-empty model or an error; no completion call may be
// made without a model.
func (r *Resolver) Resolve(ctx context.Context, requested string) (Resolution, error) {
	if m := strings.TrimSpace(requested); m != "" {
		return r.resolved(m, SourceRequest), nil
	}
	if r.defaultModel != "" {
		return r.resolved(r.defaultModel, SourceDefault), nil
	}
	if m, ok := r.slot.Get(ctx); ok {
		if r.metrics != nil {
			r.metrics.SlotHit()
		}
		return r.resolved(m, SourceCached), nil
	}
	if r.slot != nil && r.metrics != nil {
		r.metrics.SlotMiss()
	}

	m, err := r.Discover(ctx, "")
	if err != nil {
		return Resolution{}, err
	}
	return r.resolved(m, SourceDiscovered), nil
}

func (r *Resolver) resolved(model string, src Source) Resolution {
	if r.metrics != nil {
		r.metrics.RecordResolution(string(src))
	}
	return Resolution{Requested: model, Used: model, Source: src}
}

// Discover queries the provider catalog and returns the first id other than
// exclude, or the first id when every entry equals exclude. The result is
// stored as the last-known-good model.
func (r *Resolver) Discover(ctx context.Context, exclude string) (string, error) {
	name := r.provider.Name()

	ids, err := r.provider.ListModels(ctx)
	if err == nil && len(ids) == 0 {
		err = &providers.EmptyCatalogError{Provider: name}
	}
	if err != nil {
		if r.metrics != nil {
			result := "failed"
			if errors.Is(err, providers.ErrEmptyCatalog) {
				result = "empty"
			}
			r.metrics.RecordCatalogLookup(name, result)
		}
		return "", err
	}

	model := pickModel(ids, exclude)
	if r.metrics != nil {
		r.metrics.RecordCatalogLookup(name, "ok")
	}

	if r.slot != nil {
		if err := r.slot.Set(ctx, model); err != nil {
			// Slot write failures never fail the request.
			r.log.WarnContext(ctx, "model_slot_write_failed",
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
			if r.metrics != nil {
				r.metrics.SlotSetError()
			}
		} else if r.metrics != nil {
			r.metrics.SlotSetOK()
		}
	}

	r.log.InfoContext(ctx, "model_discovered",
		slog.String("provider", name),
		slog.String("model", model),
		slog.String("excluded", exclude),
		slog.Int("catalog_size", len(ids)),
	)
	return model, nil
}

func pickModel(ids []string, exclude string) string {
	for _, id := range ids {
		if id != exclude {
			return id
		}
	}
	return ids[0]
}
