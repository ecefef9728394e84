package capcache

import (
	"context"
	"log/slog"

	"mediaflow/internal/logging"
	"mediaflow/internal/stage"
)

// Source tells where a resolved descriptor came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceService Source = "service"
	SourceBuiltin Source = "builtin"
)

// Fetcher is the subset of the stage client the resolver needs.
type Fetcher interface {
	Name() stage.Name
	BaseURL() string
	Capabilities(ctx context.Context) (stage.Capability, error)
}

// Resolver looks descriptors up in the cache, then the stage service, then
// falls back to the built-in descriptor for the stage.
type Resolver struct {
	cache  *Cache
	logger *slog.Logger
}

// NewResolver builds a resolver. cache may be nil.
func NewResolver(cache *Cache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{cache: cache, logger: logger}
}

// Resolve returns the capability descriptor for the fetcher's stage.
func (r *Resolver) Resolve(ctx context.Context, f Fetcher) (stage.Capability, Source) {
	name := f.Name()
	if r.cache != nil {
		capability, ok, err := r.cache.Get(name, f.BaseURL())
		if err != nil {
			r.logger.Warn("capability cache read failed",
				logging.String(logging.FieldStage, name.String()),
				logging.Error(err),
				logging.String(logging.FieldEventType, "capability_cache_error"),
				logging.String(logging.FieldErrorHint, "delete the capability cache directory if this persists"),
			)
		} else if ok {
			return capability, SourceCache
		}
	}

	capability, err := f.Capabilities(ctx)
	if err != nil {
		r.logger.Debug("capability fetch failed; using built-in descriptor",
			logging.String(logging.FieldStage, name.String()),
			logging.Error(err),
		)
		return stage.DefaultCapability(name), SourceBuiltin
	}
	if r.cache != nil {
		if err := r.cache.Put(name, f.BaseURL(), capability); err != nil {
			r.logger.Warn("capability cache write failed",
				logging.String(logging.FieldStage, name.String()),
				logging.Error(err),
				logging.String(logging.FieldEventType, "capability_cache_error"),
				logging.String(logging.FieldErrorHint, "check cache_dir permissions"),
			)
		}
	}
	return capability, SourceService
}

// Invalidate drops the cached descriptor of a stage, if a cache is in use.
func (r *Resolver) Invalidate(name stage.Name) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(name); err != nil {
		r.logger.Warn("capability cache invalidate failed",
			logging.String(logging.FieldStage, name.String()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "capability_cache_error"),
			logging.String(logging.FieldErrorHint, "delete the capability cache directory if this persists"),
		)
	}
}
