package cache

import (
	"context"
	"sync"
	"time"

	"github.com/casafind/marketplace/internal/platform/observability"
	"golang.org/x/sync/errgroup"
)

// WarmupProvider pre-populates the cache with the data its component
// serves. Implementations should be idempotent.
type WarmupProvider interface {
	// Name returns a human-readable name for logging purposes
	Name() string

	// Warmup pre-populates the cache with initial data.
	Warmup(ctx context.Context) error
}

// WarmupConfig configures the cache warming behavior.
type WarmupConfig struct {
	// Timeout is the maximum duration to wait for all providers to complete
	Timeout time.Duration

	// Parallel determines whether to warm providers in parallel
	Parallel bool
}

// DefaultWarmupConfig returns sensible defaults for cache warming.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Timeout:  30 * time.Second,
		Parallel: true,
	}
}

// WarmupResult contains the result of warming a single provider.
type WarmupResult struct {
	Provider string
	Duration time.Duration
	Err      error
}

// WarmupResults contains the aggregate results of cache warming.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

// HasErrors returns true if any provider failed during warmup.
func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Warmer handles cache warming operations. Warmup failures are logged
// and counted, never fatal: the cache fills lazily anyway.
type Warmer struct {
	providers []WarmupProvider
	logger    *observability.Logger
	config    WarmupConfig
}

// NewWarmer creates a new cache warmer.
func NewWarmer(logger *observability.Logger, config WarmupConfig) *Warmer {
	return &Warmer{
		logger: logger,
		config: config,
	}
}

// RegisterProvider adds a warmup provider to the warmer.
func (w *Warmer) RegisterProvider(provider WarmupProvider) {
	w.providers = append(w.providers, provider)
}

// Warmup executes all registered warmup providers.
func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	start := time.Now()
	results := &WarmupResults{}

	if len(w.providers) == 0 {
		results.TotalTime = time.Since(start)
		return results
	}

	warmupCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	if w.config.Parallel {
		results.Results = w.warmupParallel(warmupCtx)
	} else {
		results.Results = w.warmupSequential(warmupCtx)
	}

	for _, r := range results.Results {
		if r.Err != nil {
			results.Errors++
		}
	}
	results.TotalTime = time.Since(start)

	if w.logger != nil {
		if results.Errors > 0 {
			w.logger.LogWarn(ctx, "cache warmup finished with errors",
				"providers", len(w.providers),
				"errors", results.Errors,
				"duration", results.TotalTime,
			)
		} else {
			w.logger.LogInfo(ctx, "cache warmup finished",
				"providers", len(w.providers),
				"duration", results.TotalTime,
			)
		}
	}

	return results
}

func (w *Warmer) warmupParallel(ctx context.Context) []WarmupResult {
	results := make([]WarmupResult, len(w.providers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range w.providers {
		g.Go(func() error {
			r := w.warmupProvider(gctx, provider)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			// Errors are collected per provider, not propagated, so one
			// failing provider does not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (w *Warmer) warmupSequential(ctx context.Context) []WarmupResult {
	results := make([]WarmupResult, 0, len(w.providers))
	for _, provider := range w.providers {
		results = append(results, w.warmupProvider(ctx, provider))
	}
	return results
}

func (w *Warmer) warmupProvider(ctx context.Context, provider WarmupProvider) WarmupResult {
	start := time.Now()
	name := provider.Name()

	err := provider.Warmup(ctx)
	duration := time.Since(start)

	if w.logger != nil {
		if err != nil {
			w.logger.LogWarn(ctx, "cache warmup provider failed",
				"provider", name,
				"error", err,
				"duration", duration,
			)
		} else {
			w.logger.LogDebug(ctx, "cache warmup provider finished",
				"provider", name,
				"duration", duration,
			)
		}
	}

	return WarmupResult{
		Provider: name,
		Duration: duration,
		Err:      err,
	}
}
