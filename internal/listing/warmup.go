package listing

import (
	"context"
	"fmt"

	"github.com/casafind/marketplace/internal/docstore"
	"github.com/casafind/marketplace/internal/platform/observability"
	"github.com/casafind/marketplace/internal/platform/worker"
)

// Warmup pre-populates the cache with the default search page and the
// detail entries for the listings it returns, so the first visitors after
// a deploy hit warm entries.
type Warmup struct {
	svc    *Service
	pool   *worker.Pool
	limit  int
	logger *observability.Logger
}

// NewWarmup creates the listing warmup provider. The pool bounds how many
// detail prefetches run concurrently.
func NewWarmup(svc *Service, pool *worker.Pool, limit int, logger *observability.Logger) *Warmup {
	if limit <= 0 {
		limit = 20
	}
	return &Warmup{
		svc:    svc,
		pool:   pool,
		limit:  limit,
		logger: logger,
	}
}

// Name returns a human-readable name for logging purposes
func (w *Warmup) Name() string {
	return "listing"
}

// Warmup fills the default search entry and prefetches property details
// through the worker pool.
func (w *Warmup) Warmup(ctx context.Context) error {
	properties, err := w.svc.Search(ctx, docstore.SearchFilter{Limit: w.limit})
	if err != nil {
		return fmt.Errorf("failed to warm default search: %w", err)
	}

	jobs := make([]worker.Job, 0, len(properties))
	for _, p := range properties {
		id := p.ID
		jobs = append(jobs, worker.Job{
			ID: "prefetch:" + id,
			Execute: func(ctx context.Context) (interface{}, error) {
				return w.svc.GetProperty(ctx, id)
			},
		})
	}

	results := w.pool.SubmitAndWait(jobs)
	for _, r := range results {
		if r.Err != nil && w.logger != nil {
			w.logger.LogDebug(ctx, "property prefetch failed", "job", r.JobID, "error", r.Err)
		}
	}

	return nil
}
