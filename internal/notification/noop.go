package notification

import (
	"context"

	"github.com/casafind/marketplace/internal/platform/observability"
)

// NoOpPublisher logs change notices instead of publishing them. Use it
// when SNS is not configured (local development, testing).
type NoOpPublisher struct {
	logger *observability.Logger
}

// NewNoOpPublisher creates a publisher that only logs notices.
func NewNoOpPublisher(logger *observability.Logger) *NoOpPublisher {
	return &NoOpPublisher{
		logger: logger,
	}
}

// PublishChange logs the notice instead of publishing to SNS.
func (p *NoOpPublisher) PublishChange(ctx context.Context, notice ChangeNotice) error {
	if p.logger != nil {
		p.logger.LogDebug(ctx, "change notice (SNS disabled)",
			"event", notice.Event,
			"property_id", notice.PropertyID,
			"user_id", notice.UserID,
		)
	}
	return nil
}
