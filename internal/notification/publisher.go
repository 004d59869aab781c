// Package notification publishes listing change notices to SNS so
// downstream consumers (search indexers, email digests) hear about
// mutations. Publishing is best-effort and never blocks a mutation.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/casafind/marketplace/internal/platform/aws"
	"github.com/casafind/marketplace/internal/platform/observability"
	"github.com/casafind/marketplace/internal/platform/resilience"
	"go.opentelemetry.io/otel/attribute"
)

// ChangeNotice describes one data mutation.
type ChangeNotice struct {
	Event      string    `json:"event"`
	PropertyID string    `json:"property_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher publishes change notices to an SNS topic.
type Publisher struct {
	snsClient *aws.SNSClient
	topicARN  string
	limiter   *resilience.RateLimiter
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	SNSClient *aws.SNSClient
	TopicARN  string
	// PublishPerSec caps outbound publish rate during mutation storms.
	// Zero means a default of 10/s.
	PublishPerSec float64
	PublishBurst  int
	Logger        *observability.Logger
	Metrics       *observability.Metrics
	Tracer        observability.Tracer
}

// NewPublisher creates a new change notice publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.SNSClient == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Publisher{
		snsClient: cfg.SNSClient,
		topicARN:  cfg.TopicARN,
		limiter:   resilience.NewRateLimiter(cfg.PublishPerSec, cfg.PublishBurst),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
	}, nil
}

// PublishChange publishes one change notice. Notices over the rate limit
// are dropped rather than queued; cache invalidation has already happened
// by the time this is called, so a dropped notice only delays downstream
// consumers.
func (p *Publisher) PublishChange(ctx context.Context, notice ChangeNotice) error {
	ctx, span := p.tracer.StartSpan(
		ctx,
		"Publisher.PublishChange",
		observability.WithAttributes(
			attribute.String("event", notice.Event),
			attribute.String("topic_arn", p.topicARN),
		),
	)
	defer span.End()

	if !p.limiter.Allow() {
		if p.logger != nil {
			p.logger.LogWarn(ctx, "change notice dropped by rate limit",
				"event", notice.Event,
			)
		}
		if p.metrics != nil {
			p.metrics.RecordNotificationPublished(ctx, "throttled")
		}
		return nil
	}

	if notice.OccurredAt.IsZero() {
		notice.OccurredAt = time.Now().UTC()
	}

	attributes := map[string]string{
		"event": notice.Event,
	}
	if notice.PropertyID != "" {
		attributes["property_id"] = notice.PropertyID
	}
	if notice.UserID != "" {
		attributes["user_id"] = notice.UserID
	}

	if err := p.snsClient.Publish(ctx, p.topicARN, notice, attributes); err != nil {
		span.NoticeError(err)
		return fmt.Errorf("SNS publish failed: %w", err)
	}

	if p.logger != nil {
		p.logger.LogDebug(ctx, "published change notice",
			"event", notice.Event,
			"topic_arn", p.topicARN,
		)
	}

	return nil
}
