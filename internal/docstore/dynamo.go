package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/casafind/marketplace/internal/platform/observability"
	"github.com/casafind/marketplace/internal/platform/resilience"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DynamoDB caps BatchGetItem at 100 keys per request.
	batchGetChunkSize = 100
	// Concurrent BatchGetItem chunks in flight.
	batchGetParallelism = 4
	// ownerIndex is the GSI on the properties table keyed by owner_id.
	ownerIndex = "owner-index"
)

// TableNames holds the DynamoDB table names the store reads and writes.
type TableNames struct {
	Properties string
	Users      string
	Saved      string
}

// DynamoStore implements Store on DynamoDB.
type DynamoStore struct {
	client      *dynamodb.Client
	tables      TableNames
	retryConfig resilience.RetryConfig
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      observability.Tracer
	batchSem    *semaphore.Weighted
}

// DynamoStoreConfig holds store configuration
type DynamoStoreConfig struct {
	AWSConfig   aws.Config
	Tables      TableNames
	RetryConfig *resilience.RetryConfig
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Tracer      observability.Tracer
}

// NewDynamoStore creates a DynamoDB-backed store. Reads retry with
// backoff; writes are single-attempt so a mutation is never applied twice.
func NewDynamoStore(cfg DynamoStoreConfig) (*DynamoStore, error) {
	if cfg.Tables.Properties == "" || cfg.Tables.Users == "" || cfg.Tables.Saved == "" {
		return nil, fmt.Errorf("all table names are required")
	}
	retryConfig := resilience.DefaultRetryConfig()
	if cfg.RetryConfig != nil {
		retryConfig = *cfg.RetryConfig
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.Metrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &DynamoStore{
		client:      dynamodb.NewFromConfig(cfg.AWSConfig),
		tables:      cfg.Tables,
		retryConfig: retryConfig,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		batchSem:    semaphore.NewWeighted(batchGetParallelism),
	}, nil
}

// observe records latency and status for one store operation.
func (s *DynamoStore) observe(ctx context.Context, op string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	s.metrics.RecordDocstoreCall(ctx, op, status, time.Since(start))
}

// GetProperty fetches one property by id.
func (s *DynamoStore) GetProperty(ctx context.Context, id string) (*Property, error) {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.GetProperty",
		observability.WithAttributes(attribute.String("property_id", id)))
	defer span.End()

	start := time.Now()
	out, err := resilience.RetryWithResult(ctx, s.retryConfig, func(ctx context.Context) (*dynamodb.GetItemOutput, error) {
		return s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tables.Properties),
			Key: map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: id},
			},
		})
	})
	if err != nil {
		s.observe(ctx, "get_property", start, err)
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to get property %s: %w", id, err)
	}
	if out.Item == nil {
		s.observe(ctx, "get_property", start, ErrNotFound)
		return nil, ErrNotFound
	}

	var p Property
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		s.observe(ctx, "get_property", start, err)
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to unmarshal property %s: %w", id, err)
	}

	s.observe(ctx, "get_property", start, nil)
	return &p, nil
}

// QueryProperties scans the properties table with the given filter. Only
// active listings are returned.
func (s *DynamoStore) QueryProperties(ctx context.Context, filter SearchFilter) ([]Property, error) {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.QueryProperties")
	defer span.End()

	start := time.Now()

	conditions := []string{"#status = :active"}
	names := map[string]string{"#status": "status"}
	values := map[string]types.AttributeValue{
		":active": &types.AttributeValueMemberS{Value: "active"},
	}

	if filter.City != "" {
		conditions = append(conditions, "city = :city")
		values[":city"] = &types.AttributeValueMemberS{Value: filter.City}
	}
	if filter.Type != "" {
		conditions = append(conditions, "#type = :type")
		names["#type"] = "type"
		values[":type"] = &types.AttributeValueMemberS{Value: filter.Type}
	}
	if filter.MinPrice > 0 {
		conditions = append(conditions, "price >= :min_price")
		values[":min_price"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", filter.MinPrice)}
	}
	if filter.MaxPrice > 0 {
		conditions = append(conditions, "price <= :max_price")
		values[":max_price"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", filter.MaxPrice)}
	}
	if filter.MinBedrooms > 0 {
		conditions = append(conditions, "bedrooms >= :min_bedrooms")
		values[":min_bedrooms"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", filter.MinBedrooms)}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	properties, err := resilience.RetryWithResult(ctx, s.retryConfig, func(ctx context.Context) ([]Property, error) {
		var results []Property
		var lastKey map[string]types.AttributeValue

		for {
			out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:                 aws.String(s.tables.Properties),
				FilterExpression:          aws.String(strings.Join(conditions, " AND ")),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
				ExclusiveStartKey:         lastKey,
			})
			if err != nil {
				return nil, err
			}

			var page []Property
			if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
				return nil, fmt.Errorf("failed to unmarshal page: %w", err)
			}
			results = append(results, page...)

			if len(results) >= limit || out.LastEvaluatedKey == nil {
				break
			}
			lastKey = out.LastEvaluatedKey
		}

		if len(results) > limit {
			results = results[:limit]
		}
		return results, nil
	})
	if err != nil {
		s.observe(ctx, "query_properties", start, err)
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to query properties: %w", err)
	}

	s.observe(ctx, "query_properties", start, nil)
	return properties, nil
}

// BatchGetProperties fetches many properties by id, chunked to DynamoDB's
// batch limit with bounded parallelism. Missing ids are silently absent
// from the result.
func (s *DynamoStore) BatchGetProperties(ctx context.Context, ids []string) ([]Property, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.BatchGetProperties",
		observability.WithAttributes(attribute.Int("count", len(ids))))
	defer span.End()

	start := time.Now()

	var mu sync.Mutex
	var results []Property

	g, gctx := errgroup.WithContext(ctx)
	for begin := 0; begin < len(ids); begin += batchGetChunkSize {
		end := begin + batchGetChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[begin:end]

		g.Go(func() error {
			if err := s.batchSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.batchSem.Release(1)

			page, err := s.batchGetChunk(gctx, chunk)
			if err != nil {
				return err
			}

			mu.Lock()
			results = append(results, page...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.observe(ctx, "batch_get_properties", start, err)
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to batch get properties: %w", err)
	}

	s.observe(ctx, "batch_get_properties", start, nil)
	return results, nil
}

func (s *DynamoStore) batchGetChunk(ctx context.Context, ids []string) ([]Property, error) {
	keys := make([]map[string]types.AttributeValue, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		})
	}

	var results []Property
	err := resilience.Retry(ctx, s.retryConfig, func(ctx context.Context) error {
		results = results[:0]
		pending := keys

		// Drain unprocessed keys; DynamoDB may return partial batches
		// under load.
		for len(pending) > 0 {
			out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					s.tables.Properties: {Keys: pending},
				},
			})
			if err != nil {
				return err
			}

			var page []Property
			if err := attributevalue.UnmarshalListOfMaps(out.Responses[s.tables.Properties], &page); err != nil {
				return fmt.Errorf("failed to unmarshal batch page: %w", err)
			}
			results = append(results, page...)

			pending = out.UnprocessedKeys[s.tables.Properties].Keys
		}
		return nil
	})
	return results, err
}

// CreateProperty inserts a new property. Fails if the id already exists.
func (s *DynamoStore) CreateProperty(ctx context.Context, p *Property) error {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.CreateProperty",
		observability.WithAttributes(attribute.String("property_id", p.ID)))
	defer span.End()

	start := time.Now()
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = "active"
	}

	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("failed to marshal property: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Properties),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	s.observe(ctx, "create_property", start, err)
	if err != nil {
		span.NoticeError(err)
		return fmt.Errorf("failed to create property %s: %w", p.ID, err)
	}
	return nil
}

// UpdateProperty overwrites an existing property. Returns ErrNotFound for
// unknown ids.
func (s *DynamoStore) UpdateProperty(ctx context.Context, p *Property) error {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.UpdateProperty",
		observability.WithAttributes(attribute.String("property_id", p.ID)))
	defer span.End()

	start := time.Now()
	p.UpdatedAt = time.Now().UTC()

	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("failed to marshal property: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Properties),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			s.observe(ctx, "update_property", start, ErrNotFound)
			return ErrNotFound
		}
		s.observe(ctx, "update_property", start, err)
		span.NoticeError(err)
		return fmt.Errorf("failed to update property %s: %w", p.ID, err)
	}

	s.observe(ctx, "update_property", start, nil)
	return nil
}

// DeleteProperty removes a property. Deleting an unknown id is a no-op.
func (s *DynamoStore) DeleteProperty(ctx context.Context, id string) error {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.DeleteProperty",
		observability.WithAttributes(attribute.String("property_id", id)))
	defer span.End()

	start := time.Now()
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.Properties),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	s.observe(ctx, "delete_property", start, err)
	if err != nil {
		span.NoticeError(err)
		return fmt.Errorf("failed to delete property %s: %w", id, err)
	}
	return nil
}

// UserListings returns every property owned by the given user, via the
// owner GSI.
func (s *DynamoStore) UserListings(ctx context.Context, ownerID string) ([]Property, error) {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.UserListings",
		observability.WithAttributes(attribute.String("owner_id", ownerID)))
	defer span.End()

	start := time.Now()
	listings, err := resilience.RetryWithResult(ctx, s.retryConfig, func(ctx context.Context) ([]Property, error) {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tables.Properties),
			IndexName:              aws.String(ownerIndex),
			KeyConditionExpression: aws.String("owner_id = :owner"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner": &types.AttributeValueMemberS{Value: ownerID},
			},
		})
		if err != nil {
			return nil, err
		}

		var listings []Property
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &listings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal listings: %w", err)
		}
		return listings, nil
	})
	if err != nil {
		s.observe(ctx, "user_listings", start, err)
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to query listings for %s: %w", ownerID, err)
	}

	s.observe(ctx, "user_listings", start, nil)
	return listings, nil
}

// SavedProperties returns the user's saved-property references, newest
// first.
func (s *DynamoStore) SavedProperties(ctx context.Context, userID string) ([]SavedRef, error) {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.SavedProperties",
		observability.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	start := time.Now()
	refs, err := resilience.RetryWithResult(ctx, s.retryConfig, func(ctx context.Context) ([]SavedRef, error) {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tables.Saved),
			KeyConditionExpression: aws.String("user_id = :user"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":user": &types.AttributeValueMemberS{Value: userID},
			},
			ScanIndexForward: aws.Bool(false),
		})
		if err != nil {
			return nil, err
		}

		var refs []SavedRef
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &refs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal saved refs: %w", err)
		}
		return refs, nil
	})
	if err != nil {
		s.observe(ctx, "saved_properties", start, err)
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to query saved properties for %s: %w", userID, err)
	}

	s.observe(ctx, "saved_properties", start, nil)
	return refs, nil
}

// SaveProperty records that the user saved the property. Saving twice is
// idempotent.
func (s *DynamoStore) SaveProperty(ctx context.Context, userID, propertyID string) error {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.SaveProperty",
		observability.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("property_id", propertyID),
		))
	defer span.End()

	start := time.Now()
	item, err := attributevalue.MarshalMap(SavedRef{
		UserID:     userID,
		PropertyID: propertyID,
		SavedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal saved ref: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Saved),
		Item:      item,
	})
	s.observe(ctx, "save_property", start, err)
	if err != nil {
		span.NoticeError(err)
		return fmt.Errorf("failed to save property %s for %s: %w", propertyID, userID, err)
	}
	return nil
}

// UnsaveProperty removes a saved-property reference.
func (s *DynamoStore) UnsaveProperty(ctx context.Context, userID, propertyID string) error {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.UnsaveProperty",
		observability.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("property_id", propertyID),
		))
	defer span.End()

	start := time.Now()
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.Saved),
		Key: map[string]types.AttributeValue{
			"user_id":     &types.AttributeValueMemberS{Value: userID},
			"property_id": &types.AttributeValueMemberS{Value: propertyID},
		},
	})
	s.observe(ctx, "unsave_property", start, err)
	if err != nil {
		span.NoticeError(err)
		return fmt.Errorf("failed to unsave property %s for %s: %w", propertyID, userID, err)
	}
	return nil
}

// GetUserProfile fetches one user profile by id.
func (s *DynamoStore) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	ctx, span := s.tracer.StartSpan(ctx, "DynamoStore.GetUserProfile",
		observability.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	start := time.Now()
	out, err := resilience.RetryWithResult(ctx, s.retryConfig, func(ctx context.Context) (*dynamodb.GetItemOutput, error) {
		return s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tables.Users),
			Key: map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: userID},
			},
		})
	})
	if err != nil {
		s.observe(ctx, "get_user_profile", start, err)
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to get user profile %s: %w", userID, err)
	}
	if out.Item == nil {
		s.observe(ctx, "get_user_profile", start, ErrNotFound)
		return nil, ErrNotFound
	}

	var profile UserProfile
	if err := attributevalue.UnmarshalMap(out.Item, &profile); err != nil {
		s.observe(ctx, "get_user_profile", start, err)
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to unmarshal user profile %s: %w", userID, err)
	}

	s.observe(ctx, "get_user_profile", start, nil)
	return &profile, nil
}
