package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed request result is retained.
	// The client controls key uniqueness, so a long window is safe.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds how long a key can sit in the processing state
	// if the original request dies before storing its result.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the key is held by a request still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached response for an idempotent request.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService deduplicates enqueue requests by Idempotency-Key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(tenantID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantID, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if the key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, tenantID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(tenantID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("tenant_id", tenantID),
		zap.String("notification_id", result.NotificationID),
	)

	return &result, nil
}

// Store saves the result of a successfully processed request.
func (s *IdempotencyService) Store(ctx context.Context, tenantID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(tenantID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops a reserved key so a failed request can be retried immediately.
func (s *IdempotencyService) Release(ctx context.Context, tenantID, idempotencyKey string) error {
	return s.client.rdb.Del(ctx, s.buildKey(tenantID, idempotencyKey)).Err()
}

// CheckOrReserve returns the cached result if the key completed before,
// reserves the key and returns nil if it is new, or ErrDuplicateRequest
// if another request holds it. The reservation uses SET NX.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, tenantID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, tenantID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	key := s.buildKey(tenantID, idempotencyKey)
	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
