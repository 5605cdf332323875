package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"echovault/server/internal/config"
)

const blobKeyPrefix = "blob:"

// BlobStore holds oversized memory payloads in Redis, addressed by a
// generated key. It is never a system of record for metadata; the durable
// store row owns the key and the delete ordering keeps the blob alive until
// the row is gone.
type BlobStore struct {
	client  *redis.Client
	timeout time.Duration
	logger  zerolog.Logger
}

func NewBlobStore(cfg config.RedisConfig, logger zerolog.Logger) (*BlobStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &BlobStore{
		client:  client,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "blobstore").Logger(),
	}, nil
}

// Put stores a payload and returns its generated key. Blobs carry no TTL;
// their lifetime is bound to the durable store row referencing them.
func (s *BlobStore) Put(ctx context.Context, data []byte) (string, error) {
	key := blobKeyPrefix + uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	s.logger.Debug().Str("key", key).Int("size", len(data)).Msg("blob stored")
	return key, nil
}

// Get fetches a payload by key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a payload by key. Deleting a missing key is not an error.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// Health probes the connection.
func (s *BlobStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *BlobStore) Close() error {
	return s.client.Close()
}
