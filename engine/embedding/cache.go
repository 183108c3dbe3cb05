package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by a Store when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Store is the key-value contract the text cache needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheObserver records hits and misses. *metrics.Metrics satisfies it.
type CacheObserver interface {
	Cache(hit bool)
}

// CachedModel caches text embeddings in a Store. Image embeddings always go
// to the inner model.
type CachedModel struct {
	inner    Model
	store    Store
	ttl      time.Duration
	observer CacheObserver
	logger   *zap.Logger
}

// NewCachedModel wraps inner with a text-embedding cache.
func NewCachedModel(inner Model, s Store, ttl time.Duration, observer CacheObserver, logger *zap.Logger) *CachedModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedModel{inner: inner, store: s, ttl: ttl, observer: observer, logger: logger}
}

// Name returns the inner model name.
func (c *CachedModel) Name() string { return c.inner.Name() }

// EmbedText returns a cached raw vector or calls the inner model.
// Cache failures degrade to a miss.
func (c *CachedModel) EmbedText(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.get(ctx, key); ok {
		c.observe(true)
		return vec, nil
	}
	c.observe(false)

	vec, err := c.inner.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, vectorToBytes(vec), c.ttl); err != nil {
		c.logger.Warn("failed to cache embedding", zap.String("key", key), zap.Error(err))
	}
	return vec, nil
}

// EmbedImage is never cached.
func (c *CachedModel) EmbedImage(ctx context.Context, data []byte, mime string) ([]float32, error) {
	return c.inner.EmbedImage(ctx, data, mime)
}

func (c *CachedModel) observe(hit bool) {
	if c.observer != nil {
		c.observer.Cache(hit)
	}
}

func (c *CachedModel) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.inner.Name() + "\x00" + text))
	return "charsearch:emb:" + hex.EncodeToString(h[:])
}

func (c *CachedModel) get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("failed to read cached embedding", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	vec, err := bytesToVector(data)
	if err != nil || len(vec) == 0 {
		c.logger.Warn("discarding malformed cached embedding", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, true
}

func vectorToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("cached vector has %d bytes, not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// RedisStore is a Store backed by Redis or Valkey through rueidis.
type RedisStore struct {
	client rueidis.Client
}

// NewRedisStore connects to the given addresses.
func NewRedisStore(addrs []string, password string) (*RedisStore, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("embedding cache: addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  addrs,
		Password:     password,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: connect: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client rueidis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves a value by key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("embedding cache: get: %w", err)
	}
	return data, nil
}

// Set stores a value with an expiration. A non-positive ttl stores without one.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(key).Value(rueidis.BinaryString(value)).Ex(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(key).Value(rueidis.BinaryString(value)).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("embedding cache: set: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (s *RedisStore) Close() { s.client.Close() }
