package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saviobatista/obu-tracker/internal/types"
)

const (
	// DefaultTTL bounds how long a silent entity stays visible to readers
	DefaultTTL = time.Hour

	// UpdatesChannel carries every mirrored record as JSON
	UpdatesChannel = "obu:updates"
)

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Client mirrors the latest reported position of every entity into Redis
type Client struct {
	client RedisClientInterface
	ttl    time.Duration
}

// New creates a new Redis client
func New(addr string, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

func positionKey(id string) string {
	return fmt.Sprintf("obu:%s", id)
}

// StorePosition stores the latest record for its entity and announces it on
// UpdatesChannel
func (c *Client) StorePosition(ctx context.Context, rec *types.TelemetryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}

	if err := c.client.Set(ctx, positionKey(rec.EntityID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store position: %w", err)
	}
	if err := c.client.Publish(ctx, UpdatesChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish position: %w", err)
	}
	return nil
}

// GetPosition retrieves the latest record for id. It returns nil without an
// error when nothing is stored.
func (c *Client) GetPosition(ctx context.Context, id string) (*types.TelemetryRecord, error) {
	data, err := c.client.Get(ctx, positionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}

	var rec types.TelemetryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return &rec, nil
}

// DeletePosition removes the record for id
func (c *Client) DeletePosition(ctx context.Context, id string) error {
	return c.client.Del(ctx, positionKey(id)).Err()
}
