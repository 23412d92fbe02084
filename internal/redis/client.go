package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/file-relay-go/internal/config"
)

const keyPrefix = "relay:"

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.RedisPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

// Wrap adopts an already configured go-redis client.
func Wrap(client *redis.Client) *Client {
	return &Client{client}
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func SessionKey(token string) string {
	return keyPrefix + "session:" + token
}

// ExpiryIndexKey names the sorted set of live tokens scored by expiry (unix ms).
func ExpiryIndexKey() string {
	return keyPrefix + "expiry"
}

// EventChannel is keyed by the token hash so raw tokens never appear in
// pubsub channel names.
func EventChannel(tokenHash string) string {
	return fmt.Sprintf("%sevents:%s", keyPrefix, tokenHash)
}

func RateLimitKey(scope, key string) string {
	return fmt.Sprintf("%sratelimit:%s:%s", keyPrefix, scope, key)
}
