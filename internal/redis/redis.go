package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BasebandHash holds the published modem state
	BasebandHash = "baseband"
	// CommandList receives power commands
	CommandList = "scooter:baseband"
)

const commandPollTimeout = time.Second

// Client wraps the Redis client with additional functionality
type Client struct {
	client *redis.Client
	logger *log.Logger

	mu   sync.Mutex
	last map[string]string
}

// New creates a new Redis client
func New(redisURL string, logger *log.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %v", err)
	}

	client := redis.NewClient(opt)
	return &Client{
		client: client,
		logger: logger,
		last:   make(map[string]string),
	}, nil
}

// Ping checks if the Redis server is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PublishBasebandState sets one field of the baseband hash and announces it
func (c *Client) PublishBasebandState(ctx context.Context, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, BasebandHash, field, value)
	pipe.Publish(ctx, BasebandHash, field)
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Printf("Unable to set baseband.%s in redis: %v", field, err)
		return fmt.Errorf("cannot write to redis: %v", err)
	}
	return nil
}

// PublishChanged publishes the fields whose value differs from the last
// successful publish.
func (c *Client) PublishChanged(ctx context.Context, fields map[string]string) error {
	for field, value := range fields {
		c.mu.Lock()
		old, ok := c.last[field]
		c.mu.Unlock()
		if ok && old == value {
			continue
		}

		if err := c.PublishBasebandState(ctx, field, value); err != nil {
			return err
		}
		c.mu.Lock()
		c.last[field] = value
		c.mu.Unlock()
	}
	return nil
}

// HandleCommands pops commands from list and passes them to handler until
// ctx is done. Handler errors are logged.
func (c *Client) HandleCommands(ctx context.Context, list string, handler func(string) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := c.client.BRPop(ctx, commandPollTimeout, list).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Printf("Unable to read %s from redis: %v", list, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(commandPollTimeout):
			}
			continue
		}

		// result is [list, value]
		if len(result) < 2 {
			continue
		}
		if err := handler(result[1]); err != nil {
			c.logger.Printf("Command %q failed: %v", result[1], err)
		}
	}
}

// Close closes the Redis client
func (c *Client) Close() error {
	return c.client.Close()
}
