package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"androidfarm/farm"
)

// DefaultChannel is the pub/sub channel tile changes are published on.
const DefaultChannel = "androidfarm:tiles"

// RedisPublisher mirrors tile state into Redis. Every change is published as
// JSON on the channel, and the latest snapshot per device is kept in the hash
// "<channel>:state" so a late reader can load the whole wall at once.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher connects lazily; call Ping to verify the server.
func NewRedisPublisher(opts *redis.Options, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: redis.NewClient(opts), channel: channel}
}

// Channel returns the pub/sub channel name.
func (p *RedisPublisher) Channel() string { return p.channel }

// StateKey returns the hash holding the latest snapshot per device.
func (p *RedisPublisher) StateKey() string { return p.channel + ":state" }

// Ping verifies Redis connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// RecordChange updates the state hash and publishes the change.
func (p *RedisPublisher) RecordChange(ctx context.Context, c farm.Change) error {
	if c.Removed {
		if err := p.rdb.HDel(ctx, p.StateKey(), c.DeviceID).Err(); err != nil {
			return fmt.Errorf("failed to drop tile %s: %w", c.DeviceID, err)
		}
	} else {
		tile, err := json.Marshal(c.Tile)
		if err != nil {
			return fmt.Errorf("failed to marshal tile: %w", err)
		}
		if err := p.rdb.HSet(ctx, p.StateKey(), c.DeviceID, tile).Err(); err != nil {
			return fmt.Errorf("failed to write tile %s: %w", c.DeviceID, err)
		}
	}

	event, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, event).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
