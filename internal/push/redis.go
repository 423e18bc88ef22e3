package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"modbus-gateway/internal/engine"
)

// RedisConfig mirrors the subset of the teacher's RedisCache connection
// options relevant to a single-node publisher (no cluster mode, since
// pub/sub fan-out needs neither sharding nor persistence here).
type RedisConfig struct {
	Addr         string
	Password     string
	Database     int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ChannelPrefix string
}

func defaultRedisConfig() RedisConfig {
	return RedisConfig{
		DialTimeout:   5 * time.Second,
		WriteTimeout:  2 * time.Second,
		ChannelPrefix: "modbus-gateway:snapshots:",
	}
}

// RedisPublisher is a PushChannel backed by redis pub/sub: one channel
// per device, named by ChannelPrefix+deviceID. It is a second, server-
// based PublishSnapshot implementation demonstrating the interface works
// across processes, not just within one.
type RedisPublisher struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisPublisher connects to a redis instance and verifies it with a
// PING before returning.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	defaults := defaultRedisConfig()
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = defaults.ChannelPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("push: redis ping %s: %w", cfg.Addr, err)
	}

	return &RedisPublisher{client: client, cfg: cfg}, nil
}

// PublishSnapshot implements dispatch.PushChannel by publishing to the
// device's channel. redis pub/sub is itself fire-and-forget: if nobody
// is subscribed the message is simply dropped, which matches §6.4's
// no-backpressure requirement without any extra bookkeeping here.
func (p *RedisPublisher) PublishSnapshot(ctx context.Context, deviceID string, snapshot engine.Snapshot) error {
	payload, err := json.Marshal(snapshotMessage{
		Type:      "snapshot",
		DeviceID:  deviceID,
		Snapshot:  snapshot,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	channel := p.cfg.ChannelPrefix + deviceID
	return p.client.Publish(ctx, channel, payload).Err()
}

// Close releases the underlying connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
