package pushserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/config"
	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/protocol"
)

const (
	envelopeField = "envelope"
	streamMaxLen  = 1000
)

// NewRedisClient connects to the configured Redis and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// StreamPublisher appends envelopes to a Redis stream so every server
// instance reading it fans them out.
type StreamPublisher struct {
	client redis.UniversalClient
	stream string
}

func NewStreamPublisher(client redis.UniversalClient, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

func (p *StreamPublisher) Emit(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			envelopeField: string(data),
			"timestamp":   time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add message to stream: %w", err)
	}
	return nil
}

// StreamSource reads a Redis stream and publishes each envelope to a hub.
type StreamSource struct {
	client  redis.UniversalClient
	stream  string
	hub     *Hub
	startID string
	log     *zap.Logger
}

// NewStreamSource reads only messages added after Run starts unless startID
// is set ("0" replays the whole stream).
func NewStreamSource(client redis.UniversalClient, stream string, hub *Hub, startID string, logger *zap.Logger) *StreamSource {
	if startID == "" {
		startID = "$"
	}
	return &StreamSource{
		client:  client,
		stream:  stream,
		hub:     hub,
		startID: startID,
		log:     logging.OrNop(logger).Named("stream"),
	}
}

// Run blocks until ctx is done. Plain XREAD is used so every instance sees
// every message.
func (s *StreamSource) Run(ctx context.Context) error {
	lastID := s.startID
	for {
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   32,
			Block:   time.Second,
		}).Result()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				s.log.Error("failed to read from stream", zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				s.deliver(msg)
			}
		}
	}
}

func (s *StreamSource) deliver(msg redis.XMessage) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		s.log.Warn("stream message without envelope", zap.String("id", msg.ID))
		return
	}
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.log.Error("failed to unmarshal envelope", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if env.Topic == "" {
		s.log.Warn("stream envelope without topic", zap.String("id", msg.ID))
		return
	}
	s.hub.Publish(env, "redis")
}
