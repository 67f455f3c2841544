package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamKey = "caremesh:events"

// StreamMirror appends bus events to a Redis Stream so external consumers
// (dashboards, monitors) can tail the orchestration without an in-process
// subscription.
type StreamMirror struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewStreamMirror connects to Redis and verifies the connection.
func NewStreamMirror(redisURL string, logger *zap.Logger) (*StreamMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &StreamMirror{rdb: rdb, logger: logger}, nil
}

// Append writes one event to the stream.
func (m *StreamMirror) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("append to %s: %w", streamKey, err)
	}
	return nil
}

// Tail reads events from the stream starting after the given id ("$" for new
// events only). Cancel the context to stop.
func (m *StreamMirror) Tail(ctx context.Context, fromID string) <-chan Event {
	ch := make(chan Event, 16)
	if fromID == "" {
		fromID = "$"
	}

	go func() {
		defer close(ch)
		lastID := fromID

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey, lastID},
				Count:   32,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (m *StreamMirror) Close() error {
	return m.rdb.Close()
}
