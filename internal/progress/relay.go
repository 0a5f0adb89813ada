package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "paper:progress:"

// RedisRelay carries events between the worker process and the API process.
type RedisRelay struct {
	client  *redis.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisRelay wraps a client used for PUBLISH and PSUBSCRIBE.
func NewRedisRelay(client *redis.Client, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, logger: logger, timeout: 2 * time.Second}
}

// Channel is the pub/sub channel of one job.
func Channel(jobID string) string {
	return channelPrefix + jobID
}

// Publish sends the event to Redis. Failures are logged and the event is lost.
func (r *RedisRelay) Publish(jobID, eventType string, payload map[string]any) {
	ev := Event{JobID: jobID, Type: eventType, Payload: payload, At: time.Now().UTC()}
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("encode progress event", "job_id", jobID, "type", eventType, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, Channel(jobID), data).Err(); err != nil {
		r.logger.Warn("publish progress event", "job_id", jobID, "type", eventType, "error", err)
	}
}

// Forward republishes every relayed event into bus until ctx is done.
// ready, when non-nil, is closed once the subscription is active.
func (r *RedisRelay) Forward(ctx context.Context, bus Publisher, ready chan<- struct{}) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("decode relayed event", "channel", msg.Channel, "error", err)
				continue
			}
			if ev.JobID == "" {
				ev.JobID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			bus.Publish(ev.JobID, ev.Type, ev.Payload)
		}
	}
}
