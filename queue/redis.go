package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gamerg21/converter/models"

	"github.com/redis/go-redis/v9"
)

// Redis publishes hints over a pub/sub channel and mirrors job states into
// per-job status hashes for readers that poll Redis instead of the database.
type Redis struct {
	client       *redis.Client
	channel      string
	statusPrefix string
	logger       *slog.Logger
}

func NewRedis(client *redis.Client, channel, statusPrefix string, logger *slog.Logger) *Redis {
	return &Redis{
		client:       client,
		channel:      channel,
		statusPrefix: statusPrefix,
		logger:       logger.With(slog.String("component", "queue"), slog.String("driver", "redis")),
	}
}

func (q *Redis) Publish(ctx context.Context, msg models.QueueMessage) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}

	if err := q.client.Publish(ctx, q.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", q.channel, err)
	}
	return nil
}

func (q *Redis) Subscribe(ctx context.Context, h Handler) error {
	pubsub := q.client.Subscribe(ctx, q.channel)

	// Wait for the subscription confirmation so no publish after Subscribe
	// returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", q.channel, err)
	}

	go func() {
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decode([]byte(m.Payload))
				if err != nil {
					q.logger.Warn("dropping malformed hint", slog.String("error", err.Error()))
					continue
				}
				h(ctx, msg)
			}
		}
	}()

	return nil
}

// MirrorStatus records the latest status of a job in its status hash.
func (q *Redis) MirrorStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	fields := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}

	if err := q.client.HSet(ctx, q.statusPrefix+jobID, fields).Err(); err != nil {
		return fmt.Errorf("failed to update status hash: %w", err)
	}
	return nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}
