package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gamerg21/converter/models"
)

// Memory is an in-process queue backed by a buffered channel. Subscribers
// share the channel, so each message reaches one of them. Publish never
// blocks: when the buffer is full the hint is dropped.
type Memory struct {
	ch     chan models.QueueMessage
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewMemory(buffer int, logger *slog.Logger) *Memory {
	return &Memory{
		ch:     make(chan models.QueueMessage, buffer),
		logger: logger.With(slog.String("component", "queue"), slog.String("driver", "memory")),
	}
}

func (q *Memory) Publish(_ context.Context, msg models.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	select {
	case q.ch <- msg:
	default:
		q.logger.Warn("queue full, dropping hint", slog.String("job_id", msg.JobID))
	}
	return nil
}

func (q *Memory) Subscribe(ctx context.Context, h Handler) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-q.ch:
				if !ok {
					return
				}
				h(ctx, msg)
			}
		}
	}()
	return nil
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
