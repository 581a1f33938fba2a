// Package queue carries best-effort wake-up hints from job submission to
// schedulers. Messages may be lost or duplicated; the job store remains the
// source of truth and the scheduler sweep picks up anything missed here.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gamerg21/converter/models"
)

type Handler func(ctx context.Context, msg models.QueueMessage)

type Queue interface {
	Publish(ctx context.Context, msg models.QueueMessage) error
	// Subscribe registers h and returns once the subscription is active.
	// Delivery stops when ctx is canceled.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

func encode(msg models.QueueMessage) ([]byte, error) {
	if msg.JobID == "" {
		return nil, fmt.Errorf("empty job id")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue message: %w", err)
	}
	return data, nil
}

func decode(data []byte) (models.QueueMessage, error) {
	var msg models.QueueMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("failed to parse queue message: %w", err)
	}
	if msg.JobID == "" {
		return msg, fmt.Errorf("queue message without job id")
	}
	return msg, nil
}
