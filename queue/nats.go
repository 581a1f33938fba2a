package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gamerg21/converter/models"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	Name          string
	MaxReconnects int
}

func NewNATSConnect(url string, cfg NATSConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return nc, nil
}

// NATS sends hints over core NATS subjects. Core NATS has at-most-once
// delivery, which is all a hint needs.
type NATS struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATS(nc *nats.Conn, subject string, logger *slog.Logger) *NATS {
	return &NATS{
		nc:      nc,
		subject: subject,
		logger:  logger.With(slog.String("component", "queue"), slog.String("driver", "nats")),
	}
}

func (q *NATS) Publish(_ context.Context, msg models.QueueMessage) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}

	if err := q.nc.Publish(q.subject, data); err != nil {
		return fmt.Errorf("publish job %s: %w", msg.JobID, err)
	}

	q.logger.Debug("hint published",
		slog.String("job_id", msg.JobID),
		slog.String("subject", q.subject),
	)
	return nil
}

func (q *NATS) Subscribe(ctx context.Context, h Handler) error {
	sub, err := q.nc.Subscribe(q.subject, func(m *nats.Msg) {
		msg, err := decode(m.Data)
		if err != nil {
			q.logger.Warn("dropping malformed hint", slog.String("error", err.Error()))
			return
		}
		h(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject, err)
	}

	if err := q.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription %s: %w", q.subject, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			q.logger.Warn("NATS subscription drain", slog.String("error", err.Error()))
		}
	}()

	return nil
}

func (q *NATS) Close() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
