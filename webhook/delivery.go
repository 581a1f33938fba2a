// Package webhook notifies external endpoints about job transitions. Each
// delivery is signed, retried a bounded number of times per endpoint, and
// never feeds back into job state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gamerg21/converter/models"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type EndpointRegistry interface {
	ListWebhookEndpoints(ctx context.Context, organizationID, event string) ([]models.WebhookEndpoint, error)
}

// DeliveryRecorder persists the outcome of each endpoint delivery.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d *models.WebhookDelivery) error
}

type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	// RateLimit caps outbound requests per second across all endpoints.
	// Zero disables the limit.
	RateLimit float64
}

type Envelope struct {
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

type Result struct {
	EndpointID string
	Signature  string
	Delivered  bool
	Attempts   int
	LastError  string
}

type Service struct {
	registry EndpointRegistry
	recorder DeliveryRecorder
	client   *http.Client
	limiter  *rate.Limiter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewService builds a delivery service. recorder may be nil.
func NewService(registry EndpointRegistry, recorder DeliveryRecorder, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	return &Service{
		registry: registry,
		recorder: recorder,
		client:   &http.Client{},
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "webhook")),
		now:      time.Now,
	}
}

// Deliver sends event to every enabled endpoint of the organization that
// subscribes to it and waits for all of them. The envelope is serialized once
// so every endpoint receives and signs identical bytes.
func (s *Service) Deliver(ctx context.Context, organizationID, event string, payload any) ([]Result, error) {
	endpoints, err := s.registry.ListWebhookEndpoints(ctx, organizationID, event)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(Envelope{Event: event, Payload: payload, CreatedAt: s.now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	results := make([]Result, len(endpoints))
	var g errgroup.Group
	for i, ep := range endpoints {
		g.Go(func() error {
			results[i] = s.deliverOne(ctx, ep, event, body)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		s.record(ctx, event, r)
	}

	return results, nil
}

// Emit delivers in the background. The caller's cancellation does not abort
// delivery; Wait blocks until every emitted delivery has finished.
func (s *Service) Emit(ctx context.Context, organizationID, event string, payload any) {
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		results, err := s.Deliver(ctx, organizationID, event, payload)
		if err != nil {
			s.logger.Error("webhook delivery failed",
				slog.String("event", event),
				slog.String("organization_id", organizationID),
				slog.String("error", err.Error()),
			)
			return
		}

		for _, r := range results {
			if r.Delivered {
				continue
			}
			s.logger.Warn("webhook not delivered",
				slog.String("event", event),
				slog.String("endpoint_id", r.EndpointID),
				slog.Int("attempts", r.Attempts),
				slog.String("error", r.LastError),
			)
		}
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) deliverOne(ctx context.Context, ep models.WebhookEndpoint, event string, body []byte) Result {
	res := Result{EndpointID: ep.ID, Signature: Sign(body, ep.Secret)}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		err := s.post(ctx, ep.URL, event, res.Signature, body)
		if err == nil {
			res.Delivered = true
			res.LastError = ""
			return res
		}
		res.LastError = err.Error()

		if attempt == s.cfg.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, s.cfg.Backoff*time.Duration(attempt)); err != nil {
			res.LastError = err.Error()
			break
		}
	}

	return res
}

func (s *Service) post(ctx context.Context, url, event, signature string, body []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set("X-Webhook-Event", event)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", models.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: endpoint returned status %d", models.ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

func (s *Service) record(ctx context.Context, event string, r Result) {
	if s.recorder == nil {
		return
	}

	err := s.recorder.RecordDelivery(ctx, &models.WebhookDelivery{
		EndpointID: r.EndpointID,
		Event:      event,
		Delivered:  r.Delivered,
		Attempts:   r.Attempts,
		LastError:  r.LastError,
	})
	if err != nil {
		s.logger.Error("failed to record delivery",
			slog.String("endpoint_id", r.EndpointID),
			slog.String("error", err.Error()),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
