package models

import (
	"slices"
	"time"
)

const (
	EventJobQueued     = "job.queued"
	EventJobProcessing = "job.processing"
	EventJobFinished   = "job.finished"
	EventJobFailed     = "job.failed"
	EventJobCanceled   = "job.canceled"
)

// EventForStatus maps a job status to the webhook event emitted when a job
// enters it.
func EventForStatus(s JobStatus) string {
	switch s {
	case StatusQueued:
		return EventJobQueued
	case StatusProcessing:
		return EventJobProcessing
	case StatusFinished:
		return EventJobFinished
	case StatusFailed:
		return EventJobFailed
	case StatusCanceled:
		return EventJobCanceled
	}
	return ""
}

type WebhookEndpoint struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	URL            string     `json:"url"`
	Secret         []byte     `json:"-"`
	Events         []string   `json:"events"`
	DisabledAt     *time.Time `json:"disabledAt,omitempty"`
}

func (e *WebhookEndpoint) Subscribed(event string) bool {
	return e.DisabledAt == nil && slices.Contains(e.Events, event)
}

type WebhookDelivery struct {
	ID         string    `json:"id"`
	EndpointID string    `json:"endpointId"`
	Event      string    `json:"event"`
	Delivered  bool      `json:"delivered"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
