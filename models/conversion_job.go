package models

import "time"

type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusFinished   JobStatus = "FINISHED"
	StatusFailed     JobStatus = "FAILED"
	StatusCanceled   JobStatus = "CANCELED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func (s JobStatus) IsActive() bool {
	return s == StatusQueued || s == StatusProcessing
}

const (
	// ClaimedProgress is the progress recorded when a job is claimed.
	ClaimedProgress = 15
	DoneProgress    = 100

	MainTaskStep   = "convert-main"
	CanceledByUser = "Canceled by user."
)

type ConversionJob struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	InputFileID    string     `json:"inputFileId"`
	OutputFileID   *string    `json:"outputFileId,omitempty"`
	SourceFormat   string     `json:"sourceFormat"`
	TargetFormat   string     `json:"targetFormat"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Message builds the queue notification for the job.
func (j *ConversionJob) Message() QueueMessage {
	return QueueMessage{
		JobID:          j.ID,
		OrganizationID: j.OrganizationID,
		InputFileID:    j.InputFileID,
		SourceFormat:   j.SourceFormat,
		TargetFormat:   j.TargetFormat,
	}
}

// OutputStorageKey is the storage key a finished job writes its output to.
func (j *ConversionJob) OutputStorageKey() string {
	return j.OrganizationID + "/outputs/" + j.ID + "." + j.TargetFormat
}

type JobTask struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	Step       string    `json:"step"`
	Status     JobStatus `json:"status"`
	RetryCount int       `json:"retryCount"`
	Log        string    `json:"log,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TerminalUpdate describes the final write for a job.
type TerminalUpdate struct {
	Status       JobStatus
	ErrorMessage string
	OutputFileID string
}

type FileAsset struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Filename       string    `json:"filename"`
	MimeType       string    `json:"mimeType"`
	SizeBytes      int64     `json:"sizeBytes"`
	Format         string    `json:"format"`
	StorageKey     string    `json:"storageKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

// QueueMessage is a wake-up hint for schedulers. The job store stays the
// source of truth for queued work.
type QueueMessage struct {
	JobID          string `json:"jobId"`
	OrganizationID string `json:"organizationId"`
	InputFileID    string `json:"inputFileId"`
	SourceFormat   string `json:"sourceFormat"`
	TargetFormat   string `json:"targetFormat"`
}
