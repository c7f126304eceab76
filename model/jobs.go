package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of an aggregation job. The only valid
// transitions are pending→processing, processing→sent, processing→cancelled,
// and processing→pending for a retry.
type JobStatus string

// The aggregation job statuses.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobCancelled  JobStatus = "cancelled"
)

// JobPayload is the display snapshot carried by an aggregation job. Each
// event folded into a job overwrites the snapshot, so a due job carries the
// most recent event's display data alongside the total event count.
type JobPayload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	URL            string `json:"url"`
	Type           string `json:"type"`
	NotificationID string `json:"notification_id"`
	Attempts       int    `json:"attempts,omitempty"`
}

// AggregationJob is a pending or historical windowed delivery unit. At most
// one pending row exists per (UserID, PageID, WindowKey).
type AggregationJob struct {
	ID             string
	UserID         string
	WorkspaceID    string
	PageID         string
	WindowKey      string
	IdempotencyKey string
	SendAfter      time.Time
	Status         JobStatus
	EventsCount    int
	Payload        JobPayload
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         *time.Time
}

// JobIdempotencyKey derives the unique key for an aggregation job so that the
// same (user, page, window) combination always maps to the same row.
func JobIdempotencyKey(userID, pageID, windowKey string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", userID, pageID, windowKey)))
	return hex.EncodeToString(hash[:])
}
