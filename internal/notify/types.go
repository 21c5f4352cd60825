package notify

import (
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	WebhookURL      string
	Username        string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// NotifySuccess also reports successful submissions.
	NotifySuccess bool
}

// Notification kinds used by the feeder.
const (
	KindJobFailed       = "job_failed"
	KindSubmitFailed    = "submission_failed"
	KindSubmitted       = "submission_succeeded"
	KindScheduleInvalid = "schedule_rejected"
	KindPriceLogError   = "price_log_error"
	KindLog             = "log"
)

// Payload is rendered as embed fields, sorted by key.
type Payload map[string]any

// Notification is a queued message.
type Notification struct {
	Kind    string
	Payload Payload
	At      time.Time
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Err  string    `json:"error,omitempty"`
}

// Event is published on the event bus for notifier lifecycle events.
type Event struct {
	Kind  string    `json:"kind"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
