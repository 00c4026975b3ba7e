package models

import "time"

// EventKind discriminates the Event union.
type EventKind string

const (
	// EventStatus is emitted for every status transition.
	EventStatus EventKind = "status"
	// EventProgress is a throttled progress tick for a downloading item.
	EventProgress EventKind = "progress"
	// EventRetry is emitted when a transient failure is scheduled for another attempt.
	EventRetry EventKind = "retry"
	// EventStorageHold is emitted when admission is blocked by insufficient storage.
	EventStorageHold EventKind = "storage_hold"
	// EventEvicted is emitted when cleanup removed a completed download.
	EventEvicted EventKind = "evicted"
	// EventDeleted is emitted when a user deleted an item.
	EventDeleted EventKind = "deleted"
)

// Event is what subscribers of the download manager receive.
type Event struct {
	Kind           EventKind     `json:"kind"`
	ItemID         string        `json:"item_id"`
	PreviousStatus Status        `json:"previous_status,omitempty"`
	NewStatus      Status        `json:"new_status"`
	Item           DownloadItem  `json:"item"`
	RetryDelay     time.Duration `json:"retry_delay,omitempty"`
	Message        string        `json:"message,omitempty"`
	Time           time.Time     `json:"time"`
}
