package events

import "time"

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// JobQueuedData contains data for JobQueued events
type JobQueuedData struct {
	JobID     string `json:"job_id"`
	Container string `json:"container"`
	Key       string `json:"key"`
}

// EventType returns the event type for JobQueuedData
func (d *JobQueuedData) EventType() EventType {
	return JobQueued
}

// JobClaimedData contains data for JobClaimed events
type JobClaimedData struct {
	JobID        string    `json:"job_id"`
	WorkerID     string    `json:"worker_id"`
	Attempt      int       `json:"attempt"`
	LeaseExpires time.Time `json:"lease_expires"`
}

// EventType returns the event type for JobClaimedData
func (d *JobClaimedData) EventType() EventType {
	return JobClaimed
}

// JobCompletedData contains data for JobCompleted events
type JobCompletedData struct {
	JobID     string `json:"job_id"`
	WorkerID  string `json:"worker_id"`
	OutputKey string `json:"output_key"`
	Records   int    `json:"records"`
}

// EventType returns the event type for JobCompletedData
func (d *JobCompletedData) EventType() EventType {
	return JobCompleted
}

// JobFailedData contains data for JobFailed events
type JobFailedData struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error"`
}

// EventType returns the event type for JobFailedData
func (d *JobFailedData) EventType() EventType {
	return JobFailed
}

// JobRequeuedData contains data for JobRequeued events
// Reason is either "transient_failure" or "lease_expired"
type JobRequeuedData struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

// EventType returns the event type for JobRequeuedData
func (d *JobRequeuedData) EventType() EventType {
	return JobRequeued
}

// SummaryUpdatedData contains data for SummaryUpdated events
type SummaryUpdatedData struct {
	Date    string `json:"date"`
	Symbols int    `json:"symbols"`
	Folded  int    `json:"folded"`
}

// EventType returns the event type for SummaryUpdatedData
func (d *SummaryUpdatedData) EventType() EventType {
	return SummaryUpdated
}
