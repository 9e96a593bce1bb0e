// Package jobs implements the job orchestration core: a durable SQLite-backed
// job table, an idempotent producer, and a claim-and-lease scheduler that lets
// a pool of workers process jobs at-least-once without double-processing.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// State is the lifecycle state of a job
type State string

const (
	// StatePending - job is waiting to be claimed
	StatePending State = "PENDING"
	// StateClaimed - a worker holds a lease on the job
	StateClaimed State = "CLAIMED"
	// StateDone - terminal success
	StateDone State = "DONE"
	// StateFailed - terminal failure
	StateFailed State = "FAILED"
)

// IsTerminal returns true for DONE and FAILED
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Valid returns true if s is a known state
func (s State) Valid() bool {
	switch s {
	case StatePending, StateClaimed, StateDone, StateFailed:
		return true
	}
	return false
}

// ValidTransition reports whether from -> to is a legal edge of the job state
// machine. The terminal -> PENDING edges are the explicit reprocess path.
func ValidTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateClaimed
	case StateClaimed:
		// complete, terminal fail, transient requeue / lease reclaim, renew
		return to == StateDone || to == StateFailed || to == StatePending || to == StateClaimed
	case StateDone, StateFailed:
		return to == StatePending
	}
	return false
}

// Job is one unit of inference work over a single raw input object
type Job struct {
	ID              string     `json:"id"`
	SourceContainer string     `json:"source_container"`
	SourceKey       string     `json:"source_key"`
	State           State      `json:"state"`
	LeaseOwner      string     `json:"lease_owner,omitempty"`      // non-empty iff State == CLAIMED
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"` // non-nil iff State == CLAIMED
	AttemptCount    int        `json:"attempt_count"`
	ErrorMessage    string     `json:"error_message,omitempty"` // set only on FAILED
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// LeaseExpired returns true if the job holds a lease that has passed
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.State == StateClaimed && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// jobIDLength is the truncated hex length of the derived job ID.
// 32 hex chars = 128 bits, plenty for uniqueness across input objects.
const jobIDLength = 32

// NewJobID derives the deterministic job ID for a source object. Re-delivery
// of the same arrival event always maps to the same ID, which is what makes
// submission idempotent.
func NewJobID(container, key string) string {
	h := sha256.Sum256([]byte(container + "\x00" + key))
	return hex.EncodeToString(h[:])[:jobIDLength]
}

// maxErrorMessageLength bounds stored failure messages
const maxErrorMessageLength = 500

// truncateError keeps failure messages short enough for the job table
func truncateError(msg string) string {
	if len(msg) > maxErrorMessageLength {
		return msg[:maxErrorMessageLength]
	}
	return msg
}
