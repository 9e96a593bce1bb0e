package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/events"
)

// RawTextPrefix is the key prefix under which raw text objects arrive
const RawTextPrefix = "raw/text/"

// Producer turns arrival events into job records. Submission is idempotent:
// the job ID is derived from the source object's identity, so duplicate
// delivery of the same event (a given with at-least-once notification) maps
// to the same record.
type Producer struct {
	store *Store
	bus   *events.Bus
	log   zerolog.Logger
}

// NewProducer creates a new job producer
func NewProducer(store *Store, bus *events.Bus, log zerolog.Logger) *Producer {
	return &Producer{
		store: store,
		bus:   bus,
		log:   log.With().Str("component", "producer").Logger(),
	}
}

// Eligible reports whether a key is a raw text object this pipeline scores.
// Everything else under the container (curated output, analytics exports) is
// skipped so the pipeline cannot feed on its own results.
func Eligible(key string) bool {
	if !strings.HasPrefix(key, RawTextPrefix) {
		return false
	}
	return strings.HasSuffix(key, ".jsonl") || strings.HasSuffix(key, ".jsonl.gz")
}

// Submit registers a job for a source object. Returns the job ID and whether
// a new record was created; an existing record (any state) makes the call a
// no-op returning the existing ID.
func (p *Producer) Submit(container, key string) (string, bool, error) {
	if container == "" || key == "" {
		return "", false, fmt.Errorf("submit requires container and key")
	}
	if !Eligible(key) {
		return "", false, fmt.Errorf("key %q is not a raw text object", key)
	}

	now := time.Now()
	job := &Job{
		ID:              NewJobID(container, key),
		SourceContainer: container,
		SourceKey:       key,
		State:           StatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, err := p.store.PutIfAbsent(job)
	if err != nil {
		return "", false, fmt.Errorf("failed to submit job for %s/%s: %w", container, key, err)
	}

	if !created {
		p.log.Debug().Str("job_id", job.ID).Str("key", key).Msg("Duplicate submission, job already exists")
		return job.ID, false, nil
	}

	p.log.Info().Str("job_id", job.ID).Str("container", container).Str("key", key).Msg("Job queued")
	p.bus.Emit(events.JobQueued, "producer", &events.JobQueuedData{
		JobID:     job.ID,
		Container: container,
		Key:       key,
	})

	return job.ID, true, nil
}

// Reprocess returns a terminal job to PENDING, clearing its lease bookkeeping,
// error message and attempt count. Only DONE and FAILED jobs can be
// reprocessed; anything else is rejected.
func (p *Producer) Reprocess(jobID string) error {
	job, err := p.store.Get(jobID)
	if err != nil {
		return err
	}

	if !job.State.IsTerminal() {
		return fmt.Errorf("job %s is %s, only terminal jobs can be reprocessed", jobID, job.State)
	}

	applied, err := p.store.ConditionalUpdate(jobID, Guard{State: job.State}, Update{
		State:         StatePending,
		ResetAttempts: true,
	})
	if err != nil {
		return err
	}
	if !applied {
		// Raced with another reprocess request; the job is pending either way.
		p.log.Debug().Str("job_id", jobID).Msg("Reprocess lost update race")
		return nil
	}

	p.log.Info().Str("job_id", jobID).Str("from", string(job.State)).Msg("Job requeued for reprocessing")
	p.bus.Emit(events.JobRequeued, "producer", &events.JobRequeuedData{
		JobID:  jobID,
		Reason: "reprocess",
	})

	return nil
}
