package jobs

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/events"
)

// claimScanLimit caps how many PENDING candidates one claim attempt walks.
// Losing claim races is normal with many workers; walking a short window of
// the FIFO head keeps contention bounded.
const claimScanLimit = 16

// Scheduler implements claim-and-lease job dispatch over the Store. All
// coordination between workers happens through the store's conditional
// updates; the scheduler itself holds no state beyond configuration.
type Scheduler struct {
	store       *Store
	bus         *events.Bus
	metrics     *MetricsTracker
	leaseTTL    time.Duration
	maxAttempts int
	log         zerolog.Logger
}

// NewScheduler creates a new claim-and-lease scheduler
func NewScheduler(store *Store, bus *events.Bus, metrics *MetricsTracker, leaseTTL time.Duration, maxAttempts int, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		bus:         bus,
		metrics:     metrics,
		leaseTTL:    leaseTTL,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "scheduler").Logger(),
	}
}

// LeaseTTL returns the configured lease duration
func (s *Scheduler) LeaseTTL() time.Duration {
	return s.leaseTTL
}

// Claim attempts to claim the oldest PENDING job for a worker. Returns nil
// when no work is available. Losing a race on a candidate is not an error;
// the next candidate is tried.
func (s *Scheduler) Claim(workerID string) (*Job, error) {
	candidates, err := s.store.ScanByState(StatePending, claimScanLimit)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		now := time.Now()
		expires := now.Add(s.leaseTTL)

		applied, err := s.store.ConditionalUpdate(candidate.ID, Guard{State: StatePending}, Update{
			State:            StateClaimed,
			LeaseOwner:       workerID,
			LeaseExpiresAt:   &expires,
			IncrementAttempt: true,
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			// Another worker won this one; move on.
			continue
		}

		job, err := s.store.Get(candidate.ID)
		if err != nil {
			return nil, err
		}

		s.metrics.RecordClaim(now.Sub(job.CreatedAt))
		s.log.Debug().
			Str("job_id", job.ID).
			Str("worker_id", workerID).
			Int("attempt", job.AttemptCount).
			Msg("Job claimed")
		s.bus.Emit(events.JobClaimed, "scheduler", &events.JobClaimedData{
			JobID:        job.ID,
			WorkerID:     workerID,
			Attempt:      job.AttemptCount,
			LeaseExpires: expires,
		})

		return job, nil
	}

	return nil, nil
}

// Renew extends the lease of a job the worker still owns. Returns false when
// the lease was already reclaimed; the worker should stop processing the job.
func (s *Scheduler) Renew(workerID, jobID string) (bool, error) {
	expires := time.Now().Add(s.leaseTTL)
	return s.store.ConditionalUpdate(jobID, Guard{State: StateClaimed, LeaseOwner: workerID}, Update{
		State:          StateClaimed,
		LeaseOwner:     workerID,
		LeaseExpiresAt: &expires,
	})
}

// Complete transitions a claimed job to DONE. The owner guard means a worker
// whose lease expired mid-processing cannot complete a job that was reclaimed:
// its late write is rejected (returns false) and must be treated as a log-and-
// move-on, never as a process failure.
func (s *Scheduler) Complete(workerID, jobID string, outputKey string, records int) (bool, error) {
	applied, err := s.store.ConditionalUpdate(jobID, Guard{State: StateClaimed, LeaseOwner: workerID}, Update{
		State: StateDone,
	})
	if err != nil || !applied {
		return applied, err
	}

	s.log.Info().Str("job_id", jobID).Str("output", outputKey).Int("records", records).Msg("Job completed")
	s.bus.Emit(events.JobCompleted, "scheduler", &events.JobCompletedData{
		JobID:     jobID,
		WorkerID:  workerID,
		OutputKey: outputKey,
		Records:   records,
	})

	return true, nil
}

// Fail records a failure for a claimed job. Transient failures requeue the
// job until the attempt budget is spent; permanent failures (malformed input)
// go straight to FAILED because no retry can succeed. Returns whether the
// update applied and whether the job was requeued.
func (s *Scheduler) Fail(workerID, jobID, message string, permanent bool) (applied bool, requeued bool, err error) {
	job, err := s.store.Get(jobID)
	if err != nil {
		return false, false, err
	}

	if !permanent && job.AttemptCount < s.maxAttempts {
		applied, err = s.store.ConditionalUpdate(jobID, Guard{State: StateClaimed, LeaseOwner: workerID}, Update{
			State: StatePending,
		})
		if err != nil || !applied {
			return applied, false, err
		}

		s.log.Warn().
			Str("job_id", jobID).
			Int("attempt", job.AttemptCount).
			Int("max_attempts", s.maxAttempts).
			Str("error", message).
			Msg("Job failed transiently, requeued")
		s.metrics.RecordRequeue()
		s.bus.Emit(events.JobRequeued, "scheduler", &events.JobRequeuedData{
			JobID:   jobID,
			Attempt: job.AttemptCount,
			Reason:  "transient_failure",
		})
		return true, true, nil
	}

	applied, err = s.store.ConditionalUpdate(jobID, Guard{State: StateClaimed, LeaseOwner: workerID}, Update{
		State:        StateFailed,
		ErrorMessage: message,
	})
	if err != nil || !applied {
		return applied, false, err
	}

	s.log.Error().
		Str("job_id", jobID).
		Int("attempt", job.AttemptCount).
		Bool("permanent", permanent).
		Str("error", message).
		Msg("Job failed")
	s.metrics.RecordFailure()
	s.bus.Emit(events.JobFailed, "scheduler", &events.JobFailedData{
		JobID:    jobID,
		WorkerID: workerID,
		Attempt:  job.AttemptCount,
		Error:    message,
	})

	return true, false, nil
}
