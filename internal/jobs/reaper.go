package jobs

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/events"
)

// reapScanLimit caps how many expired leases one pass releases
const reapScanLimit = 100

// Reaper periodically returns jobs with expired leases to PENDING. This is
// what guarantees no job is permanently lost when a worker crashes
// mid-processing: the lease runs out and the job becomes claimable again.
type Reaper struct {
	store    *Store
	bus      *events.Bus
	interval time.Duration
	stop     chan struct{}
	stopped  bool
	started  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewReaper creates a new lease reaper
func NewReaper(store *Store, bus *events.Bus, interval time.Duration, log zerolog.Logger) *Reaper {
	return &Reaper{
		store:    store,
		bus:      bus,
		interval: interval,
		stop:     make(chan struct{}),
		log:      log.With().Str("component", "reaper").Logger(),
	}
}

// Start starts the background reap loop
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started && !r.stopped {
		r.log.Warn().Msg("Reaper already started, ignoring")
		return
	}
	if r.stopped {
		r.stop = make(chan struct{})
		r.stopped = false
	}
	r.started = true

	ticker := time.NewTicker(r.interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if _, err := r.ReapOnce(time.Now()); err != nil {
					r.log.Error().Err(err).Msg("Reap pass failed")
				}
			}
		}
	}()

	r.log.Info().Dur("interval", r.interval).Msg("Reaper started")
}

// Stop stops the reap loop and waits for it to finish
func (r *Reaper) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	close(r.stop)
	r.stopped = true
	r.started = false
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info().Msg("Reaper stopped")
}

// ReapOnce releases all leases expired before now and returns how many jobs
// it requeued. The expiry guard on the update makes a renew that lands
// between scan and update win: an actively processed job is never requeued.
func (r *Reaper) ReapOnce(now time.Time) (int, error) {
	expired, err := r.store.ScanExpiredLeases(now, reapScanLimit)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, job := range expired {
		applied, err := r.store.ConditionalUpdate(job.ID, Guard{
			State:          StateClaimed,
			LeaseOwner:     job.LeaseOwner,
			LeaseExpiredBy: &now,
		}, Update{
			State: StatePending,
		})
		if err != nil {
			return reclaimed, err
		}
		if !applied {
			// Renewed or completed since the scan; leave it alone.
			continue
		}

		reclaimed++
		r.log.Warn().
			Str("job_id", job.ID).
			Str("lease_owner", job.LeaseOwner).
			Time("lease_expired_at", *job.LeaseExpiresAt).
			Msg("Reclaimed abandoned job")
		r.bus.Emit(events.JobRequeued, "reaper", &events.JobRequeuedData{
			JobID:   job.ID,
			Attempt: job.AttemptCount,
			Reason:  "lease_expired",
		})
	}

	return reclaimed, nil
}
